// ABOUTME: Entry point for the coven-messenger chat server
// ABOUTME: Cobra command tree with serve, init, token and health subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-messenger/internal/config"
	"github.com/2389/coven-messenger/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___  ___ ___  ___ _ __   __ _  ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _ \/ __/ __|/ _ \ '_ \ / _' |/ _ \ '__|
| (_| (_) \ V /  __/ | | |_____| | | | | |  __/\__ \__ \  __/ | | | (_| |  __/ |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___||___/___/\___|_| |_|\__, |\___|_|
                                                                    |___/
`

// configFlag holds the --config value shared by every subcommand.
var configFlag string

// getConfigPath returns the path to the messenger config file.
// Priority: --config > COVEN_MESSENGER_CONFIG > XDG_CONFIG_HOME/coven/messenger.yaml > ~/.config/coven/messenger.yaml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("COVEN_MESSENGER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "messenger.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "messenger.yaml")
}

// getDataPath returns the directory holding the messenger database.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coven-messenger",
		Short:         "Real-time chat server with conversations, presence and read receipts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file path")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newTokenCmd(),
		newHealthCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messenger server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Live:      ws://%s/ws\n", cfg.Server.HTTPAddr)
	fmt.Println()

	logger.Info("starting coven-messenger",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"idle_timeout", cfg.Realtime.IdleTimeout,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
