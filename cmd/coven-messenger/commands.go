// ABOUTME: init, token and health subcommands of the messenger CLI
// ABOUTME: init writes a starter config, token mints development JWTs, health probes a server

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-messenger/internal/auth"
	"github.com/2389/coven-messenger/internal/config"
	"github.com/2389/coven-messenger/internal/gateway"
)

// initConfig is the subset of config written by init. Everything else
// takes its default at load time.
type initConfig struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

type initOptions struct {
	httpAddr string
	dbPath   string
	force    bool
}

func newInitCmd() *cobra.Command {
	opts := initOptions{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with a fresh JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.OutOrStdout(), getConfigPath(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", config.DefaultHTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&opts.dbPath, "db", filepath.Join(getDataPath(), "messenger.db"), "SQLite database path")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing config file")
	return cmd
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func runInit(out io.Writer, path string, opts initOptions) error {
	if _, err := os.Stat(path); err == nil && !opts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg initConfig
	cfg.Server.HTTPAddr = opts.httpAddr
	cfg.Database.Path = opts.dbPath
	cfg.Auth.JWTSecret = secret
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data = append([]byte("# coven-messenger configuration\n# Generated by coven-messenger init\n\n"), data...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(opts.dbPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	// The file holds the signing secret.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(out, "Config written to %s\n", path)
	fmt.Fprintf(out, "Start the server with: coven-messenger serve --config %s\n", path)
	return nil
}

func newTokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT for a user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			tok, err := mintToken(cfg, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (UUID); a new one is generated when empty")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func mintToken(cfg *config.Config, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		userID = uuid.NewString()
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	tok, err := verifier.Generate(id.String(), ttl)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return tok, nil
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running server is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), "http://"+cfg.Server.HTTPAddr)
		},
	}
}

func runHealth(ctx context.Context, out io.Writer, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var ready gateway.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Fprintf(out, "%s (online users: %d, live sessions: %d, uptime: %s)\n",
		ready.Status, ready.OnlineUsers, ready.LiveSessions, ready.Uptime)
	return nil
}
