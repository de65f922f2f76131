// ABOUTME: Gateway orchestrator that wires the store, presence, live hub and HTTP server
// ABOUTME: Manages the HTTP listener, health endpoints and graceful shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/coven-messenger/internal/auth"
	"github.com/2389/coven-messenger/internal/config"
	"github.com/2389/coven-messenger/internal/presence"
	"github.com/2389/coven-messenger/internal/realtime"
	"github.com/2389/coven-messenger/internal/store"
)

// Gateway orchestrates the coven-messenger server components.
// It owns the conversation store, the presence manager, the live hub and the
// HTTP server that exposes both the REST API and the WebSocket endpoint.
type Gateway struct {
	config     *config.Config
	store      store.Store
	presence   *presence.Manager
	hub        *realtime.Hub
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// initStore opens the SQLite store with limits taken from config.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithLimits(store.Limits{
			MaxContentLength: cfg.Messages.MaxContentLength,
			DefaultPageSize:  cfg.Messages.DefaultPageSize,
			MaxPageSize:      cfg.Messages.MaxPageSize,
		}),
		store.WithLogger(logger.With("component", "store")),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newResolver builds the token resolver shared by REST and WebSocket auth.
func newResolver(cfg *config.Config) (auth.Resolver, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return auth.NewJWTResolver(verifier), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	return newGateway(cfg, s, resolver, logger), nil
}

// newGateway assembles a gateway around an already opened store.
func newGateway(cfg *config.Config, s store.Store, resolver auth.Resolver, logger *slog.Logger) *Gateway {
	presenceMgr := presence.NewManager(logger)
	hub := realtime.NewHub(s, presenceMgr, resolver, cfg.Realtime, logger)

	gw := &Gateway{
		config:    cfg,
		store:     s,
		presence:  presenceMgr,
		hub:       hub,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	// The live endpoint authenticates inside the protocol so failures get a close code.
	mux.Handle("GET /ws", hub)

	gw.registerAPIRoutes(mux, auth.HTTPAuthMiddleware(resolver))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since the
// run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes live sessions and releases the store.
// Hijacked WebSocket connections are not tracked by http.Server, so the hub
// closes them itself.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "live sessions", g.hub.Shutdown(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ReadyResponse is the JSON response for GET /health/ready.
type ReadyResponse struct {
	Status       string `json:"status"`
	OnlineUsers  int    `json:"online_users"`
	LiveSessions int    `json:"live_sessions"`
	Uptime       string `json:"uptime"`
}

// handleReady returns 200 OK when the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "database unavailable", "unavailable")
		return
	}

	g.writeJSON(w, http.StatusOK, ReadyResponse{
		Status:       "ready",
		OnlineUsers:  g.presence.OnlineCount(),
		LiveSessions: g.hub.SessionCount(),
		Uptime:       time.Since(g.startedAt).Round(time.Second).String(),
	})
}
