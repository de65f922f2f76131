// ABOUTME: Hub accepts live connections, runs one Session per connection and tracks them for shutdown
// ABOUTME: Upgrades HTTP requests to WebSocket and authenticates with the token from the handshake

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-messenger/internal/auth"
	"github.com/2389/coven-messenger/internal/config"
	"github.com/2389/coven-messenger/internal/dedupe"
	"github.com/2389/coven-messenger/internal/presence"
	"github.com/2389/coven-messenger/internal/store"
)

// ErrHubClosed is returned by Serve once Shutdown has begun.
var ErrHubClosed = errors.New("hub is shut down")

// ConversationStore is the slice of the store that live sessions use.
type ConversationStore interface {
	CreateConversation(ctx context.Context, creatorID string, participantIDs []string, isGroup bool, name string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	CreateMessage(ctx context.Context, senderID, conversationID, content string) (*store.Message, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessage(ctx context.Context, messageID, userID, content string) (*store.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID string) (*store.Message, error)
	MarkMessageRead(ctx context.Context, messageID, userID string) (bool, error)
	MarkConversationRead(ctx context.Context, userID, conversationID string) (int, error)
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) (bool, error)
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Hub owns the live sessions of one server.
type Hub struct {
	store    ConversationStore
	presence *presence.Manager
	resolver auth.Resolver
	cfg      config.RealtimeConfig
	dedupe   *dedupe.Cache
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewHub creates a hub. Zero-valued settings in cfg take their defaults.
func NewHub(s ConversationStore, p *presence.Manager, resolver auth.Resolver, cfg config.RealtimeConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = withDefaults(cfg)

	return &Hub{
		store:    s,
		presence: p,
		resolver: resolver,
		cfg:      cfg,
		dedupe:   dedupe.New(cfg.DedupeTTL, cfg.DedupeMaxEntries),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with a bearer token rather than cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logger.With("component", "realtime"),
		sessions: make(map[*Session]struct{}),
	}
}

func withDefaults(cfg config.RealtimeConfig) config.RealtimeConfig {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultIdleTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = config.DefaultKeepaliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = config.DefaultHandlerTimeout
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = config.DefaultDedupeTTL
	}
	if cfg.MaxMissedProbes <= 0 {
		cfg.MaxMissedProbes = config.DefaultMaxMissedProbes
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = config.DefaultSendBuffer
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = config.DefaultMaxFrameBytes
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = config.DefaultFrameRate
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = config.DefaultFrameBurst
	}
	if cfg.DedupeMaxEntries <= 0 {
		cfg.DedupeMaxEntries = config.DefaultDedupeMaxEntries
	}
	return cfg
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// A missing or invalid token still upgrades, then closes with the
// authentication-failed code so browsers can see the reason.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := NewWebSocketConn(ws, h.cfg.MaxFrameBytes)
	if err := h.Serve(r.Context(), conn, token); err != nil {
		h.logger.Debug("connection ended", "remote_addr", r.RemoteAddr, "error", err)
	}
}

// Serve runs a session over conn, authenticating with token, and returns when
// the session has fully torn down.
func (h *Hub) Serve(ctx context.Context, conn Conn, token string) error {
	s := newSession(h, conn, token)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(CloseGoingAway, "server shutting down")
		return ErrHubClosed
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, s)
		h.mu.Unlock()
		h.wg.Done()
	}()

	return s.run(ctx)
}

// SessionCount returns the number of connections being served.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every live session with the going-away code and waits for
// them to finish, or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for s := range h.sessions {
		s.Close(CloseGoingAway, "server shutting down")
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	defer h.dedupe.Close()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
