// ABOUTME: Shared helpers for realtime tests: an in-memory Conn and a test hub over a temp SQLite store
// ABOUTME: Clients send JSON frames and wait for typed responses, skipping keepalive pings

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/auth"
	"github.com/2389/coven-messenger/internal/config"
	"github.com/2389/coven-messenger/internal/presence"
	"github.com/2389/coven-messenger/internal/store"
)

const waitFor = 2 * time.Second

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn. The test plays the client side.
type fakeConn struct {
	in         chan []byte
	out        chan []byte
	closed     chan struct{}
	peerClosed chan struct{}
	// stall, when set, holds every write until it is closed or the write times out.
	stall chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
	closeOnce   sync.Once
	peerOnce    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:         make(chan []byte),
		out:        make(chan []byte, 1024),
		closed:     make(chan struct{}),
		peerClosed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.peerClosed:
		return nil, ErrPeerClosed
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteFrame(payload []byte, timeout time.Duration) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if c.stall != nil {
		select {
		case <-c.stall:
		case <-c.closed:
			return errConnClosed
		case <-time.After(timeout):
			return errors.New("write timed out")
		}
	}
	select {
	case c.out <- payload:
		return nil
	default:
		return errors.New("client buffer full")
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// testClient is one connected user.
type testClient struct {
	t      *testing.T
	userID string
	conn   *fakeConn
	done   chan error
}

// send writes a frame built from fields plus the type discriminator.
func (c *testClient) send(frameType string, fields map[string]any) {
	c.t.Helper()
	frame := map[string]any{"type": frameType}
	for k, v := range fields {
		frame[k] = v
	}
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)
	c.sendRaw(data)
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	select {
	case c.conn.in <- data:
	case <-time.After(waitFor):
		c.t.Fatalf("server did not read frame %s", data)
	}
}

// expect returns the next frame of frameType, skipping other frames. Pings are
// skipped unless frameType is ping.
func (c *testClient) expect(frameType string) map[string]any {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-c.conn.out:
			var frame map[string]any
			require.NoError(c.t, json.Unmarshal(data, &frame))
			if frame["type"] == frameType {
				return frame
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %q frame", frameType)
			return nil
		}
	}
}

// expectNone fails if a frame of frameType arrives within d.
func (c *testClient) expectNone(frameType string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-c.conn.out:
			var frame map[string]any
			require.NoError(c.t, json.Unmarshal(data, &frame))
			if frame["type"] == frameType {
				c.t.Fatalf("unexpected %q frame: %s", frameType, data)
			}
		case <-deadline:
			return
		}
	}
}

// expectError returns the next error frame and checks its code.
func (c *testClient) expectError(code string) map[string]any {
	c.t.Helper()
	frame := c.expect(TypeError)
	require.Equal(c.t, code, frame["code"], "error frame: %v", frame)
	return frame
}

// roundTrip proves the session is still open and has handled everything sent so far.
func (c *testClient) roundTrip() {
	c.t.Helper()
	c.send(TypePing, nil)
	c.expect(TypePong)
}

// closeFromClient simulates the client closing cleanly and waits for teardown.
func (c *testClient) closeFromClient() {
	c.t.Helper()
	c.conn.peerOnce.Do(func() { close(c.conn.peerClosed) })
	c.wait()
}

func (c *testClient) wait() error {
	c.t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(waitFor):
		c.t.Fatalf("session for %s did not finish", c.userID)
		return nil
	}
}

type testEnv struct {
	t        *testing.T
	store    *store.SQLiteStore
	presence *presence.Manager
	hub      *Hub
	ctx      context.Context
}

// uuidResolver treats the token as the user id.
var uuidResolver = auth.ResolverFunc(func(_ context.Context, token string) (string, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return "", auth.ErrAuthenticationFailed
	}
	return id.String(), nil
})

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		IdleTimeout:       5 * time.Second,
		KeepaliveInterval: 2 * time.Second,
		WriteTimeout:      time.Second,
		HandlerTimeout:    2 * time.Second,
		MaxMissedProbes:   3,
		SendBuffer:        64,
		FrameRate:         1000,
		FrameBurst:        1000,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, testRealtimeConfig(), nil)
}

// newTestEnvWith builds an env; wrap, if set, decorates the store the hub sees.
func newTestEnvWith(t *testing.T, cfg config.RealtimeConfig, wrap func(ConversationStore) ConversationStore) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "realtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.DiscardHandler)
	p := presence.NewManager(logger)

	var hubStore ConversationStore = s
	if wrap != nil {
		hubStore = wrap(s)
	}
	hub := NewHub(hubStore, p, uuidResolver, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), waitFor)
		defer done()
		_ = hub.Shutdown(shutdownCtx)
	})

	return &testEnv{t: t, store: s, presence: p, hub: hub, ctx: ctx}
}

// connect serves a new session for userID and waits until it is registered.
func (e *testEnv) connect(userID string) *testClient {
	e.t.Helper()
	c := e.dial(userID)
	require.Eventually(e.t, func() bool { return e.presence.IsOnline(userID) }, waitFor, 5*time.Millisecond)
	return c
}

// dial serves a session with token without waiting for registration.
func (e *testEnv) dial(token string) *testClient {
	return e.dialConn(token, newFakeConn())
}

func (e *testEnv) dialConn(token string, conn *fakeConn) *testClient {
	c := &testClient{t: e.t, userID: token, conn: conn, done: make(chan error, 1)}
	go func() { c.done <- e.hub.Serve(e.ctx, conn, token) }()
	return c
}

func (e *testEnv) direct(a, b string) *store.Conversation {
	e.t.Helper()
	conv, err := e.store.CreateConversation(context.Background(), a, []string{b}, false, "")
	require.NoError(e.t, err)
	return conv
}

func newUser() string {
	return uuid.New().String()
}
