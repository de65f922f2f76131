// ABOUTME: Tests for the session lifecycle: authentication, replacement, idle probes and teardown
// ABOUTME: Also covers error containment, rate limiting and slow consumers

package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/auth"
	"github.com/2389/coven-messenger/internal/store"
)

func TestAuthenticationFailureClosesWithoutRegistering(t *testing.T) {
	env := newTestEnv(t)

	c := env.dial("not-a-user-id")
	err := c.wait()

	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	assert.Equal(t, CloseAuthenticationFailed, c.conn.code())
	assert.Zero(t, env.presence.OnlineCount())
}

func TestConnectRegistersPresence(t *testing.T) {
	env := newTestEnv(t)
	a := newUser()

	c := env.connect(a)
	c.roundTrip()

	assert.True(t, env.presence.IsOnline(a))
	assert.Equal(t, 1, env.hub.SessionCount())
}

func TestClientCloseDeregisters(t *testing.T) {
	env := newTestEnv(t)
	a := newUser()

	c := env.connect(a)
	c.closeFromClient()

	assert.False(t, env.presence.IsOnline(a))
	assert.Equal(t, CloseNormal, c.conn.code())
	assert.Zero(t, env.hub.SessionCount())
}

func TestNewConnectionReplacesOldSession(t *testing.T) {
	env := newTestEnv(t)
	a := newUser()

	first := env.connect(a)
	second := env.connect(a)

	require.NoError(t, first.wait())
	assert.Equal(t, CloseSessionReplaced, first.conn.code())

	// The old session's teardown must not deregister the new one.
	assert.True(t, env.presence.IsOnline(a))
	second.roundTrip()
	assert.False(t, second.conn.isClosed())
}

func TestIdleConnectionIsProbedThenClosed(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.IdleTimeout = 40 * time.Millisecond
	cfg.KeepaliveInterval = time.Hour
	cfg.MaxMissedProbes = 2
	env := newTestEnvWith(t, cfg, nil)

	c := env.connect(newUser())

	c.expect(TypePing)
	require.NoError(t, c.wait())
	assert.Equal(t, CloseIdleTimeout, c.conn.code())
}

func TestIdleConnectionClosedWhenProbeCannotBeQueued(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.IdleTimeout = 40 * time.Millisecond
	cfg.KeepaliveInterval = time.Hour
	cfg.WriteTimeout = time.Second
	cfg.SendBuffer = 1
	cfg.MaxMissedProbes = 100
	env := newTestEnvWith(t, cfg, nil)

	// The writer blocks on the first probe, so later probes find the buffer full.
	conn := newFakeConn()
	conn.stall = make(chan struct{})
	a := newUser()
	c := env.dialConn(a, conn)
	require.Eventually(t, func() bool { return env.presence.IsOnline(a) }, waitFor, 5*time.Millisecond)

	require.NoError(t, c.wait())
	assert.Equal(t, CloseIdleTimeout, conn.code())
	assert.False(t, env.presence.IsOnline(a))
}

func TestActivityResetsIdleTimer(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.IdleTimeout = 80 * time.Millisecond
	cfg.KeepaliveInterval = time.Hour
	cfg.MaxMissedProbes = 2
	env := newTestEnvWith(t, cfg, nil)

	c := env.connect(newUser())
	for range 5 {
		time.Sleep(50 * time.Millisecond)
		c.roundTrip()
	}
	assert.False(t, c.conn.isClosed())
}

func TestKeepaliveSendsPings(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.KeepaliveInterval = 20 * time.Millisecond
	env := newTestEnvWith(t, cfg, nil)

	c := env.connect(newUser())
	c.expect(TypePing)
	c.expect(TypePing)
	assert.False(t, c.conn.isClosed())
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(newUser())

	c.send("teleport", nil)
	frame := c.expectError(CodeUnknownType)
	assert.Equal(t, "teleport", frame["request_type"])

	c.roundTrip()
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(newUser())

	c.sendRaw([]byte(`{"type":`))
	c.expectError(CodeMalformed)

	c.sendRaw([]byte(`{"content":"no type"}`))
	c.expectError(CodeMalformed)

	c.roundTrip()
}

func TestMissingFieldsProduceInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(newUser())

	c.send(TypeEditMessage, map[string]any{"content": "x"})
	frame := c.expectError(store.CodeInvalidInput)
	assert.Equal(t, TypeEditMessage, frame["request_type"])

	c.send(TypeSendMessage, map[string]any{"conversation_id": newUser()})
	c.expectError(store.CodeInvalidInput)

	c.roundTrip()
}

// panickingStore blows up on Block to exercise handler containment.
type panickingStore struct {
	ConversationStore
}

func (panickingStore) Block(context.Context, string, string) error {
	panic("boom")
}

func TestHandlerPanicBecomesErrorFrame(t *testing.T) {
	env := newTestEnvWith(t, testRealtimeConfig(), func(s ConversationStore) ConversationStore {
		return panickingStore{ConversationStore: s}
	})
	c := env.connect(newUser())

	c.send(TypeBlockUser, map[string]any{"user_id": newUser()})
	frame := c.expectError(store.CodeInternal)
	assert.Equal(t, TypeBlockUser, frame["request_type"])
	assert.Equal(t, "internal error", frame["error"])

	c.roundTrip()
}

// failingStore returns an unclassified error from every Unblock.
type failingStore struct {
	ConversationStore
}

func (failingStore) Unblock(context.Context, string, string) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestInternalErrorsHideDetail(t *testing.T) {
	env := newTestEnvWith(t, testRealtimeConfig(), func(s ConversationStore) ConversationStore {
		return failingStore{ConversationStore: s}
	})
	c := env.connect(newUser())

	c.send(TypeUnblockUser, map[string]any{"user_id": newUser()})
	frame := c.expectError(store.CodeInternal)
	assert.NotContains(t, frame["error"], "disk")
}

func TestRateLimitRejectsFramesButStaysOpen(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.FrameRate = 1
	cfg.FrameBurst = 2
	env := newTestEnvWith(t, cfg, nil)
	c := env.connect(newUser())

	for range 4 {
		c.send(TypePing, nil)
	}
	c.expectError(CodeRateLimited)
	assert.False(t, c.conn.isClosed())
}

func TestSendOnFullBufferClosesSlowConsumer(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.SendBuffer = 1
	env := newTestEnvWith(t, cfg, nil)

	s := newSession(env.hub, newFakeConn(), newUser())
	require.NoError(t, s.Send([]byte("one")))

	err := s.Send([]byte("two"))
	assert.ErrorIs(t, err, ErrSendBufferFull)
	assert.Equal(t, CloseSlowConsumer, s.closeCode)

	assert.ErrorIs(t, s.Send([]byte("three")), ErrSessionClosed)
}

func TestSessionStateTransitions(t *testing.T) {
	env := newTestEnv(t)

	s := newSession(env.hub, newFakeConn(), newUser())
	assert.Equal(t, StateConnecting, s.State())

	done := make(chan error, 1)
	go func() { done <- s.run(env.ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateOpen }, waitFor, 5*time.Millisecond)

	s.Close(CloseNormal, "")
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, "closed", s.State().String())
}

func TestHubShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(newUser())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(ctx))

	assert.Equal(t, CloseGoingAway, c.conn.code())
	assert.Zero(t, env.presence.OnlineCount())

	late := newFakeConn()
	err := env.hub.Serve(context.Background(), late, newUser())
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.Equal(t, CloseGoingAway, late.code())
}
