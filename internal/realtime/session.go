// ABOUTME: Per-connection protocol state machine: authenticate, register, run loops, tear down once
// ABOUTME: Receive, keepalive and write loops run in an errgroup; cleanup always takes one path

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/coven-messenger/internal/store"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session errors
var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Session drives one authenticated connection.
type Session struct {
	hub    *Hub
	conn   Conn
	token  string
	userID string
	logger *slog.Logger

	state    atomic.Int32
	outbound chan []byte
	inbound  chan []byte
	limiter  *rate.Limiter

	cancel      context.CancelFunc
	done        chan struct{} // closed once the session starts closing
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	connOnce   sync.Once
	readErr    error
	readerDone chan struct{}
}

func newSession(hub *Hub, conn Conn, token string) *Session {
	s := &Session{
		hub:        hub,
		conn:       conn,
		token:      token,
		logger:     hub.logger,
		outbound:   make(chan []byte, hub.cfg.SendBuffer),
		inbound:    make(chan []byte),
		limiter:    rate.NewLimiter(rate.Limit(hub.cfg.FrameRate), hub.cfg.FrameBurst),
		done:       make(chan struct{}),
		closeCode:  CloseNormal,
		readerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// UserID returns the authenticated user, empty before authentication.
func (s *Session) UserID() string {
	return s.userID
}

// Send enqueues payload for the write loop without blocking. A full buffer means
// the client cannot keep up; the session is closed and an error returned.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	case s.outbound <- payload:
		return nil
	default:
		s.Close(CloseSlowConsumer, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close asks the session to shut down with the given close code. Only the first
// call picks the code. Teardown happens on the session's own goroutine, which
// watches done.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		if s.State() == StateOpen {
			s.setState(StateClosing)
		}
		close(s.done)
	})
}

// run authenticates, serves frames until the connection ends, and tears down.
func (s *Session) run(ctx context.Context) error {
	s.setState(StateAuthenticating)

	userID, err := s.hub.resolver.ResolveUser(ctx, s.token)
	if err != nil {
		s.logger.Warn("authentication failed", "error", err)
		s.closeConn(CloseAuthenticationFailed, "authentication failed")
		s.setState(StateClosed)
		return fmt.Errorf("authenticating connection: %w", err)
	}
	s.userID = userID
	s.logger = s.logger.With("user_id", userID)

	select {
	case <-s.done:
		s.closeConn(s.closeCode, s.closeReason)
		s.setState(StateClosed)
		return nil
	default:
	}

	ctx, s.cancel = context.WithCancel(ctx)

	if prev := s.hub.presence.Connect(userID, s); prev != nil {
		if old, ok := prev.(*Session); ok && old != s {
			old.Close(CloseSessionReplaced, "session replaced")
		}
	}
	s.setState(StateOpen)

	go s.readLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.keepaliveLoop(gctx) })
	g.Go(func() error {
		defer s.cancel()
		return s.receiveLoop(gctx)
	})

	loopErr := g.Wait()
	s.teardown()

	if loopErr != nil && !errors.Is(loopErr, ErrSessionClosed) {
		s.logger.Debug("session loop ended with error", "error", loopErr)
	}
	return nil
}

// teardown is the single cleanup path: deregister, stop loops, close the channel once.
// Every step runs even if an earlier one fails.
func (s *Session) teardown() {
	s.setState(StateClosing)

	s.cleanupStep("deregister", func() {
		s.hub.presence.Release(s.userID, s)
	})
	s.cleanupStep("cancel", func() {
		s.Close(CloseNormal, "")
		s.cancel()
	})
	s.cleanupStep("close", func() {
		s.closeConn(s.closeCode, s.closeReason)
	})
	s.cleanupStep("await reader", func() {
		select {
		case <-s.readerDone:
		case <-time.After(s.hub.cfg.WriteTimeout):
			s.logger.Warn("reader did not stop after close")
		}
	})

	s.setState(StateClosed)
	s.logger.Info("session closed", "code", s.closeCode, "reason", s.closeReason)
}

func (s *Session) cleanupStep(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cleanup step failed", "step", name, "panic", r)
		}
	}()
	fn()
}

// closeConn closes the transport exactly once.
func (s *Session) closeConn(code int, reason string) {
	s.connOnce.Do(func() {
		if err := s.conn.Close(code, reason); err != nil {
			s.logger.Debug("closing connection", "error", err)
		}
	})
}

// readLoop feeds inbound frames to the receive loop until the transport fails.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.inbound)

	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			s.readErr = err
			return
		}
		select {
		case s.inbound <- data:
		case <-s.done:
			return
		}
	}
}

// probe enqueues a liveness ping. Unlike Send, a full buffer is reported to the
// caller instead of closing the session, so the idle rule decides the close.
func (s *Session) probe() error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.outbound <- pingPayload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// receiveLoop handles frames in arrival order. An idle period triggers a liveness
// probe; the session closes after a second consecutive idle period whose probe
// could not be sent.
func (s *Session) receiveLoop(ctx context.Context) error {
	idleTimeout := s.hub.cfg.IdleTimeout
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil

		case data, ok := <-s.inbound:
			if !ok {
				s.endOfInput()
				return nil
			}
			missed = 0
			idle.Reset(idleTimeout)
			s.handle(ctx, data)

		case <-idle.C:
			missed++
			probeErr := s.probe()
			// MaxMissedProbes is an added bound: it also closes peers that accept
			// probes but never send anything back.
			if (missed >= 2 && probeErr != nil) || missed >= s.hub.cfg.MaxMissedProbes {
				s.logger.Info("closing idle connection", "missed_probes", missed, "probe_error", probeErr)
				s.Close(CloseIdleTimeout, "idle timeout")
				return nil
			}
			idle.Reset(idleTimeout)
		}
	}
}

// endOfInput records why the transport stopped delivering frames.
func (s *Session) endOfInput() {
	switch {
	case s.readErr == nil, errors.Is(s.readErr, ErrPeerClosed):
		s.logger.Debug("client closed connection")
		s.Close(CloseNormal, "")
	default:
		s.logger.Warn("read failed", "error", s.readErr)
		s.Close(CloseInternalError, "read failed")
	}
}

// keepaliveLoop sends a probe on a fixed interval shorter than the idle timeout.
func (s *Session) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.hub.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			if err := s.Send(pingPayload); err != nil {
				return fmt.Errorf("sending keepalive: %w", err)
			}
		}
	}
}

// writeLoop is the only writer of data frames. On shutdown it flushes what is queued.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case <-s.done:
			s.flush()
			return nil
		case payload := <-s.outbound:
			if err := s.conn.WriteFrame(payload, s.hub.cfg.WriteTimeout); err != nil {
				s.Close(CloseInternalError, "write failed")
				return fmt.Errorf("writing frame: %w", err)
			}
		}
	}
}

func (s *Session) flush() {
	for {
		select {
		case payload := <-s.outbound:
			if err := s.conn.WriteFrame(payload, s.hub.cfg.WriteTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handle decodes, validates and dispatches one frame. Nothing it does can end the
// receive loop: panics become a generic error frame.
func (s *Session) handle(ctx context.Context, data []byte) {
	requestType := ""
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling frame",
				"type", requestType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			s.replyError(requestType, store.CodeInternal, "internal error")
		}
	}()

	if !s.limiter.Allow() {
		s.replyError("", CodeRateLimited, "too many frames, slow down")
		return
	}

	frame, err := DecodeFrame(data)
	if err != nil {
		var unknown *UnknownTypeError
		if errors.As(err, &unknown) {
			s.replyError(unknown.Type, CodeUnknownType, err.Error())
			return
		}
		s.replyError("", CodeMalformed, err.Error())
		return
	}
	requestType = frame.Type()

	if err := frame.validate(); err != nil {
		s.replyError(requestType, store.CodeInvalidInput, err.Error())
		return
	}

	// Handlers finish even if the connection closes underneath them.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.hub.cfg.HandlerTimeout)
	defer cancel()

	s.dispatch(hctx, frame)
}
