// ABOUTME: Message-oriented transport beneath a session, implemented over gorilla/websocket
// ABOUTME: Maps peer-initiated closes to ErrPeerClosed and defines protocol close codes

package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent when the server ends a connection.
const (
	CloseNormal               = websocket.CloseNormalClosure
	CloseGoingAway            = websocket.CloseGoingAway
	CloseInternalError        = websocket.CloseInternalServerErr
	CloseSlowConsumer         = websocket.CloseTryAgainLater
	CloseAuthenticationFailed = 4001
	CloseSessionReplaced      = 4002
	CloseIdleTimeout          = 4008
)

// ErrPeerClosed is returned by ReadFrame when the client closed the connection cleanly.
var ErrPeerClosed = errors.New("peer closed connection")

// Conn is one established, message-oriented, bidirectional channel.
// ReadFrame is called from a single goroutine and WriteFrame from another;
// Close may be called concurrently with both.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte, timeout time.Duration) error
	Close(code int, reason string) error
}

// wsConn adapts a gorilla websocket to Conn.
type wsConn struct {
	ws *websocket.Conn
}

// NewWebSocketConn wraps ws, capping inbound frames at maxFrameBytes.
func NewWebSocketConn(ws *websocket.Conn, maxFrameBytes int64) Conn {
	if maxFrameBytes > 0 {
		ws.SetReadLimit(maxFrameBytes)
	}
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, fmt.Errorf("%w: %v", ErrPeerClosed, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteFrame(payload []byte, timeout time.Duration) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return c.ws.Close()
}
