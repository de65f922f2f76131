// ABOUTME: End-to-end tests for the WebSocket endpoint using httptest and a gorilla client
// ABOUTME: Covers token handshake, auth failure close codes and oversized frames

package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, srv *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var frame map[string]any
		require.NoError(t, ws.ReadJSON(&frame))
		if frame["type"] == frameType {
			return frame
		}
	}
}

func newTestServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /ws", env.hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocket_QueryToken(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	a := newUser()

	ws := dialTestServer(t, srv, "?token="+a, nil)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": TypePing}))
	readJSON(t, ws, TypePong)
	assert.True(t, env.presence.IsOnline(a))
}

func TestWebSocket_BearerHeader(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	a, b := newUser(), newUser()
	conv := env.direct(a, b)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a)
	ws := dialTestServer(t, srv, "", header)

	require.NoError(t, ws.WriteJSON(map[string]string{
		"type":            TypeSendMessage,
		"conversation_id": conv.ID,
		"content":         "over the wire",
	}))
	ack := readJSON(t, ws, TypeMessageSent)
	assert.Equal(t, "over the wire", ack["message"].(map[string]any)["content"])
}

func TestWebSocket_InvalidTokenClosesWith4001(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)

	ws := dialTestServer(t, srv, "?token=nope", nil)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseAuthenticationFailed), "got %v", err)
	assert.Zero(t, env.presence.OnlineCount())
}

func TestWebSocket_MissingTokenClosesWith4001(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)

	ws := dialTestServer(t, srv, "", nil)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseAuthenticationFailed), "got %v", err)
}

func TestWebSocket_OversizedFrameClosesConnection(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.MaxFrameBytes = 256
	env := newTestEnvWith(t, cfg, nil)
	srv := newTestServer(t, env)
	a := newUser()

	ws := dialTestServer(t, srv, "?token="+a, nil)
	require.Eventually(t, func() bool { return env.presence.IsOnline(a) }, waitFor, 5*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))

	require.Eventually(t, func() bool { return !env.presence.IsOnline(a) }, waitFor, 5*time.Millisecond)
}

func TestWebSocket_ClientCloseDeregisters(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	a := newUser()

	ws := dialTestServer(t, srv, "?token="+a, nil)
	require.Eventually(t, func() bool { return env.presence.IsOnline(a) }, waitFor, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return !env.presence.IsOnline(a) }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.hub.SessionCount() == 0 }, waitFor, 5*time.Millisecond)
}
