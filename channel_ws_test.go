package voicecall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// peerServer runs handler for every WebSocket connection and returns the
// ws:// base URL.
func peerServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/call")
	require.NoError(t, err)
	return u
}

func TestWebSocketChannelRoundTrip(t *testing.T) {
	personas := make(chan string, 1)
	base := peerServer(t, func(conn *websocket.Conn, r *http.Request) {
		personas <- r.URL.Query().Get("persona")
		for {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(typ, msg); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := (&WebSocketDialer{}).Dial(ctx, SessionURL(base, "sari"))
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, "sari", <-personas)

	out, err := EncodeEnvelope(AudioEnvelope([]byte{1, 2, 3, 4}))
	require.NoError(t, err)
	require.NoError(t, ch.Send(out))

	in, err := ch.Receive()
	require.NoError(t, err)
	env, err := DecodeEnvelope(in)
	require.NoError(t, err)
	payload, err := env.AudioPayload()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, payload)
}

func TestWebSocketChannelPeerClose(t *testing.T) {
	base := peerServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","status":"connected"}`))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
	})

	ch, err := (&WebSocketDialer{}).Dial(context.Background(), SessionURL(base, "sari"))
	require.NoError(t, err)
	defer ch.Close()

	msg, err := ch.Receive()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "connected")

	_, err = ch.Receive()
	assert.ErrorIs(t, err, shared.ErrChannelClosed)
}

func TestWebSocketChannelLocalClose(t *testing.T) {
	base := peerServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch, err := (&WebSocketDialer{}).Dial(context.Background(), SessionURL(base, "sari"))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Receive()
		errc <- err
	}()

	require.NoError(t, ch.Close())
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive not unblocked by close")
	}
	assert.ErrorIs(t, ch.Send([]byte(`{}`)), shared.ErrChannelClosed)
	assert.NoError(t, ch.Close())
}

func TestWebSocketDialRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	_, err = (&WebSocketDialer{}).Dial(context.Background(), u)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSessionURL(t *testing.T) {
	base, err := url.Parse("ws://localhost:8000/ws/call?lang=id")
	require.NoError(t, err)

	u := SessionURL(base, "reza")
	assert.Equal(t, "reza", u.Query().Get("persona"))
	assert.Equal(t, "id", u.Query().Get("lang"))
	assert.Equal(t, "/ws/call", u.Path)
	assert.Equal(t, "lang=id", base.RawQuery)
}
