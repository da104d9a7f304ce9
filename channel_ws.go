package voicecall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WebSocketDialer opens text-frame WebSocket channels.
type WebSocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, u *url.URL) (Channel, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: status %d: %w", u.Redacted(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex
	once    sync.Once
	closed  bool
}

func (c *wsChannel) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return shared.ErrChannelClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (c *wsChannel) Receive() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent) {
				return nil, fmt.Errorf("%w: %w", shared.ErrChannelClosed, err)
			}
			return nil, fmt.Errorf("reading message: %w", err)
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a normal-closure frame and drops the connection. A pending
// Receive returns an error.
func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
