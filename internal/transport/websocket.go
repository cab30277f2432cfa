package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

const closeGracePeriod = time.Second

type wsConn struct {
	conn      *websocket.Conn
	opts      Options
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established gorilla connection, client or server side.
func NewWebSocketConn(conn *websocket.Conn, opts Options) Conn {
	if opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(int64(opts.MaxFrameBytes))
	}
	return &wsConn{conn: conn, opts: opts}
}

func (c *wsConn) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(c.opts.writeDeadline(ctx)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(c.conn.WriteMessage(websocket.TextMessage, data), "write frame")
}

func (c *wsConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	for {
		if err := ctx.Err(); err != nil {
			return env, err
		}
		if err := c.conn.SetReadDeadline(c.opts.readDeadline()); err != nil {
			return env, errors.Wrap(err, "set read deadline")
		}
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return env, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return env, errors.Wrap(protocol.ErrMalformedEnvelope, err.Error())
		}
		return env, nil
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsClosed reports whether err marks an orderly shutdown of either side.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	cause := errors.Cause(err)
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return isNetClosed(cause)
}

func dialWebSocket(ctx context.Context, rawURL string, token string, timeout time.Duration, opts Options) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket handshake status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "websocket dial")
	}
	return NewWebSocketConn(conn, opts), nil
}
