package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

type framedConn struct {
	conn      net.Conn
	opts      Options
	encoder   *protocol.Encoder
	decoder   *protocol.Decoder
	closeOnce sync.Once
	closeErr  error
}

// NewFramedConn wraps a stream connection with the length-prefixed JSON codec.
func NewFramedConn(conn net.Conn, opts Options) Conn {
	return &framedConn{
		conn:    conn,
		opts:    opts,
		encoder: protocol.NewEncoder(conn),
		decoder: protocol.NewDecoder(conn, opts.MaxFrameBytes),
	}
}

func (c *framedConn) Send(ctx context.Context, env protocol.Envelope) error {
	if err := c.conn.SetWriteDeadline(c.opts.writeDeadline(ctx)); err != nil {
		return pkgerrors.Wrap(err, "set write deadline")
	}
	return pkgerrors.Wrap(c.encoder.Encode(ctx, env), "write frame")
}

func (c *framedConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	if err := c.conn.SetReadDeadline(c.opts.readDeadline()); err != nil {
		return protocol.Envelope{}, pkgerrors.Wrap(err, "set read deadline")
	}
	return c.decoder.Decode(ctx)
}

func (c *framedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func dialFramed(ctx context.Context, addr string, token string, timeout time.Duration, opts Options) (Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "tcp dial")
	}
	conn := NewFramedConn(raw, opts)
	hello := protocol.Envelope{
		Event:     protocol.EventAuthenticate,
		Timestamp: time.Now().UTC(),
		Payload:   protocol.AuthenticatePayload{Token: token},
	}
	if err := conn.Send(ctx, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func isNetClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
