package transport

import (
	"context"
	"time"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

// Conn is one duplex, event-oriented session with the peer. Send may be
// called concurrently with Receive; Receive must only be called from one
// goroutine at a time.
type Conn interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Receive(ctx context.Context) (protocol.Envelope, error)
	Close() error
}

// Dialer opens client-side connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint Endpoint) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	return f(ctx, endpoint)
}

// Endpoint locates the realtime server. URL selects the transport by scheme:
// ws and wss use WebSocket, tcp uses length-prefixed JSON frames.
type Endpoint struct {
	URL   string
	Token string
}

// Options tunes a connection. Zero values disable the matching deadline.
type Options struct {
	MaxFrameBytes int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

func (o Options) writeDeadline(ctx context.Context) time.Time {
	var deadline time.Time
	if o.WriteTimeout > 0 {
		deadline = time.Now().Add(o.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func (o Options) readDeadline() time.Time {
	if o.ReadTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(o.ReadTimeout)
}
