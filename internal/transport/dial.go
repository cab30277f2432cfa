package transport

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrUnsupportedScheme is returned for endpoint URLs other than ws, wss or tcp.
var ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

// NetDialer dials real network endpoints.
type NetDialer struct {
	Timeout time.Duration
	Options Options
}

// Dial opens a connection to endpoint, choosing the transport from the URL scheme.
func (d NetDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint.URL))
	if err != nil {
		return nil, errors.Wrap(err, "parse endpoint")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		if endpoint.Token != "" {
			q := u.Query()
			q.Set("token", endpoint.Token)
			u.RawQuery = q.Encode()
		}
		return dialWebSocket(ctx, u.String(), endpoint.Token, timeout, d.Options)
	case "tcp":
		return dialFramed(ctx, u.Host, endpoint.Token, timeout, d.Options)
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
}
