package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

func TestFramedConnRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	a := NewFramedConn(left, Options{})
	b := NewFramedConn(right, Options{})
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Send(ctx, protocol.Envelope{ID: "1", Event: protocol.EventJoinChat, Payload: protocol.RoomPayload{ChatID: 9}})
	}()

	env, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
	var room protocol.RoomPayload
	if err := protocol.DecodePayload(env.Payload, &room); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.Event != protocol.EventJoinChat || room.ChatID != 9 {
		t.Fatalf("unexpected envelope %+v / %+v", env, room)
	}

	_ = a.Close()
	if _, err := b.Receive(ctx); !IsClosed(err) {
		t.Fatalf("expected closed error after peer close, got %v", err)
	}
}

func TestNetDialerRejectsUnknownScheme(t *testing.T) {
	_, err := NetDialer{}.Dial(context.Background(), Endpoint{URL: "http://localhost:1/ws"})
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestWebSocketDialCarriesToken(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	tokens := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		tokens <- r.Header.Get("Authorization")
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWebSocketConn(raw, Options{})
		defer conn.Close()
		env, err := conn.Receive(context.Background())
		if err != nil {
			return
		}
		env.Event = protocol.EventUserStatus
		_ = conn.Send(context.Background(), env)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := NetDialer{Timeout: time.Second}.Dial(ctx, Endpoint{URL: wsURL, Token: "abc"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if got := <-tokens; got != "abc" {
		t.Fatalf("query token = %q", got)
	}
	if got := <-tokens; got != "Bearer abc" {
		t.Fatalf("authorization header = %q", got)
	}

	if err := conn.Send(ctx, protocol.Envelope{ID: "p1", Event: protocol.EventUserOnline, Payload: protocol.PresencePayload{UserID: 4, Online: true}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	echo, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if echo.ID != "p1" || echo.Event != protocol.EventUserStatus {
		t.Fatalf("unexpected echo %+v", echo)
	}
}

func TestIsClosedRecognisesOrderlyClose(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "eof", err: io.EOF, want: true},
		{name: "net closed", err: net.ErrClosed, want: true},
		{name: "closed pipe", err: io.ErrClosedPipe, want: true},
		{name: "wrapped closed pipe", err: pkgerrors.Wrap(io.ErrClosedPipe, "set read deadline"), want: true},
		{name: "timeout", err: context.DeadlineExceeded, want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsClosed(tc.err); got != tc.want {
				t.Fatalf("IsClosed(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
