package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenggwsx/ResiChat/internal/auth"
	"github.com/fenggwsx/ResiChat/internal/protocol"
	"github.com/fenggwsx/ResiChat/internal/transport"
)

// clientSession tracks per-connection state and outbound delivery.
type clientSession struct {
	id     string
	claims *auth.Claims
	conn   transport.Conn
	remote string

	mu       sync.Mutex
	room     uint
	online   bool
	closed   bool
	sendCh   chan protocol.Envelope
	closeMux sync.Once
}

func newClientSession(conn transport.Conn, claims *auth.Claims, remote string, queueSize int) *clientSession {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &clientSession{
		id:     uuid.NewString(),
		claims: claims,
		conn:   conn,
		remote: remote,
		sendCh: make(chan protocol.Envelope, queueSize),
	}
}

// trySend queues env without blocking.
func (s *clientSession) trySend(env protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.sendCh <- env:
		return true
	default:
		return false
	}
}

func (s *clientSession) writeLoop(ctx context.Context, writeTimeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-s.sendCh:
			if !ok {
				return nil
			}
			writeCtx := ctx
			cancel := func() {}
			if writeTimeout > 0 {
				writeCtx, cancel = context.WithTimeout(ctx, writeTimeout)
			}
			err := s.conn.Send(writeCtx, env)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *clientSession) userID() uint {
	return s.claims.UserID
}

func (s *clientSession) activeRoom() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// setRoom records chatID as the joined room and returns the previous one.
func (s *clientSession) setRoom(chatID uint) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.room
	s.room = chatID
	return prev
}

// markOnline flips the announced presence of the session and reports
// whether it changed.
func (s *clientSession) markOnline(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	return true
}

func (s *clientSession) close() {
	s.closeMux.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.sendCh)
		s.mu.Unlock()
	})
}
