package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/protocol"
	"github.com/fenggwsx/ResiChat/internal/transport"
)

var (
	// ErrNotConnected is returned by room and message operations issued
	// without a live session. Nothing is sent.
	ErrNotConnected = errors.New("not connected")
	// ErrSendQueueFull is returned when the outbound queue cannot take more events.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrMissingMessageID is returned when deleting a message the server has not confirmed.
	ErrMissingMessageID = errors.New("message id required")
)

const (
	defaultSendQueueSize = 32
	defaultWriteTimeout  = 5 * time.Second
	defaultFlushTimeout  = 2 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; the default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSendQueueSize bounds the number of outbound events waiting for the writer.
func WithSendQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single transport write.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// Manager owns the single realtime session of one user and translates chat
// actions into transport events. It is safe for concurrent use.
type Manager struct {
	dialer       transport.Dialer
	endpoint     transport.Endpoint
	logger       *zap.Logger
	queueSize    int
	writeTimeout time.Duration

	// lifecycle serializes Connect and Disconnect so that at most one
	// session is ever live.
	lifecycle sync.Mutex

	mu      sync.Mutex
	session *session
	userID  uint
	room    uint

	listeners listenerSet
}

// NewManager constructs a manager that dials endpoint through dialer.
func NewManager(dialer transport.Dialer, endpoint transport.Endpoint, opts ...Option) *Manager {
	m := &Manager{
		dialer:       dialer,
		endpoint:     endpoint,
		logger:       zap.NewNop(),
		queueSize:    defaultSendQueueSize,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers l and returns a function that removes it.
func (m *Manager) Subscribe(l Listener) func() {
	return m.listeners.add(l)
}

// SetToken replaces the auth token used by the next Connect.
func (m *Manager) SetToken(token string) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.endpoint.Token = token
}

// Connect opens a session for userID and announces the user online. A
// session that is already open is torn down first, announcing the previous
// user offline. Dial failures are reported to listeners as EventConnectError
// and returned; there is no retry.
func (m *Manager) Connect(ctx context.Context, userID uint) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if prev, prevUser := m.detach(); prev != nil {
		m.logger.Info("replacing live session", zap.Uint("previous_user", prevUser), zap.Uint("user", userID))
		m.teardown(prev, prevUser)
		m.notify(Event{Type: EventDisconnected, UserID: prevUser})
	}

	conn, err := m.dialer.Dial(ctx, m.endpoint)
	if err != nil {
		err = errors.Wrap(err, "connect")
		m.logger.Warn("connect failed", zap.Uint("user", userID), zap.Error(err))
		m.notify(Event{Type: EventConnectError, UserID: userID, Err: err})
		return err
	}

	sess := newSession(conn, m.queueSize)
	m.mu.Lock()
	m.session = sess
	m.userID = userID
	m.room = 0
	m.mu.Unlock()

	go m.writeLoop(sess)
	if err := sess.enqueue(envelope(protocol.EventUserOnline, protocol.PresencePayload{UserID: userID, Online: true})); err != nil {
		m.logger.Warn("announce online", zap.Uint("user", userID), zap.Error(err))
	}

	m.logger.Info("connected", zap.Uint("user", userID), zap.String("endpoint", m.endpoint.URL))
	m.notify(Event{Type: EventConnected, UserID: userID})
	go m.readLoop(sess)
	return nil
}

// Disconnect announces the user offline, closes the session and clears all
// state. It is a no-op without a session.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	sess, userID := m.detach()
	if sess == nil {
		return
	}
	m.teardown(sess, userID)
	m.logger.Info("disconnected", zap.Uint("user", userID))
	m.notify(Event{Type: EventDisconnected, UserID: userID})
}

// Connected reports whether a session is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// UserID returns the user owning the live session, or zero.
func (m *Manager) UserID() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// ActiveRoom returns the joined chat, or zero.
func (m *Manager) ActiveRoom() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// JoinRoom joins chatID, leaving the currently joined chat first.
func (m *Manager) JoinRoom(chatID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		m.logger.Debug("join dropped, not connected", zap.Uint("chat", chatID))
		return ErrNotConnected
	}
	if m.room == chatID {
		return nil
	}
	if m.room != 0 {
		if err := m.session.enqueue(envelope(protocol.EventOutChat, protocol.RoomPayload{ChatID: m.room})); err != nil {
			return err
		}
		m.room = 0
	}
	if err := m.session.enqueue(envelope(protocol.EventJoinChat, protocol.RoomPayload{ChatID: chatID})); err != nil {
		return err
	}
	m.room = chatID
	return nil
}

// LeaveRoom leaves chatID. Leaving a chat that is not the joined one sends
// nothing and returns nil.
func (m *Manager) LeaveRoom(chatID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.room == 0 || m.room != chatID {
		return nil
	}
	if err := m.session.enqueue(envelope(protocol.EventOutChat, protocol.RoomPayload{ChatID: chatID})); err != nil {
		return err
	}
	m.room = 0
	return nil
}

// SendMessage queues msg for chatID without waiting for the server. The
// caller renders it optimistically; the server echo arrives as
// EventMessageReceived and is collapsed by MergeIncoming.
func (m *Manager) SendMessage(msg protocol.Message, chatID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNotConnected
	}
	msg.ChatID = chatID
	if msg.SenderID == 0 {
		msg.SenderID = m.userID
	}
	return m.session.enqueue(envelope(protocol.EventSendMessage, protocol.SendMessagePayload{ChatID: chatID, Message: msg}))
}

// DeleteMessage asks the server to delete messageID. Nothing is removed
// locally; removal follows the server's messageDeleted notification.
func (m *Manager) DeleteMessage(chatID, messageID uint) error {
	if messageID == 0 {
		return ErrMissingMessageID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNotConnected
	}
	return m.session.enqueue(envelope(protocol.EventDeleteMessage, protocol.DeleteMessagePayload{ChatID: chatID, MessageID: messageID}))
}

func (m *Manager) detach() (*session, uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, userID := m.session, m.userID
	m.session = nil
	m.userID = 0
	m.room = 0
	return sess, userID
}

// teardown flushes an offline announcement and closes sess. sess must
// already be detached so the reader treats the resulting error as expected.
func (m *Manager) teardown(sess *session, userID uint) {
	if userID != 0 {
		if err := sess.enqueue(envelope(protocol.EventUserOffline, protocol.PresencePayload{UserID: userID})); err != nil {
			m.logger.Warn("announce offline", zap.Uint("user", userID), zap.Error(err))
		}
	}
	sess.closeQueue()
	select {
	case <-sess.done:
	case <-time.After(defaultFlushTimeout):
		m.logger.Warn("flush timed out", zap.Uint("user", userID))
	}
	sess.abort()
}

// lost handles a transport failure of sess. Failures of sessions that were
// already replaced or disconnected are ignored.
func (m *Manager) lost(sess *session, cause error) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	userID := m.userID
	m.session = nil
	m.userID = 0
	m.room = 0
	m.mu.Unlock()

	sess.closeQueue()
	sess.abort()
	if transport.IsClosed(cause) {
		m.logger.Info("connection closed by peer", zap.Uint("user", userID))
	} else {
		m.logger.Warn("connection lost", zap.Uint("user", userID), zap.Error(cause))
	}
	m.notify(Event{Type: EventDisconnected, UserID: userID, Err: cause})
}

func (m *Manager) current(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session == sess
}

func (m *Manager) writeLoop(sess *session) {
	defer close(sess.done)
	for env := range sess.sendCh {
		ctx, cancel := context.WithTimeout(sess.ctx, m.writeTimeout)
		err := sess.conn.Send(ctx, env)
		cancel()
		if err != nil {
			m.lost(sess, err)
			return
		}
		m.logger.Debug("event sent", zap.String("event", string(env.Event)), zap.String("id", env.ID))
	}
}

func (m *Manager) readLoop(sess *session) {
	for {
		env, err := sess.conn.Receive(sess.ctx)
		if errors.Is(err, protocol.ErrMalformedEnvelope) {
			m.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		if err != nil {
			m.lost(sess, err)
			return
		}
		if !m.current(sess) {
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env protocol.Envelope) {
	logger := m.logger.With(zap.String("event", string(env.Event)), zap.String("id", env.ID))
	switch env.Event {
	case protocol.EventReceiveMessage:
		var msg protocol.Message
		if err := protocol.DecodePayload(env.Payload, &msg); err != nil {
			logger.Warn("dropping malformed message", zap.Error(err))
			return
		}
		if msg.ChatID == 0 || msg.CreatedAt.IsZero() {
			logger.Warn("dropping message without chat or timestamp", zap.Uint("chat", msg.ChatID), zap.Uint("message", msg.MessageID))
			return
		}
		m.notify(Event{Type: EventMessageReceived, ChatID: msg.ChatID, MessageID: msg.MessageID, UserID: msg.SenderID, Message: &msg})
	case protocol.EventMessageDeleted:
		var del protocol.DeleteMessagePayload
		if err := protocol.DecodePayload(env.Payload, &del); err != nil || del.ChatID == 0 || del.MessageID == 0 {
			logger.Warn("dropping malformed deletion", zap.Error(err))
			return
		}
		m.notify(Event{Type: EventMessageDeleted, ChatID: del.ChatID, MessageID: del.MessageID})
	case protocol.EventUserStatus:
		var presence protocol.PresencePayload
		if err := protocol.DecodePayload(env.Payload, &presence); err != nil || presence.UserID == 0 {
			logger.Warn("dropping malformed presence", zap.Error(err))
			return
		}
		m.notify(Event{Type: EventPresence, UserID: presence.UserID, Online: presence.Online})
	case protocol.EventError:
		var serverErr protocol.ErrorPayload
		if err := protocol.DecodePayload(env.Payload, &serverErr); err != nil {
			logger.Warn("dropping malformed error", zap.Error(err))
			return
		}
		logger.Info("server rejected event", zap.String("reference", serverErr.ReferenceID), zap.String("reason", serverErr.Reason))
		m.notify(Event{Type: EventServerError, Reason: serverErr.Reason})
	default:
		logger.Debug("ignoring event")
	}
}

func (m *Manager) notify(ev Event) {
	for _, l := range m.listeners.snapshot() {
		l(ev)
	}
}

func envelope(event protocol.EventType, payload interface{}) protocol.Envelope {
	return protocol.Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// session is one live transport connection with its outbound queue.
type session struct {
	conn   transport.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	sendCh chan protocol.Envelope
}

func newSession(conn transport.Conn, queueSize int) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		sendCh: make(chan protocol.Envelope, queueSize),
	}
}

func (s *session) enqueue(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	select {
	case s.sendCh <- env:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *session) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
}

func (s *session) abort() {
	s.cancel()
	_ = s.conn.Close()
}
