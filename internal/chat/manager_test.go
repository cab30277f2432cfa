package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fenggwsx/ResiChat/internal/protocol"
	"github.com/fenggwsx/ResiChat/internal/transport"
)

type fakeConn struct {
	sent      chan protocol.Envelope
	inbound   chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:    make(chan protocol.Envelope, 64),
		inbound: make(chan protocol.Envelope, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.sent <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case <-c.closed:
		return protocol.Envelope{}, io.EOF
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint transport.Endpoint) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type recorder struct {
	events chan Event
}

func newRecorder(m *Manager) *recorder {
	r := &recorder{events: make(chan Event, 64)}
	m.Subscribe(func(ev Event) { r.events <- ev })
	return r
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func nextSent(t *testing.T, c *fakeConn) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound event")
		return protocol.Envelope{}
	}
}

func expectNoSent(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case env := <-c.sent:
		t.Fatalf("unexpected outbound event %s", env.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func presenceOf(t *testing.T, env protocol.Envelope) protocol.PresencePayload {
	t.Helper()
	var p protocol.PresencePayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return p
}

func TestConnectAnnouncesOnline(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})
	rec := newRecorder(m)

	if err := m.Connect(context.Background(), 5); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer m.Disconnect()

	if ev := rec.next(t); ev.Type != EventConnected || ev.UserID != 5 {
		t.Fatalf("unexpected event %+v", ev)
	}
	env := nextSent(t, dialer.conn(0))
	if env.Event != protocol.EventUserOnline {
		t.Fatalf("expected userOnline, got %s", env.Event)
	}
	if p := presenceOf(t, env); p.UserID != 5 || !p.Online {
		t.Fatalf("unexpected presence %+v", p)
	}
	if !m.Connected() || m.UserID() != 5 {
		t.Fatalf("manager state not updated")
	}
}

func TestConnectFailureNotifies(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})
	rec := newRecorder(m)

	if err := m.Connect(context.Background(), 5); err == nil {
		t.Fatalf("expected error")
	}
	ev := rec.next(t)
	if ev.Type != EventConnectError || ev.Err == nil {
		t.Fatalf("expected connect error event, got %+v", ev)
	}
	if m.Connected() {
		t.Fatalf("manager must not report a live session")
	}
}

func TestConnectReplacesExistingSession(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})

	if err := m.Connect(context.Background(), 5); err != nil {
		t.Fatalf("connect 5: %v", err)
	}
	if err := m.Connect(context.Background(), 7); err != nil {
		t.Fatalf("connect 7: %v", err)
	}
	defer m.Disconnect()

	if live := dialer.live(); live != 1 {
		t.Fatalf("expected exactly one live session, got %d", live)
	}
	first := dialer.conn(0)
	if !first.isClosed() {
		t.Fatalf("first session should be closed")
	}
	if env := nextSent(t, first); env.Event != protocol.EventUserOnline {
		t.Fatalf("expected userOnline on first session, got %s", env.Event)
	}
	offline := nextSent(t, first)
	if offline.Event != protocol.EventUserOffline || presenceOf(t, offline).UserID != 5 {
		t.Fatalf("expected userOffline for 5, got %+v", offline)
	}

	second := dialer.conn(1)
	online := nextSent(t, second)
	if online.Event != protocol.EventUserOnline || presenceOf(t, online).UserID != 7 {
		t.Fatalf("expected userOnline for 7, got %+v", online)
	}
	if m.UserID() != 7 {
		t.Fatalf("user id = %d", m.UserID())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})
	rec := newRecorder(m)

	m.Disconnect()

	if err := m.Connect(context.Background(), 3); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.next(t)
	m.Disconnect()
	m.Disconnect()

	if ev := rec.next(t); ev.Type != EventDisconnected || ev.Err != nil {
		t.Fatalf("expected clean disconnect, got %+v", ev)
	}
	select {
	case ev := <-rec.events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	conn := dialer.conn(0)
	nextSent(t, conn)
	if env := nextSent(t, conn); env.Event != protocol.EventUserOffline {
		t.Fatalf("expected userOffline, got %s", env.Event)
	}
	if !conn.isClosed() {
		t.Fatalf("connection not closed")
	}
}

func TestRoomOperations(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})

	if err := m.JoinRoom(1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("join without connection: %v", err)
	}
	if err := m.LeaveRoom(1); err != nil {
		t.Fatalf("leave without connection should be a no-op, got %v", err)
	}

	if err := m.Connect(context.Background(), 5); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer m.Disconnect()
	conn := dialer.conn(0)
	nextSent(t, conn)

	if err := m.LeaveRoom(99); err != nil {
		t.Fatalf("leaving a room never joined: %v", err)
	}
	expectNoSent(t, conn)

	if err := m.JoinRoom(1); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	if env := nextSent(t, conn); env.Event != protocol.EventJoinChat {
		t.Fatalf("expected joinChat, got %s", env.Event)
	}
	if err := m.JoinRoom(1); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	expectNoSent(t, conn)

	if err := m.JoinRoom(2); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	var room protocol.RoomPayload
	out := nextSent(t, conn)
	_ = protocol.DecodePayload(out.Payload, &room)
	if out.Event != protocol.EventOutChat || room.ChatID != 1 {
		t.Fatalf("expected outChat 1, got %s %+v", out.Event, room)
	}
	in := nextSent(t, conn)
	_ = protocol.DecodePayload(in.Payload, &room)
	if in.Event != protocol.EventJoinChat || room.ChatID != 2 {
		t.Fatalf("expected joinChat 2, got %s %+v", in.Event, room)
	}
	if m.ActiveRoom() != 2 {
		t.Fatalf("active room = %d", m.ActiveRoom())
	}

	if err := m.LeaveRoom(2); err != nil {
		t.Fatalf("leave 2: %v", err)
	}
	if env := nextSent(t, conn); env.Event != protocol.EventOutChat {
		t.Fatalf("expected outChat, got %s", env.Event)
	}
	if m.ActiveRoom() != 0 {
		t.Fatalf("active room should be cleared")
	}
}

func TestSendAndDeleteMessage(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})

	if err := m.SendMessage(protocol.Message{Content: "hi"}, 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send without connection: %v", err)
	}

	if err := m.Connect(context.Background(), 5); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer m.Disconnect()
	conn := dialer.conn(0)
	nextSent(t, conn)

	createdAt := time.Now().UTC()
	if err := m.SendMessage(protocol.Message{Content: "hi", CreatedAt: createdAt}, 3); err != nil {
		t.Fatalf("send: %v", err)
	}
	env := nextSent(t, conn)
	var payload protocol.SendMessagePayload
	if err := protocol.DecodePayload(env.Payload, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != protocol.EventSendMessage || payload.ChatID != 3 || payload.Message.ChatID != 3 || payload.Message.SenderID != 5 {
		t.Fatalf("unexpected send payload %+v", payload)
	}

	if err := m.DeleteMessage(3, 0); !errors.Is(err, ErrMissingMessageID) {
		t.Fatalf("delete without id: %v", err)
	}
	if err := m.DeleteMessage(3, 42); err != nil {
		t.Fatalf("delete: %v", err)
	}
	del := nextSent(t, conn)
	var delPayload protocol.DeleteMessagePayload
	_ = protocol.DecodePayload(del.Payload, &delPayload)
	if del.Event != protocol.EventDeleteMessage || delPayload.MessageID != 42 || delPayload.ChatID != 3 {
		t.Fatalf("unexpected delete %+v", delPayload)
	}
}

func TestInboundEventsInArrivalOrder(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})
	rec := newRecorder(m)

	if err := m.Connect(context.Background(), 5); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer m.Disconnect()
	rec.next(t)
	conn := dialer.conn(0)

	now := time.Now().UTC()
	conn.inbound <- protocol.Envelope{Event: protocol.EventReceiveMessage, Payload: protocol.Message{MessageID: 2, ChatID: 1, SenderID: 9, Content: "later", CreatedAt: now}}
	conn.inbound <- protocol.Envelope{Event: protocol.EventReceiveMessage, Payload: protocol.Message{MessageID: 3, ChatID: 1, SenderID: 9, Content: "no time"}}
	conn.inbound <- protocol.Envelope{Event: protocol.EventReceiveMessage, Payload: "garbage"}
	conn.inbound <- protocol.Envelope{Event: protocol.EventReceiveMessage, Payload: protocol.Message{MessageID: 1, ChatID: 1, SenderID: 9, Content: "earlier", CreatedAt: now.Add(-time.Minute)}}
	conn.inbound <- protocol.Envelope{Event: protocol.EventMessageDeleted, Payload: protocol.DeleteMessagePayload{ChatID: 1, MessageID: 2}}
	conn.inbound <- protocol.Envelope{Event: protocol.EventUserStatus, Payload: protocol.PresencePayload{UserID: 9, Online: true}}
	conn.inbound <- protocol.Envelope{Event: protocol.EventError, Payload: protocol.ErrorPayload{Reason: "join room first"}}

	first := rec.next(t)
	if first.Type != EventMessageReceived || first.Message.MessageID != 2 {
		t.Fatalf("expected message 2 first, got %+v", first)
	}
	second := rec.next(t)
	if second.Type != EventMessageReceived || second.Message.MessageID != 1 {
		t.Fatalf("expected message 1 second, got %+v", second)
	}
	if ev := rec.next(t); ev.Type != EventMessageDeleted || ev.MessageID != 2 || ev.ChatID != 1 {
		t.Fatalf("expected deletion, got %+v", ev)
	}
	if ev := rec.next(t); ev.Type != EventPresence || ev.UserID != 9 || !ev.Online {
		t.Fatalf("expected presence, got %+v", ev)
	}
	if ev := rec.next(t); ev.Type != EventServerError || ev.Reason != "join room first" {
		t.Fatalf("expected server error, got %+v", ev)
	}

	var view []protocol.Message
	r := NewReconciler(nil)
	view = r.Merge(view, *first.Message)
	view = r.Merge(view, *second.Message)
	if view[0].MessageID != 1 || view[1].MessageID != 2 {
		t.Fatalf("merged view out of order: %+v", view)
	}
}

func TestConnectionLossNotifies(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})
	rec := newRecorder(m)

	if err := m.Connect(context.Background(), 5); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.next(t)
	if err := m.JoinRoom(4); err != nil {
		t.Fatalf("join: %v", err)
	}

	_ = dialer.conn(0).Close()

	ev := rec.next(t)
	if ev.Type != EventDisconnected || ev.Err == nil || ev.UserID != 5 {
		t.Fatalf("expected disconnect with cause, got %+v", ev)
	}
	if m.Connected() || m.ActiveRoom() != 0 {
		t.Fatalf("state not cleared after loss")
	}
	if err := m.JoinRoom(4); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("join after loss: %v", err)
	}
	m.Disconnect()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, transport.Endpoint{URL: "ws://test/ws"})

	var mu sync.Mutex
	count := 0
	unsubscribe := m.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()
	unsubscribe()

	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("listener called %d times after unsubscribe", count)
	}
}
