package client

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fenggwsx/ResiChat/internal/api"
	"github.com/fenggwsx/ResiChat/internal/chat"
	"github.com/fenggwsx/ResiChat/internal/config"
	"github.com/fenggwsx/ResiChat/internal/protocol"
	"github.com/fenggwsx/ResiChat/internal/transport"
)

type stubConn struct {
	sent      chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{sent: make(chan protocol.Envelope, 32), closed: make(chan struct{})}
}

func (c *stubConn) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case c.sent <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *stubConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case <-c.closed:
		return protocol.Envelope{}, io.EOF
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) next(t *testing.T, event protocol.EventType) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.sent:
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func testConfig() config.ClientConfig {
	return config.ClientConfig{
		APIURL:        "http://127.0.0.1:1",
		WSURL:         "ws://127.0.0.1:1/ws",
		DialTimeout:   time.Second,
		CommandPrefix: '/',
	}
}

func newTestApp(t *testing.T) (*App, *stubConn) {
	t.Helper()
	conn := newStubConn()
	dialer := transport.DialerFunc(func(ctx context.Context, endpoint transport.Endpoint) (transport.Conn, error) {
		return conn, nil
	})
	cfg := testConfig()
	manager := chat.NewManager(dialer, transport.Endpoint{URL: cfg.WSURL})
	app := NewApp(cfg, api.New(cfg.APIURL, time.Second), manager, nil)
	t.Cleanup(manager.Disconnect)
	return app, conn
}

func connectApp(t *testing.T, app *App, conn *stubConn, userID uint) {
	t.Helper()
	if err := app.manager.Connect(context.Background(), userID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.next(t, protocol.EventUserOnline)
	app.userID = userID
	app.username = "ana"
	app.handleConnectResult(connectResultMsg{userID: userID})
}

func submit(app *App, value string) tea.Cmd {
	app.input.SetValue(value)
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		raw    string
		prefix rune
		name   string
		args   []string
	}{
		{raw: "/join 3", prefix: '/', name: "/join", args: []string{"3"}},
		{raw: "  /LOGIN ana  s3cret ", prefix: '/', name: "/login", args: []string{"ana", "s3cret"}},
		{raw: ":quit", prefix: ':', name: "/quit"},
		{raw: "   ", prefix: '/'},
	}
	for _, tc := range cases {
		name, args := parseCommand(tc.raw, tc.prefix)
		if name != tc.name || strings.Join(args, ",") != strings.Join(tc.args, ",") {
			t.Fatalf("parseCommand(%q) = %q %v, want %q %v", tc.raw, name, args, tc.name, tc.args)
		}
	}

	if id, err := parseID("#42"); err != nil || id != 42 {
		t.Fatalf("parseID(#42) = %d, %v", id, err)
	}
	for _, bad := range []string{"0", "-1", "abc", ""} {
		if _, err := parseID(bad); err == nil {
			t.Fatalf("parseID(%q) should fail", bad)
		}
	}
}

func TestCompleteCommand(t *testing.T) {
	commands := defaultCommands()
	cases := []struct {
		typed string
		want  string
		ok    bool
	}{
		{typed: "/j", want: "/join ", ok: true},
		{typed: "/de", want: "/de", ok: false},
		{typed: "/del", want: "/delete ", ok: true},
		{typed: "/c", ok: false},
		{typed: "/ch", want: "/chat", ok: true},
		{typed: "/zzz", ok: false},
	}
	for _, tc := range cases {
		got, ok := completeCommand(commands, tc.typed)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("completeCommand(%q) = %q %v, want %q %v", tc.typed, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWrapLines(t *testing.T) {
	got := wrapLines([]string{"the lift on floor three is out of order", "", "ok"}, 12)
	want := []string{"the lift on", "floor three", "is out of", "order", "", "ok"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("wrapLines = %q", got)
	}

	wide := wrapLines([]string{"电梯维修通知电梯维修通知"}, 10)
	for _, line := range wide {
		if w := len([]rune(line)) * 2; w > 10 {
			t.Fatalf("line %q is %d cells wide", line, w)
		}
	}
	if strings.Join(wide, "") != "电梯维修通知电梯维修通知" {
		t.Fatalf("wide text lost characters: %q", wide)
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{
		512:     "512 B",
		2048:    "2.0 KiB",
		5 << 20: "5.0 MiB",
	}
	for in, want := range cases {
		if got := humanSize(in); got != want {
			t.Fatalf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestOptimisticSendCollapsesEcho(t *testing.T) {
	app, conn := newTestApp(t)
	connectApp(t, app, conn, 5)

	if cmd := submit(app, "/join 3"); cmd == nil {
		t.Fatalf("join should load history")
	}
	join := conn.next(t, protocol.EventJoinChat)
	var room protocol.RoomPayload
	if err := protocol.DecodePayload(join.Payload, &room); err != nil || room.ChatID != 3 {
		t.Fatalf("unexpected join payload %+v: %v", join.Payload, err)
	}

	submit(app, "water off at noon")
	if len(app.messages) != 1 || app.messages[0].MessageID != 0 {
		t.Fatalf("expected one optimistic message, got %+v", app.messages)
	}
	sent := conn.next(t, protocol.EventSendMessage)
	var payload protocol.SendMessagePayload
	if err := protocol.DecodePayload(sent.Payload, &payload); err != nil {
		t.Fatalf("decode send: %v", err)
	}
	if payload.ChatID != 3 || payload.Message.SenderID != 5 || payload.Message.Content != "water off at noon" {
		t.Fatalf("unexpected send payload %+v", payload)
	}

	echo := app.messages[0]
	echo.MessageID = 11
	echo.CreatedAt = echo.CreatedAt.Add(200 * time.Millisecond)
	app.Update(managerEventMsg{event: chat.Event{Type: chat.EventMessageReceived, ChatID: 3, MessageID: 11, Message: &echo}})
	if len(app.messages) != 1 || app.messages[0].MessageID != 11 {
		t.Fatalf("echo should upgrade the local copy, got %+v", app.messages)
	}

	other := protocol.Message{MessageID: 12, ChatID: 4, SenderID: 6, Content: "elsewhere", CreatedAt: time.Now()}
	app.Update(managerEventMsg{event: chat.Event{Type: chat.EventMessageReceived, ChatID: 4, MessageID: 12, Message: &other}})
	if len(app.messages) != 1 {
		t.Fatalf("messages of other chats must be ignored")
	}

	app.Update(historyResultMsg{chatID: 3, messages: []protocol.Message{
		{MessageID: 2, ChatID: 3, SenderID: 6, Content: "welcome", CreatedAt: echo.CreatedAt.Add(-time.Hour)},
		echo,
	}})
	if len(app.messages) != 2 || app.messages[0].MessageID != 2 {
		t.Fatalf("history should merge in order, got %+v", app.messages)
	}

	submit(app, "/delete 11")
	del := conn.next(t, protocol.EventDeleteMessage)
	var delPayload protocol.DeleteMessagePayload
	if err := protocol.DecodePayload(del.Payload, &delPayload); err != nil || delPayload.MessageID != 11 || delPayload.ChatID != 3 {
		t.Fatalf("unexpected delete payload %+v: %v", del.Payload, err)
	}
	if len(app.messages) != 2 {
		t.Fatalf("deletion waits for the server")
	}
	app.Update(managerEventMsg{event: chat.Event{Type: chat.EventMessageDeleted, ChatID: 3, MessageID: 11}})
	if len(app.messages) != 1 || app.messages[0].MessageID != 2 {
		t.Fatalf("expected message 11 removed, got %+v", app.messages)
	}

	view := app.renderChatView(80)
	if !strings.Contains(view, "welcome") {
		t.Fatalf("chat view missing history: %q", view)
	}
}

func TestCommandsRequireLogin(t *testing.T) {
	app, _ := newTestApp(t)

	for _, raw := range []string{"/chats", "/join 3", "/presence", "/delete 4"} {
		if cmd := submit(app, raw); cmd != nil {
			t.Fatalf("%s should not start a request", raw)
		}
		if app.logLine.level != logLevelError {
			t.Fatalf("%s should report an error, got %+v", raw, app.logLine)
		}
	}

	submit(app, "hello")
	if len(app.messages) != 0 || app.logLine.level != logLevelError {
		t.Fatalf("message without session should be refused")
	}

	submit(app, "/bogus")
	if !strings.Contains(app.logLine.body, "Unknown command") {
		t.Fatalf("unexpected log %+v", app.logLine)
	}
}

func TestPresenceAndConnectionEvents(t *testing.T) {
	app, conn := newTestApp(t)
	connectApp(t, app, conn, 5)

	app.Update(managerEventMsg{event: chat.Event{Type: chat.EventPresence, UserID: 8, Online: true}})
	if !app.online[8] || !strings.Contains(app.logLine.body, "resident #8 is online") {
		t.Fatalf("presence not tracked: %v %+v", app.online, app.logLine)
	}
	app.Update(presenceResultMsg{users: []uint{5, 8, 9}})
	if got := app.onlineSummary(); got != "resident #5 (you), resident #8, resident #9" {
		t.Fatalf("summary = %q", got)
	}
	app.Update(managerEventMsg{event: chat.Event{Type: chat.EventPresence, UserID: 8}})
	if app.online[8] {
		t.Fatalf("user 8 should be offline")
	}

	app.Update(managerEventMsg{event: chat.Event{Type: chat.EventServerError, Reason: "join room first"}})
	if app.logLine.level != logLevelError || !strings.Contains(app.logLine.body, "join room first") {
		t.Fatalf("server error not shown: %+v", app.logLine)
	}

	app.room = 3
	app.Update(managerEventMsg{event: chat.Event{Type: chat.EventDisconnected, UserID: 5, Err: io.EOF}})
	if app.statusOnline || app.room != 0 {
		t.Fatalf("disconnect should clear status and room")
	}
	if !strings.Contains(app.logLine.body, "Connection lost") {
		t.Fatalf("unexpected log %+v", app.logLine)
	}
}

func TestAttachAndDetach(t *testing.T) {
	app, _ := newTestApp(t)
	dir := t.TempDir()

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	path := filepath.Join(dir, "boiler.png")
	if err := os.WriteFile(path, png, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	zip := filepath.Join(dir, "bills.zip")
	if err := os.WriteFile(zip, []byte("PK\x03\x04rest-of-archive"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	submit(app, "/attach "+path)
	if app.pending.Len() != 1 {
		t.Fatalf("expected one pending attachment, log %+v", app.logLine)
	}
	submit(app, "/attach "+zip)
	if app.pending.Len() != 1 || app.logLine.level != logLevelError {
		t.Fatalf("zip should be rejected, log %+v", app.logLine)
	}

	app.room = 3
	if view := app.renderChatView(80); !strings.Contains(view, "1. boiler.png") {
		t.Fatalf("pending attachment not rendered: %q", view)
	}

	submit(app, "/detach 2")
	if app.logLine.level != logLevelError {
		t.Fatalf("detaching a missing index should fail")
	}
	submit(app, "/detach 1")
	if app.pending.Len() != 0 {
		t.Fatalf("expected no pending attachments")
	}
}

func TestAuthResultConnects(t *testing.T) {
	app, conn := newTestApp(t)

	cmd := app.handleAuthResult(authResultMsg{action: "login", resp: protocol.AuthResponse{Token: "tok", UserID: 7, Username: "ben"}})
	if cmd == nil || app.userID != 7 || app.username != "ben" {
		t.Fatalf("login should record identity and start connecting")
	}
	msg := cmd()
	res, ok := msg.(connectResultMsg)
	if !ok || res.err != nil {
		t.Fatalf("unexpected connect result %#v", msg)
	}
	app.Update(res)
	if !app.statusOnline {
		t.Fatalf("expected online status")
	}
	online := conn.next(t, protocol.EventUserOnline)
	var presence protocol.PresencePayload
	if err := protocol.DecodePayload(online.Payload, &presence); err != nil || presence.UserID != 7 {
		t.Fatalf("unexpected online payload %+v: %v", online.Payload, err)
	}

	app.handleAuthResult(authResultMsg{action: "register", err: &api.Error{Status: 409, Message: "username taken"}})
	if app.logLine.body != "Registration failed: username taken" {
		t.Fatalf("unexpected log %+v", app.logLine)
	}
}

func TestUploadFinishingAfterRoomSwitchIsDropped(t *testing.T) {
	app, conn := newTestApp(t)
	connectApp(t, app, conn, 5)

	submit(app, "/join 3")
	conn.next(t, protocol.EventJoinChat)
	submit(app, "/join 4")
	conn.next(t, protocol.EventJoinChat)

	files := []protocol.Attachment{{FileID: "f1", FileURL: "/files/f1.png", FileType: protocol.FileTypeImage}}
	app.Update(uploadResultMsg{chatID: 3, content: "boiler photo", files: files})
	if len(app.messages) != 0 {
		t.Fatalf("message for a chat that was left must not be shown: %+v", app.messages)
	}
	if app.logLine.level != logLevelError || !strings.Contains(app.logLine.body, "left chat #3") {
		t.Fatalf("unexpected log %+v", app.logLine)
	}

	app.Update(uploadResultMsg{chatID: 4, content: "boiler photo", files: files})
	sent := conn.next(t, protocol.EventSendMessage)
	var payload protocol.SendMessagePayload
	if err := protocol.DecodePayload(sent.Payload, &payload); err != nil || payload.ChatID != 4 || len(payload.Message.Files) != 1 {
		t.Fatalf("unexpected send payload %+v: %v", payload, err)
	}
	if len(app.messages) != 1 || app.messages[0].MessageID != 0 {
		t.Fatalf("expected optimistic copy in chat 4, got %+v", app.messages)
	}
}
