package client

import (
	"context"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/fenggwsx/ResiChat/internal/chat"
	"github.com/fenggwsx/ResiChat/internal/protocol"
)

func (a *App) handleSubmit(value string) tea.Cmd {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	if strings.HasPrefix(value, string(a.cfg.CommandPrefix)) {
		return a.executeCommand(value)
	}
	return a.sendChatMessage(value)
}

// parseCommand splits raw input into the command trigger and its arguments.
// The trigger is normalized to the "/" prefix and lower case.
func parseCommand(raw string, prefix rune) (string, []string) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], string(prefix)))
	return "/" + name, fields[1:]
}

func parseID(value string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(value), "#"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Errorf("invalid id: %s", value)
	}
	return uint(id), nil
}

func (a *App) executeCommand(raw string) tea.Cmd {
	cmd, args := parseCommand(raw, a.cfg.CommandPrefix)
	if cmd == "" {
		return nil
	}

	var out tea.Cmd
	switch cmd {
	case "/chat":
		a.view = viewChat
		a.logf("Switched to CHAT view")
	case "/help":
		a.view = viewHelp
		a.logf("Switched to HELP view")
	case "/register":
		if len(args) < 2 {
			a.logErrorf("Usage: /register <username> <password> [avatar]")
			break
		}
		avatar := ""
		if len(args) > 2 {
			avatar = args[2]
		}
		a.logf("Registering %s ...", args[0])
		out = a.authenticate("register", args[0], args[1], avatar)
	case "/login":
		if len(args) < 2 {
			a.logErrorf("Usage: /login <username> <password>")
			break
		}
		a.logf("Logging in as %s ...", args[0])
		out = a.authenticate("login", args[0], strings.Join(args[1:], " "), "")
	case "/chats":
		if !a.requireLogin() {
			break
		}
		out = a.fetchChats()
	case "/create":
		if len(args) == 0 {
			a.logErrorf("Usage: /create <name>")
			break
		}
		if !a.requireLogin() {
			break
		}
		out = a.createChat(strings.Join(args, " "))
	case "/join":
		if len(args) != 1 {
			a.logErrorf("Usage: /join <chat_id>")
			break
		}
		chatID, err := parseID(args[0])
		if err != nil {
			a.logErrorf("%v", err)
			break
		}
		out = a.joinChat(chatID)
	case "/leave":
		a.leaveChat()
	case "/attach":
		if len(args) == 0 {
			a.logErrorf("Usage: /attach <path>")
			break
		}
		a.attachFile(strings.Join(args, " "))
	case "/detach":
		if len(args) != 1 {
			a.logErrorf("Usage: /detach <index>")
			break
		}
		a.detachFile(args[0])
	case "/delete":
		if len(args) != 1 {
			a.logErrorf("Usage: /delete <message_id>")
			break
		}
		a.deleteMessage(args[0])
	case "/presence":
		if !a.requireLogin() {
			break
		}
		out = a.fetchPresence()
	case "/quit":
		return a.quit()
	default:
		a.logErrorf("Unknown command %s", cmd)
	}

	a.updateViewportContent()
	return out
}

func (a *App) requireLogin() bool {
	if a.userID == 0 {
		a.logErrorf("Log in first (use /login or /register)")
		return false
	}
	return true
}

func (a *App) requireConnection() bool {
	if !a.requireLogin() {
		return false
	}
	if !a.manager.Connected() {
		a.logErrorf("Not connected to the realtime server")
		return false
	}
	return true
}

func (a *App) authenticate(action, username, password, avatar string) tea.Cmd {
	client := a.api
	return func() tea.Msg {
		ctx, cancel := withTimeout()
		defer cancel()
		var (
			resp protocol.AuthResponse
			err  error
		)
		if action == "register" {
			resp, err = client.Register(ctx, username, password, avatar)
		} else {
			resp, err = client.Login(ctx, username, password)
		}
		return authResultMsg{action: action, resp: resp, err: err}
	}
}

func (a *App) connect(userID uint) tea.Cmd {
	manager := a.manager
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DialTimeout+time.Second)
		defer cancel()
		return connectResultMsg{userID: userID, err: manager.Connect(ctx, userID)}
	}
}

func (a *App) fetchChats() tea.Cmd {
	client := a.api
	return func() tea.Msg {
		ctx, cancel := withTimeout()
		defer cancel()
		chats, err := client.ListChats(ctx)
		return chatsResultMsg{chats: chats, err: err}
	}
}

func (a *App) createChat(name string) tea.Cmd {
	client := a.api
	a.logf("Creating chat %q ...", name)
	return func() tea.Msg {
		ctx, cancel := withTimeout()
		defer cancel()
		created, err := client.CreateChat(ctx, name)
		return chatCreatedMsg{chat: created, err: err}
	}
}

func (a *App) joinChat(chatID uint) tea.Cmd {
	if !a.requireConnection() {
		return nil
	}
	if chatID == a.room {
		a.logf("Already in chat #%d", chatID)
		return nil
	}
	if err := a.manager.JoinRoom(chatID); err != nil {
		a.logErrorf("Join failed: %v", err)
		return nil
	}
	a.room = chatID
	a.messages = nil
	a.view = viewChat
	a.logf("Joined chat #%d, loading history ...", chatID)
	return a.loadHistory(chatID)
}

func (a *App) loadHistory(chatID uint) tea.Cmd {
	client := a.api
	return func() tea.Msg {
		ctx, cancel := withTimeout()
		defer cancel()
		messages, err := client.ListMessages(ctx, chatID, historyLimit)
		return historyResultMsg{chatID: chatID, messages: messages, err: err}
	}
}

func (a *App) leaveChat() {
	if a.room == 0 {
		a.logErrorf("No active chat to leave")
		return
	}
	if err := a.manager.LeaveRoom(a.room); err != nil {
		a.logErrorf("Leave failed: %v", err)
		return
	}
	a.logf("Left chat #%d", a.room)
	a.room = 0
	a.messages = nil
}

func (a *App) attachFile(path string) {
	file, err := chat.LoadAttachment(path)
	if err != nil {
		a.logErrorf("Cannot attach %s: %v", path, err)
		return
	}
	if rejected := a.pending.Add(file); len(rejected) > 0 {
		a.logErrorf("%s rejected: %s", rejected[0].FileName, rejected[0].Reason)
		return
	}
	a.logf("Attached %s (%s), %d pending", file.FileName, humanSize(file.Size), a.pending.Len())
}

func (a *App) detachFile(value string) {
	idx, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		a.logErrorf("Invalid index: %s", value)
		return
	}
	removed, ok := a.pending.Remove(idx - 1)
	if !ok {
		a.logErrorf("No pending attachment #%d", idx)
		return
	}
	a.logf("Removed %s, %d pending", removed.FileName, a.pending.Len())
}

func (a *App) deleteMessage(value string) {
	if !a.requireConnection() {
		return
	}
	if a.room == 0 {
		a.logErrorf("Join a chat first (use /join <chat_id>)")
		return
	}
	messageID, err := parseID(value)
	if err != nil {
		a.logErrorf("%v", err)
		return
	}
	if err := a.manager.DeleteMessage(a.room, messageID); err != nil {
		a.logErrorf("Delete failed: %v", err)
		return
	}
	a.logf("Deleting message #%d ...", messageID)
}

func (a *App) fetchPresence() tea.Cmd {
	client := a.api
	return func() tea.Msg {
		ctx, cancel := withTimeout()
		defer cancel()
		users, err := client.Presence(ctx)
		return presenceResultMsg{users: users, err: err}
	}
}

// sendChatMessage renders text-only messages optimistically and queues them
// right away. Messages with attachments are queued once every file is
// uploaded, so the local copy and the server echo stay inside the echo window.
func (a *App) sendChatMessage(content string) tea.Cmd {
	content = strings.TrimSpace(content)
	if content == "" && a.pending.Len() == 0 {
		return nil
	}
	if !a.requireConnection() {
		return nil
	}
	if a.room == 0 {
		a.logErrorf("Join a chat before sending (use /join <chat_id>)")
		return nil
	}
	if a.view != viewChat {
		a.view = viewChat
	}

	if a.pending.Len() == 0 {
		a.queueMessage(a.room, content, nil)
		a.updateViewportContent()
		return nil
	}

	files := a.pending.Items()
	a.pending.Clear()
	chatID := a.room
	client := a.api
	a.logf("Uploading %d attachment(s) ...", len(files))
	return func() tea.Msg {
		ctx, cancel := withTimeout()
		defer cancel()
		uploaded := make([]protocol.Attachment, 0, len(files))
		for _, f := range files {
			att, err := client.UploadFile(ctx, f)
			if err != nil {
				return uploadResultMsg{chatID: chatID, content: content, err: errors.Wrapf(err, "upload %s", f.FileName)}
			}
			uploaded = append(uploaded, att)
		}
		return uploadResultMsg{chatID: chatID, content: content, files: uploaded}
	}
}

func (a *App) queueMessage(chatID uint, content string, files []protocol.Attachment) {
	local := protocol.Message{
		ChatID:    chatID,
		SenderID:  a.userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Files:     files,
	}
	if err := a.manager.SendMessage(local, chatID); err != nil {
		a.logErrorf("Message failed: %v", err)
		return
	}
	if chatID == a.room {
		a.messages = a.reconciler.Merge(a.messages, local)
	}
}

func defaultCommands() []commandSpec {
	return []commandSpec{
		{trigger: "/register", usage: "/register <username> <password> [avatar]", description: "Create an account and connect"},
		{trigger: "/login", usage: "/login <username> <password>", description: "Log in and connect"},
		{trigger: "/chats", usage: "/chats", description: "List chats"},
		{trigger: "/create", usage: "/create <name>", description: "Create a chat"},
		{trigger: "/join", usage: "/join <chat_id>", description: "Join a chat and load its history"},
		{trigger: "/leave", usage: "/leave", description: "Leave the current chat"},
		{trigger: "/attach", usage: "/attach <path>", description: "Attach a file to the next message"},
		{trigger: "/detach", usage: "/detach <index>", description: "Remove a pending attachment"},
		{trigger: "/delete", usage: "/delete <message_id>", description: "Delete one of your messages"},
		{trigger: "/presence", usage: "/presence", description: "Show who is online"},
		{trigger: "/chat", usage: "/chat", description: "Switch to chat view"},
		{trigger: "/help", usage: "/help", description: "Show command help"},
		{trigger: "/quit", usage: "/quit", description: "Exit the client"},
	}
}
