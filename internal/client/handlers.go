package client

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/fenggwsx/ResiChat/internal/api"
	"github.com/fenggwsx/ResiChat/internal/chat"
	"github.com/fenggwsx/ResiChat/internal/protocol"
)

func (a *App) handleManagerEvent(ev chat.Event) {
	switch ev.Type {
	case chat.EventConnected:
		a.statusOnline = true
		a.online[ev.UserID] = true
		a.logf("Connected as %s", a.username)
	case chat.EventConnectError:
		a.statusOnline = false
		a.logErrorf("Connect failed: %v", ev.Err)
	case chat.EventDisconnected:
		a.statusOnline = false
		a.room = 0
		if ev.Err != nil {
			a.logErrorf("Connection lost: %v", ev.Err)
		} else {
			a.logf("Disconnected")
		}
	case chat.EventMessageReceived:
		if ev.Message == nil || ev.ChatID != a.room {
			return
		}
		a.messages = a.reconciler.Merge(a.messages, *ev.Message)
	case chat.EventMessageDeleted:
		if ev.ChatID != a.room {
			return
		}
		a.messages = chat.RemoveMessage(a.messages, ev.MessageID)
		a.logf("Message #%d deleted", ev.MessageID)
	case chat.EventPresence:
		if ev.Online {
			a.online[ev.UserID] = true
		} else {
			delete(a.online, ev.UserID)
		}
		if ev.UserID != a.userID {
			a.logf("%s is %s", residentLabel(ev.UserID), onlineWord(ev.Online))
		}
	case chat.EventServerError:
		a.logErrorf("Server: %s", ev.Reason)
	}
	a.updateViewportContent()
}

func (a *App) handleAuthResult(m authResultMsg) tea.Cmd {
	if m.err != nil {
		verb := "Login"
		if m.action == "register" {
			verb = "Registration"
		}
		a.logErrorf("%s failed: %s", verb, describeError(m.err))
		return nil
	}
	a.userID = m.resp.UserID
	a.username = m.resp.Username
	a.room = 0
	a.messages = nil
	a.online = make(map[uint]bool)
	a.manager.SetToken(m.resp.Token)
	a.logf("Signed in as %s, connecting ...", a.username)
	return a.connect(m.resp.UserID)
}

func (a *App) handleConnectResult(m connectResultMsg) {
	if m.err != nil {
		a.logErrorf("Connect failed: %v", m.err)
		return
	}
	a.statusOnline = a.manager.Connected()
}

func (a *App) handleChatsResult(m chatsResultMsg) {
	if m.err != nil {
		a.logErrorf("Listing chats failed: %s", describeError(m.err))
		return
	}
	a.chats = m.chats
	a.view = viewChats
	a.logf("%d chat(s) available", len(m.chats))
	a.updateViewportContent()
}

func (a *App) handleChatCreated(m chatCreatedMsg) tea.Cmd {
	if m.err != nil {
		a.logErrorf("Create failed: %s", describeError(m.err))
		return nil
	}
	a.chats = append(a.chats, m.chat)
	a.logf("Created chat #%d %s", m.chat.ChatID, m.chat.Name)
	if !a.manager.Connected() {
		return nil
	}
	cmd := a.joinChat(m.chat.ChatID)
	a.updateViewportContent()
	return cmd
}

func (a *App) handleHistoryResult(m historyResultMsg) {
	if m.chatID != a.room {
		return
	}
	if m.err != nil {
		a.logErrorf("Loading history failed: %s", describeError(m.err))
		return
	}
	a.messages = a.reconciler.MergeAll(a.messages, m.messages)
	a.logf("Loaded %d message(s) in chat #%d", len(m.messages), m.chatID)
	a.updateViewportContent()
}

func (a *App) handleUploadResult(m uploadResultMsg) {
	if m.err != nil {
		a.logErrorf("Message not sent: %s", describeError(m.err))
		return
	}
	if m.chatID != a.room {
		a.logErrorf("Message not sent: left chat #%d before the upload finished", m.chatID)
		return
	}
	a.queueMessage(m.chatID, m.content, m.files)
	a.updateViewportContent()
}

func (a *App) handlePresenceResult(m presenceResultMsg) {
	if m.err != nil {
		a.logErrorf("Presence failed: %s", describeError(m.err))
		return
	}
	a.online = make(map[uint]bool, len(m.users))
	for _, id := range m.users {
		a.online[id] = true
	}
	a.logf("Online: %s", a.onlineSummary())
}

func (a *App) onlineSummary() string {
	if len(a.online) == 0 {
		return "nobody"
	}
	ids := make([]uint, 0, len(a.online))
	for id := range a.online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	labels := make([]string, len(ids))
	for i, id := range ids {
		labels[i] = residentLabel(id)
		if id == a.userID {
			labels[i] += " (you)"
		}
	}
	return strings.Join(labels, ", ")
}

func describeError(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, api.ErrUnauthorized) {
		return "unauthorized"
	}
	return err.Error()
}

func residentLabel(id uint) string {
	return fmt.Sprintf("resident #%d", id)
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func (a *App) formatMessage(msg protocol.Message) []string {
	stamp := msg.CreatedAt.Local().Format("15:04")
	id := "…"
	if msg.MessageID != 0 {
		id = fmt.Sprintf("#%d", msg.MessageID)
	}
	sender := residentLabel(msg.SenderID)
	if msg.Avatar != "" {
		sender = msg.Avatar + " " + sender
	}
	if msg.SenderID == a.userID {
		sender = "you"
	}
	lines := []string{fmt.Sprintf("[%s %s] %s: %s", id, stamp, sender, msg.Content)}
	for _, f := range msg.Files {
		name := f.FileName
		if name == "" {
			name = f.FileID
		}
		lines = append(lines, fmt.Sprintf("    + %s %s (%s) %s", f.FileType, name, humanSize(f.Size), f.FileURL))
	}
	return lines
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
