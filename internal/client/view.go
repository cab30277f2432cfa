package client

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
	figure "github.com/common-nighthawk/go-figure"
	"github.com/mattn/go-runewidth"
)

var homeContent = buildHomeContent()

// View is part of the tea.Model interface.
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.viewport.View())
	b.WriteString("\n")

	if a.showHelp && a.helpView != "" {
		b.WriteString(a.styles.help.Render(a.helpView))
		b.WriteString("\n")
	}

	b.WriteString(a.input.View())
	b.WriteString("\n")
	b.WriteString(a.logLineView())
	b.WriteString("\n")
	b.WriteString(a.statusLine())

	return b.String()
}

func (a *App) contentWidth() int {
	if a.viewport.Width > 0 {
		return a.viewport.Width
	}
	return a.width
}

func (a *App) updateViewportContent() {
	switch a.view {
	case viewChat:
		if a.room == 0 {
			a.viewport.SetContent(homeContent)
			return
		}
		a.viewport.SetContent(a.renderChatView(a.contentWidth()))
		a.viewport.GotoBottom()
	case viewChats:
		a.viewport.SetContent(a.renderChatsView())
		a.viewport.GotoTop()
	case viewHelp:
		a.viewport.SetContent(a.renderHelpView())
		a.viewport.GotoTop()
	}
}

func (a *App) renderChatView(width int) string {
	var out []string
	if len(a.messages) == 0 {
		out = append(out, "No messages yet. Type and press Enter to send.")
	}
	for _, msg := range a.messages {
		style := a.styles.value
		switch {
		case msg.MessageID == 0:
			style = a.styles.pending
		case msg.SenderID == a.userID:
			style = a.styles.own
		}
		for i, line := range wrapLines(a.formatMessage(msg), width) {
			if i > 0 && strings.HasPrefix(strings.TrimLeft(line, " "), "+") {
				out = append(out, a.styles.attachment.Render(line))
				continue
			}
			out = append(out, style.Render(line))
		}
	}
	if items := a.pending.Items(); len(items) > 0 {
		out = append(out, "", a.styles.label.Render("Pending attachments:"))
		for i, f := range items {
			out = append(out, a.styles.attachment.Render(fmt.Sprintf("  %d. %s (%s, %s)", i+1, f.FileName, f.MIMEType, humanSize(f.Size))))
		}
	}
	return strings.Join(out, "\n")
}

func (a *App) renderChatsView() string {
	if len(a.chats) == 0 {
		return "No chats yet. Use /create <name> to start one."
	}
	var b strings.Builder
	b.WriteString("Chats\n\n")
	for _, c := range a.chats {
		marker := " "
		if c.ChatID == a.room {
			marker = "*"
		}
		b.WriteString(fmt.Sprintf("%s #%-6d %s\n", marker, c.ChatID, c.Name))
	}
	b.WriteString("\nUse /join <chat_id> to enter a chat.")
	return b.String()
}

// layout sizes the viewport and the input from the terminal size. The input,
// log and status lines plus the live help take the bottom rows.
func (a *App) layout() {
	width := a.width
	if width <= 0 {
		width = 60
	}
	a.input.Width = max(width-lipgloss.Width(a.input.Prompt)-1, 10)
	if a.height == 0 {
		return
	}
	const reserved = 3
	a.viewport.Width = a.width
	a.viewport.Height = max(a.height-reserved-a.helpHeight, 3)
}

func (a *App) updateHelp() {
	value := a.input.Value()
	if value == "" || !strings.HasPrefix(value, string(a.cfg.CommandPrefix)) {
		a.clearHelp()
		return
	}

	token := value
	if idx := strings.IndexAny(value, " \t"); idx >= 0 {
		token = value[:idx]
	}

	bindings := a.matchingBindings(token)
	if len(bindings) == 0 {
		a.clearHelp()
		return
	}

	a.showHelp = true
	a.helper.Width = a.width
	view := a.helper.View(dynamicKeyMap{keys: bindings})
	view = strings.TrimRight(view, "\n")
	a.helpView = view
	a.helpHeight = countLines(view)
}

func (a *App) clearHelp() {
	a.showHelp = false
	a.helpView = ""
	a.helpHeight = 0
}

func (a *App) matchingBindings(prefix string) []key.Binding {
	prefix = "/" + strings.ToLower(strings.TrimPrefix(prefix, string(a.cfg.CommandPrefix)))
	var bindings []key.Binding
	for _, c := range a.commands {
		if strings.HasPrefix(c.trigger, prefix) {
			bindings = append(bindings, key.NewBinding(
				key.WithKeys(c.usage),
				key.WithHelp(c.usage, c.description),
			))
		}
	}
	return bindings
}

func (a *App) statusLine() string {
	status := "OFFLINE"
	style := a.styles.statusOffline
	if a.statusOnline {
		status = "ONLINE"
		style = a.styles.statusOnline
	}
	user := "-"
	if a.username != "" {
		user = fmt.Sprintf("%s #%d", a.username, a.userID)
	}
	room := "-"
	if a.room != 0 {
		room = fmt.Sprintf("#%d", a.room)
	}

	parts := []string{
		a.styles.title.Render("ResiChat"),
		a.styles.view.Render(strings.ToUpper(a.view.String())),
		style.Render(status),
		a.styles.label.Render("User") + ": " + a.styles.value.Render(user),
		a.styles.label.Render("Chat") + ": " + a.styles.value.Render(room),
		a.styles.label.Render("Files") + ": " + a.styles.value.Render(fmt.Sprint(a.pending.Len())),
	}
	return strings.Join(parts, " | ")
}

func (a *App) logLineView() string {
	if a.logLine.level == logLevelError {
		return a.styles.logLabelError.Render(a.logLine.label) + " " + a.styles.logBodyError.Render(a.logLine.body)
	}
	return a.styles.logLabel.Render(a.logLine.label) + " " + a.styles.logBody.Render(a.logLine.body)
}

func buildStyles() styleSet {
	fg := func(color string) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
	}
	return styleSet{
		title:         fg("13").Bold(true),
		view:          fg("14").Bold(true),
		statusOnline:  fg("10").Bold(true),
		statusOffline: fg("9").Bold(true),
		label:         fg("8"),
		value:         fg("15"),
		logLabel:      fg("11").Bold(true),
		logBody:       fg("7"),
		logLabelError: fg("9").Bold(true),
		logBodyError:  fg("9"),
		help:          fg("12"),
		own:           fg("10"),
		pending:       fg("8").Italic(true),
		attachment:    fg("6"),
	}
}

func (a *App) renderHelpView() string {
	var b strings.Builder
	b.WriteString("ResiChat Commands\n\n")
	for _, c := range a.commands {
		b.WriteString(fmt.Sprintf("%-42s %s\n", c.usage, c.description))
	}
	b.WriteString("\nPgUp/PgDn scroll, Tab completes commands, Esc returns to chat.")
	return b.String()
}

func buildHomeContent() string {
	fig := figure.NewColorFigure("RESICHAT", "small", "green", true)
	art := strings.TrimRight(fig.String(), "\n")
	info := []string{
		"Use /register or /login to sign in; the client connects automatically.",
		"Use /chats to list building chats and /create <name> to open one.",
		"Use /join <chat_id> to load history and start talking.",
		"Use /attach <path> to add images, videos or documents up to 5 MiB.",
		"Use /help to browse all commands.",
	}

	var b strings.Builder
	b.WriteString(art)
	b.WriteString("\n\n")
	b.WriteString(strings.Join(info, "\n"))
	return b.String()
}

// wrapLines breaks lines to fit width display cells, preferring spaces.
func wrapLines(lines []string, width int) []string {
	if width <= 0 {
		return lines
	}
	const minWidth = 10
	if width < minWidth {
		width = minWidth
	}

	wrapped := make([]string, 0, len(lines))
	for _, line := range lines {
		segment := line
		if segment == "" {
			wrapped = append(wrapped, "")
			continue
		}
		for segment != "" {
			if runewidth.StringWidth(segment) <= width {
				wrapped = append(wrapped, segment)
				break
			}
			cut := wrapCutIndex(segment, width)
			part := strings.TrimRight(segment[:cut], " ")
			if part == "" {
				part = segment[:cut]
			}
			wrapped = append(wrapped, part)
			segment = strings.TrimLeft(segment[cut:], " ")
		}
	}
	return wrapped
}

func wrapCutIndex(s string, limit int) int {
	var width int
	lastSpace := -1
	for i, r := range s {
		rw := runewidth.RuneWidth(r)
		if width+rw > limit {
			if lastSpace >= 0 {
				return lastSpace + 1
			}
			if width == 0 {
				return i + len(string(r))
			}
			return i
		}
		width += rw
		if unicode.IsSpace(r) {
			lastSpace = i
		}
	}
	return len(s)
}

type dynamicKeyMap struct {
	keys []key.Binding
}

func (d dynamicKeyMap) ShortHelp() []key.Binding {
	return d.keys
}

func (d dynamicKeyMap) FullHelp() [][]key.Binding {
	if len(d.keys) == 0 {
		return [][]key.Binding{}
	}
	return [][]key.Binding{d.keys}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
