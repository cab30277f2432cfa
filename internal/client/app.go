package client

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/api"
	"github.com/fenggwsx/ResiChat/internal/chat"
	"github.com/fenggwsx/ResiChat/internal/config"
	"github.com/fenggwsx/ResiChat/internal/protocol"
)

const (
	eventBuffer    = 256
	historyLimit   = 200
	requestTimeout = 10 * time.Second
)

type primaryView int

const (
	viewChat primaryView = iota
	viewHelp
	viewChats
)

func (v primaryView) String() string {
	switch v {
	case viewHelp:
		return "help"
	case viewChats:
		return "chats"
	default:
		return "chat"
	}
}

type logLevel int

const (
	logLevelInfo logLevel = iota
	logLevelError
)

type logEntry struct {
	level logLevel
	label string
	body  string
}

type commandSpec struct {
	trigger     string
	usage       string
	description string
}

type styleSet struct {
	title         lipgloss.Style
	view          lipgloss.Style
	statusOnline  lipgloss.Style
	statusOffline lipgloss.Style
	label         lipgloss.Style
	value         lipgloss.Style
	logLabel      lipgloss.Style
	logBody       lipgloss.Style
	logLabelError lipgloss.Style
	logBodyError  lipgloss.Style
	help          lipgloss.Style
	own           lipgloss.Style
	pending       lipgloss.Style
	attachment    lipgloss.Style
}

// App is the bubbletea model of the resident chat client. All fields are
// owned by the bubbletea loop; manager events reach it through a channel.
type App struct {
	cfg        config.ClientConfig
	api        *api.Client
	manager    *chat.Manager
	reconciler *chat.Reconciler
	logger     *zap.Logger

	events      chan chat.Event
	unsubscribe func()

	input      textinput.Model
	viewport   viewport.Model
	helper     help.Model
	styles     styleSet
	commands   []commandSpec
	showHelp   bool
	helpView   string
	helpHeight int

	width  int
	height int
	view   primaryView

	logLine      logEntry
	statusOnline bool
	userID       uint
	username     string
	room         uint
	chats        []protocol.Chat
	messages     []protocol.Message
	pending      chat.PendingSet
	online       map[uint]bool
}

// NewApp builds the model. The manager is subscribed immediately so no
// event is lost between construction and Init.
func NewApp(cfg config.ClientConfig, client *api.Client, manager *chat.Manager, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = "Type a message or " + string(cfg.CommandPrefix) + "help"
	input.CharLimit = 4000
	input.Focus()

	a := &App{
		cfg:        cfg,
		api:        client,
		manager:    manager,
		reconciler: chat.NewReconciler(logger.Named("reconciler")),
		logger:     logger,
		events:     make(chan chat.Event, eventBuffer),
		input:      input,
		viewport:   viewport.New(0, 0),
		helper:     help.New(),
		styles:     buildStyles(),
		commands:   defaultCommands(),
		online:     make(map[uint]bool),
		logLine:    logEntry{label: "INFO", body: "Use /register or /login to get started"},
	}
	a.unsubscribe = manager.Subscribe(a.forwardEvent)
	a.layout()
	a.updateViewportContent()
	return a
}

// forwardEvent runs on manager goroutines and must not block.
func (a *App) forwardEvent(ev chat.Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event buffer full, dropping event", zap.Stringer("type", ev.Type))
	}
}

func (a *App) listenForEvents() tea.Cmd {
	events := a.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return managerEventMsg{event: ev}
	}
}

// Init is part of the tea.Model interface.
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.listenForEvents())
}

// Update handles user input, async results and manager events.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = m.Width
		a.height = m.Height
		a.updateHelp()
		a.layout()
		a.updateViewportContent()
		return a, nil
	case tea.KeyMsg:
		return a.handleKey(m)
	case managerEventMsg:
		a.handleManagerEvent(m.event)
		return a, a.listenForEvents()
	case authResultMsg:
		return a, a.handleAuthResult(m)
	case connectResultMsg:
		a.handleConnectResult(m)
	case chatsResultMsg:
		a.handleChatsResult(m)
	case chatCreatedMsg:
		return a, a.handleChatCreated(m)
	case historyResultMsg:
		a.handleHistoryResult(m)
	case uploadResultMsg:
		a.handleUploadResult(m)
	case presenceResultMsg:
		a.handlePresenceResult(m)
	default:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return a, a.quit()
	case tea.KeyEnter:
		value := a.input.Value()
		a.input.Reset()
		a.updateHelp()
		a.layout()
		return a, a.handleSubmit(value)
	case tea.KeyTab:
		a.handleTabCompletion()
		a.updateHelp()
		a.layout()
		return a, nil
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	case tea.KeyEsc:
		if a.view != viewChat {
			a.view = viewChat
			a.updateViewportContent()
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	a.updateHelp()
	a.layout()
	return a, cmd
}

func (a *App) quit() tea.Cmd {
	a.logf("Exiting client")
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.manager.Disconnect()
	a.statusOnline = false
	return tea.Quit
}

func (a *App) logf(format string, args ...interface{}) {
	a.setLog(logLevelInfo, "INFO", format, args...)
}

func (a *App) logErrorf(format string, args ...interface{}) {
	a.setLog(logLevelError, "ERROR", format, args...)
}

func (a *App) setLog(level logLevel, label, format string, args ...interface{}) {
	body := fmt.Sprintf(format, args...)
	a.logLine = logEntry{level: level, label: label, body: body}
	if level == logLevelError {
		a.logger.Warn(body)
	} else {
		a.logger.Debug(body)
	}
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

type managerEventMsg struct {
	event chat.Event
}

type authResultMsg struct {
	action string
	resp   protocol.AuthResponse
	err    error
}

type connectResultMsg struct {
	userID uint
	err    error
}

type chatsResultMsg struct {
	chats []protocol.Chat
	err   error
}

type chatCreatedMsg struct {
	chat protocol.Chat
	err  error
}

type historyResultMsg struct {
	chatID   uint
	messages []protocol.Message
	err      error
}

type uploadResultMsg struct {
	chatID  uint
	content string
	files   []protocol.Attachment
	err     error
}

type presenceResultMsg struct {
	users []uint
	err   error
}
