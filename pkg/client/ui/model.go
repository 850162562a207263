package ui

import (
	"hash/fnv"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/aeolun/linechat/pkg/client"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// ConnectionState represents the connection status
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateReconnecting
)

// lineKind decides how a scrollback line is styled
type lineKind int

const (
	kindSystem lineKind = iota
	kindChat
	kindOwn
	kindPrivate
	kindError
)

type chatLine struct {
	kind   lineKind
	author string
	text   string
	at     time.Time
}

const (
	defaultMaxScrollback = 1000
	statusTimeout        = 3 * time.Second
	maxInputHistory      = 50
)

var chatLinePattern = regexp.MustCompile(`^([a-zA-Z0-9_-]{2,32}): (.*)$`)

// Options configures a new Model
type Options struct {
	Version string
	// Username and Password, when both set, are sent as /login after every
	// (re)connect.
	Username string
	Password string
	Logger   *log.Logger
}

// Model represents the application state
type Model struct {
	conn             client.ConnectionInterface
	state            client.StateInterface
	logger           *log.Logger
	currentVersion   string
	connectionState  ConnectionState
	reconnectAttempt int

	username string
	password string
	loggedIn bool

	scrollback    []chatLine
	maxScrollback int
	viewport      viewport.Model
	input         textinput.Model

	inputHistory  []string
	historyCursor int // len(inputHistory) when not browsing

	width  int
	height int

	statusMessage string
	statusVersion int
	errorMessage  string
}

// NewModel builds the chat screen around an already-dialled connection
func NewModel(conn client.ConnectionInterface, state client.StateInterface, opts Options) Model {
	input := textinput.New()
	input.Placeholder = "Type a message or /help"
	input.Prompt = "> "
	input.CharLimit = 4096
	input.Focus()

	m := Model{
		conn:           conn,
		state:          state,
		logger:         opts.Logger,
		currentVersion: opts.Version,
		username:       opts.Username,
		password:       opts.Password,
		maxScrollback:  defaultMaxScrollback,
		viewport:       viewport.New(80, 20),
		input:          input,
	}
	if conn.IsConnected() {
		m.connectionState = StateConnected
	} else {
		m.connectionState = StateDisconnected
	}
	return m
}

// Message types for bubbletea

// ServerLineMsg carries one line received from the server
type ServerLineMsg struct {
	Line string
}

// ErrorMsg represents an error
type ErrorMsg struct {
	Err error
}

// ConnectedMsg is sent when successfully connected or reconnected
type ConnectedMsg struct{}

// DisconnectedMsg is sent when connection is lost
type DisconnectedMsg struct {
	Err error
}

// ReconnectingMsg is sent when attempting to reconnect
type ReconnectingMsg struct {
	Attempt int
}

// ConnectionClosedMsg is sent once the connection's channels are closed
type ConnectionClosedMsg struct{}

// TickMsg is sent periodically
type TickMsg time.Time

// ClearStatusMsg clears the footer status if it is still the given version
type ClearStatusMsg struct {
	Version int
}

// Init starts listening and logs in when credentials were given
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		listenForServerLines(m.conn),
		tickCmd(),
		textinput.Blink,
	}
	if m.conn.IsConnected() {
		cmds = append(cmds, m.autoLogin())
	}
	return tea.Batch(cmds...)
}

// listenForServerLines waits for the next line or connection event
func listenForServerLines(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		select {
		case line, ok := <-conn.Incoming():
			if !ok {
				return ConnectionClosedMsg{}
			}
			return ServerLineMsg{Line: line}
		case err, ok := <-conn.Errors():
			if !ok {
				return ConnectionClosedMsg{}
			}
			return ErrorMsg{Err: err}
		case update, ok := <-conn.StateChanges():
			if !ok {
				return ConnectionClosedMsg{}
			}
			switch update.State {
			case client.StateTypeConnected:
				return ConnectedMsg{}
			case client.StateTypeDisconnected:
				return DisconnectedMsg{Err: update.Err}
			case client.StateTypeReconnecting:
				return ReconnectingMsg{Attempt: update.Attempt}
			}
		}
		return nil
	}
}

// tickCmd returns a command that sends a tick message every second
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// autoLogin sends the configured credentials, if any
func (m Model) autoLogin() tea.Cmd {
	if m.username == "" || m.password == "" {
		return nil
	}
	conn, line := m.conn, "/login "+m.username+" "+m.password
	return func() tea.Msg {
		if err := conn.Send(line); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

// classifyLine maps a server line onto a scrollback entry
func classifyLine(line string) chatLine {
	entry := chatLine{kind: kindSystem, text: line, at: time.Now()}
	switch {
	case strings.HasPrefix(line, "[Private"):
		entry.kind = kindPrivate
	case isErrorLine(line):
		entry.kind = kindError
	default:
		if match := chatLinePattern.FindStringSubmatch(line); match != nil {
			entry.kind = kindChat
			entry.author = match[1]
			entry.text = match[2]
		}
	}
	return entry
}

func isErrorLine(line string) bool {
	for _, prefix := range []string{
		"Authentication failed",
		"Unknown command",
		"You are not authorized",
		"You must /login",
		"Please /login",
		"Message too long",
		"Internal error",
		"Failed to",
		"Server is full",
	} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// appendLine adds an entry, trims the scrollback and keeps the viewport
// pinned to the bottom when it already was.
func (m *Model) appendLine(entry chatLine) {
	atBottom := m.viewport.AtBottom()
	m.scrollback = append(m.scrollback, entry)
	if over := len(m.scrollback) - m.maxScrollback; over > 0 {
		m.scrollback = append([]chatLine(nil), m.scrollback[over:]...)
	}
	m.viewport.SetContent(m.renderScrollback())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) appendSystem(text string) {
	m.appendLine(chatLine{kind: kindSystem, text: text, at: time.Now()})
}

// setStatus shows a footer message that clears itself
func (m *Model) setStatus(text string) tea.Cmd {
	m.statusVersion++
	m.statusMessage = text
	version := m.statusVersion
	return tea.Tick(statusTimeout, func(time.Time) tea.Msg {
		return ClearStatusMsg{Version: version}
	})
}

func (m *Model) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

func authorColorIndex(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() % uint32(len(authorPalette)))
}
