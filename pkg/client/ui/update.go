package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/linechat/pkg/client"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Header, input and footer take one line each
		m.viewport.Width = msg.Width
		m.viewport.Height = max(3, msg.Height-3)
		m.input.Width = max(10, msg.Width-4)
		m.viewport.SetContent(m.renderScrollback())
		m.viewport.GotoBottom()
		return m, nil

	case ServerLineMsg:
		m.handleServerLine(msg.Line)
		return m, listenForServerLines(m.conn)

	case ErrorMsg:
		// Disconnects are reported through DisconnectedMsg
		if !errors.Is(msg.Err, client.ErrDisconnected) {
			m.errorMessage = msg.Err.Error()
		}
		return m, listenForServerLines(m.conn)

	case ConnectedMsg:
		m.logf("Connection (re)established")
		cmd := m.onConnected()
		return m, tea.Batch(listenForServerLines(m.conn), cmd)

	case DisconnectedMsg:
		m.logf("Connection lost: %v", msg.Err)
		m.connectionState = StateDisconnected
		m.loggedIn = false
		m.appendLine(chatLine{kind: kindError, text: "Connection lost.", at: time.Now()})
		return m, listenForServerLines(m.conn)

	case ReconnectingMsg:
		m.connectionState = StateReconnecting
		m.reconnectAttempt = msg.Attempt
		m.errorMessage = ""
		return m, listenForServerLines(m.conn)

	case ConnectionClosedMsg:
		m.connectionState = StateDisconnected
		return m, nil

	case TickMsg:
		return m, tickCmd()

	case ClearStatusMsg:
		// Only clear if version matches (prevents stale timeouts from clearing new messages)
		if msg.Version == m.statusVersion {
			m.statusMessage = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "enter":
		text := m.input.Value()
		m.input.Reset()
		return m.submit(text)

	case "up":
		if m.historyCursor > 0 {
			m.historyCursor--
			m.input.SetValue(m.inputHistory[m.historyCursor])
			m.input.CursorEnd()
		}
		return m, nil

	case "down":
		if m.historyCursor < len(m.inputHistory) {
			m.historyCursor++
		}
		if m.historyCursor == len(m.inputHistory) {
			m.input.Reset()
		} else {
			m.input.SetValue(m.inputHistory[m.historyCursor])
			m.input.CursorEnd()
		}
		return m, nil

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleServerLine records a server line and tracks login state from the
// server's replies.
func (m *Model) handleServerLine(line string) {
	entry := classifyLine(line)

	switch {
	case strings.HasPrefix(line, "Login successful. Welcome, "):
		name := strings.TrimSuffix(strings.TrimPrefix(line, "Login successful. Welcome, "), "!")
		m.loggedIn = true
		m.username = name
		if m.state != nil {
			if err := m.state.SetLastUsername(name); err != nil {
				m.logf("Failed to save username: %v", err)
			}
		}
	case line == "You have been logged out.":
		m.loggedIn = false
	case strings.HasPrefix(line, "Authentication failed"):
		// Stop retrying bad credentials on reconnect
		m.password = ""
	}

	m.appendLine(entry)
}

// submit handles one line typed by the user
func (m Model) submit(raw string) (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return m, nil
	}
	m.pushHistory(text)

	if strings.HasPrefix(text, "/") {
		name, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
		if local, ok := localCommands[strings.ToLower(name)]; ok {
			return local(m, strings.TrimSpace(args))
		}
		if strings.EqualFold(name, "login") {
			if user, pass, ok := strings.Cut(strings.TrimSpace(args), " "); ok {
				m.username = user
				m.password = strings.TrimSpace(pass)
			}
		}
	}

	if err := m.conn.Send(text); err != nil {
		m.errorMessage = fmt.Sprintf("Not sent: %v", err)
		return m, nil
	}
	m.errorMessage = ""

	// The server does not echo chat lines back to their sender
	if m.loggedIn && !strings.HasPrefix(text, "/") {
		m.appendLine(chatLine{kind: kindOwn, author: m.username, text: text, at: time.Now()})
	}
	return m, nil
}

func (m *Model) pushHistory(text string) {
	if n := len(m.inputHistory); n == 0 || m.inputHistory[n-1] != text {
		m.inputHistory = append(m.inputHistory, text)
		if len(m.inputHistory) > maxInputHistory {
			m.inputHistory = m.inputHistory[1:]
		}
	}
	m.historyCursor = len(m.inputHistory)
}

// onConnected resets connection state after a successful dial
func (m *Model) onConnected() tea.Cmd {
	m.connectionState = StateConnected
	m.reconnectAttempt = 0
	m.loggedIn = false
	m.errorMessage = ""
	m.appendSystem("Connected to " + m.conn.GetAddress())
	m.rememberConnection()
	return m.autoLogin()
}

// rememberConnection stores the server and transport that just worked
func (m *Model) rememberConnection() {
	if m.state == nil {
		return
	}
	if err := m.state.SetLastServer(m.conn.GetAddress()); err != nil {
		m.logf("Failed to save server: %v", err)
	}
	method := m.conn.GetConnectionType()
	if method == "websocket" && strings.HasPrefix(m.conn.GetAddress(), "wss://") {
		method = "wss"
	}
	if err := m.state.SaveSuccessfulConnection(m.conn.GetRawAddress(), method); err != nil {
		m.logf("Failed to save connection history: %v", err)
	}
}
