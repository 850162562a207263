package ui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// localCommand runs in the client without contacting the server
type localCommand func(m Model, args string) (tea.Model, tea.Cmd)

var localCommands map[string]localCommand

func init() {
	localCommands = map[string]localCommand{
		"quit":      cmdQuit,
		"exit":      cmdQuit,
		"clear":     cmdClear,
		"reconnect": cmdReconnect,
	}
}

func cmdQuit(m Model, _ string) (tea.Model, tea.Cmd) {
	return m, tea.Quit
}

func cmdClear(m Model, _ string) (tea.Model, tea.Cmd) {
	m.scrollback = nil
	m.viewport.SetContent("")
	m.viewport.GotoTop()
	cmd := m.setStatus("Scrollback cleared")
	return m, cmd
}

// cmdReconnect drops the current connection and dials again. The pending
// listener keeps reading from the same channels, so none is added here.
func cmdReconnect(m Model, _ string) (tea.Model, tea.Cmd) {
	m.conn.Disconnect()
	m.conn.EnableAutoReconnect()

	if err := m.conn.Connect(); err != nil {
		m.connectionState = StateDisconnected
		m.errorMessage = fmt.Sprintf("Reconnect failed: %v", err)
		return m, nil
	}
	cmd := m.onConnected()
	return m, cmd
}
