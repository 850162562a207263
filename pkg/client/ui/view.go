package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the whole screen
func (m Model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		m.input.View(),
		m.renderFooter(),
	)
}

// renderHeader renders the header
func (m Model) renderHeader() string {
	left := HeaderStyle.Render("linechat " + m.currentVersion)

	var status string
	switch m.connectionState {
	case StateConnected:
		if m.loggedIn {
			status = fmt.Sprintf("Connected: %s", m.username)
		} else {
			status = "Connected (not logged in)"
		}
		status += MutedTextStyle.Render(fmt.Sprintf("  ↑%d ↓%d", m.conn.GetLinesSent(), m.conn.GetLinesReceived()))
	case StateReconnecting:
		status = fmt.Sprintf("Reconnecting (attempt %d)...", m.reconnectAttempt)
	default:
		status = "Disconnected"
	}
	right := StatusStyle.Render(status)

	spacer := strings.Repeat(" ", max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)))
	return left + spacer + right
}

func (m Model) renderFooter() string {
	content := "/help server commands  /clear  /reconnect  /quit  PgUp/PgDn scroll"
	if m.errorMessage != "" {
		content = ErrorStyle.Render(m.errorMessage)
	} else if m.statusMessage != "" {
		content = SuccessStyle.Render(m.statusMessage)
	}
	return FooterStyle.Render(content)
}

// renderScrollback formats every stored line for the viewport
func (m Model) renderScrollback() string {
	var b strings.Builder
	for i, entry := range m.scrollback {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(MutedTextStyle.Render(entry.at.Format("15:04")))
		b.WriteByte(' ')
		b.WriteString(renderLine(entry))
	}
	return b.String()
}

func renderLine(entry chatLine) string {
	switch entry.kind {
	case kindChat:
		author := AuthorStyle.Foreground(authorPalette[authorColorIndex(entry.author)])
		return author.Render(entry.author) + ": " + entry.text
	case kindOwn:
		return OwnAuthorStyle.Render(entry.author) + ": " + entry.text
	case kindPrivate:
		return PrivateLineStyle.Render(entry.text)
	case kindError:
		return ErrorStyle.Render(entry.text)
	default:
		return SystemLineStyle.Render(entry.text)
	}
}
