package ui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("205")
	mutedColor   = lipgloss.Color("241")
	errorColor   = lipgloss.Color("196")
	successColor = lipgloss.Color("42")
	privateColor = lipgloss.Color("177")
	systemColor  = lipgloss.Color("110")

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	StatusStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	MutedTextStyle = lipgloss.NewStyle().Foreground(mutedColor)
	ErrorStyle     = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	SuccessStyle   = lipgloss.NewStyle().Foreground(successColor)

	SystemLineStyle  = lipgloss.NewStyle().Foreground(systemColor).Italic(true)
	PrivateLineStyle = lipgloss.NewStyle().Foreground(privateColor)
	AuthorStyle      = lipgloss.NewStyle().Bold(true)
	OwnAuthorStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)

	// Author colours are picked by hashing the name
	authorPalette = []lipgloss.Color{"39", "214", "78", "141", "203", "45", "220", "111"}
)
