// Package ui holds the shared lipgloss styles for hok CLI output.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// MaxWidth is the maximum width for styled output.
const MaxWidth = 80

// Colors.
var (
	Green  = lipgloss.Color("2")
	Red    = lipgloss.Color("1")
	Yellow = lipgloss.Color("3")
	Subtle = lipgloss.Color("8")
)

// DotState represents the state of a status dot.
type DotState int

const (
	StateReady    DotState = iota // green: daemon serving tokens
	StateDegraded                 // red: process lost, restarts pending
	StateStopped                  // yellow: not running
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(Green)
	failStyle   = lipgloss.NewStyle().Foreground(Red)
	warnStyle   = lipgloss.NewStyle().Foreground(Yellow)
	subtleStyle = lipgloss.NewStyle().Foreground(Subtle)
	titleStyle  = lipgloss.NewStyle().Bold(true)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Subtle).
			Padding(0, 1).
			MarginBottom(1)
)

// Dot returns a colored ● for the given state.
func Dot(state DotState) string {
	switch state {
	case StateReady:
		return okStyle.Render("●")
	case StateDegraded:
		return failStyle.Render("●")
	case StateStopped:
		return warnStyle.Render("●")
	default:
		return "●"
	}
}

// Section renders content inside a bordered box with a bold title.
func Section(title, content string, width int) string {
	if width > MaxWidth {
		width = MaxWidth
	}
	contentWidth := max(width-4, 40)
	return sectionStyle.Width(contentWidth).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

// StepOK returns a green checkmark step line.
func StepOK(msg string) string {
	return okStyle.Render("✔") + " " + msg
}

// StepFail returns a red cross step line.
func StepFail(msg string) string {
	return failStyle.Render("✘") + " " + msg
}

// Warn returns a yellow warning message.
func Warn(msg string) string {
	return warnStyle.Render("⚠") + " " + msg
}

// Error returns a red error message (caller writes to stderr).
func Error(msg string) string {
	return failStyle.Render("✘") + " " + msg
}

// Row renders a key-value line with aligned keys.
func Row(key, value string) string {
	return fmt.Sprintf("%-14s %s", key+":", value)
}

// Table renders columnar data with subtle-colored headers.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var parts []string
	for i, h := range headers {
		parts = append(parts, fmt.Sprintf("%-*s", widths[i], h))
	}
	lines := []string{
		subtleStyle.Render(strings.Join(parts, "  ")),
	}
	for _, row := range rows {
		parts = parts[:0]
		for i, cell := range row {
			w := 0
			if i < len(widths) {
				w = widths[i]
			}
			parts = append(parts, fmt.Sprintf("%-*s", w, cell))
		}
		lines = append(lines, strings.Join(parts, "  "))
	}
	return strings.Join(lines, "\n")
}
