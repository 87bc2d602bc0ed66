package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/calcflow/internal/runlog"
)

// theme keeps every terminal color the CLI uses in one place.
type theme struct {
	StatusOK           lipgloss.Style
	StatusRunning      lipgloss.Style
	StatusFailed       lipgloss.Style
	StatusNotConverged lipgloss.Style

	Title  lipgloss.Style
	Header lipgloss.Style
	Dim    lipgloss.Style
	Border lipgloss.Style
}

func newTheme() theme {
	return theme{
		StatusOK:           lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning:      lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusNotConverged: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(0, 1),
	}
}

// status renders s padded to width before coloring, so ANSI codes do not
// disturb column alignment.
func (t theme) status(s runlog.Status, width int) string {
	text := padRight(string(s), width)
	switch s {
	case runlog.StatusSucceeded:
		return t.StatusOK.Render(text)
	case runlog.StatusRunning:
		return t.StatusRunning.Render(text)
	case runlog.StatusNotConverged:
		return t.StatusNotConverged.Render(text)
	default:
		return t.StatusFailed.Render(text)
	}
}

func padRight(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
