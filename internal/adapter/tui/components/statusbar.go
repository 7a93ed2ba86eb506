package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"assistant-chat/internal/adapter/tui/theme"
	"assistant-chat/internal/domain"
)

// KeyHint represents a single keybinding hint shown in the status bar.
type KeyHint struct {
	Key  string // e.g. "Enter"
	Desc string // e.g. "Send"
}

// StatusBarModel renders a bottom status bar with keybinding hints on the
// left and thread and stream state on the right.
type StatusBarModel struct {
	Hints       []KeyHint
	ThreadTitle string
	Threads     int
	Turn        domain.TurnState
	Breaker     string // circuit breaker state; "closed" is not shown
	Notice      string
	Spinner     string // spinner frame shown while a turn runs
	width       int
}

// NewStatusBar creates a status bar with the default hints.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{
		Hints: []KeyHint{
			{Key: "Enter", Desc: "Send"},
			{Key: "Alt+Enter", Desc: "Newline"},
			{Key: "Esc", Desc: "Stop"},
			{Key: "/help", Desc: "Commands"},
		},
		Turn: domain.TurnIdle,
	}
}

// SetWidth updates the available width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// View renders the status bar as a single line.
func (m StatusBarModel) View() string {
	var hints []string
	for _, h := range m.Hints {
		key := theme.StatusKey.Render(h.Key)
		hints = append(hints, key+": "+h.Desc)
	}
	left := strings.Join(hints, "  "+theme.Dim.Render("|")+"  ")

	var parts []string
	if m.Notice != "" {
		parts = append(parts, theme.TextInfo.Render(m.Notice))
	}
	if s := turnLabel(m.Turn); s != "" {
		if m.Spinner != "" && !m.Turn.Settled() {
			s = m.Spinner + " " + s
		}
		parts = append(parts, s)
	}
	if m.Breaker != "" && m.Breaker != "closed" {
		parts = append(parts, theme.TextWarning.Render("breaker "+m.Breaker))
	}
	if m.ThreadTitle != "" {
		title := theme.ThreadTitle.Render(m.ThreadTitle)
		if m.Threads > 1 {
			title += theme.TextMuted.Render(" (" + plural(m.Threads, "thread") + ")")
		}
		parts = append(parts, title)
	}
	right := strings.Join(parts, "  ")

	leftW := lipgloss.Width(left)
	rightW := lipgloss.Width(right)
	// StatusBar pads one cell on each side.
	gap := m.width - 2 - leftW - rightW
	if gap < 1 {
		gap = 1
	}

	bar := left + strings.Repeat(" ", gap) + right
	return theme.StatusBar.Width(m.width).Render(bar)
}

func turnLabel(s domain.TurnState) string {
	switch s {
	case domain.TurnSending:
		return theme.TextInfo.Render("Sending" + theme.SymbolEllipsis)
	case domain.TurnStreaming:
		return theme.TextInfo.Render("Streaming" + theme.SymbolEllipsis)
	case domain.TurnFailed:
		return theme.TextError.Render(theme.SymbolError + " failed")
	default:
		return ""
	}
}
