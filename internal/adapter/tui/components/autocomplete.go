package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"assistant-chat/internal/adapter/tui/theme"
)

// CommandDef defines a slash command for autocomplete and /help.
type CommandDef struct {
	Name        string // e.g. "/switch"
	Args        string // e.g. "<n|id>"
	Description string
}

// Usage returns the name followed by the argument synopsis.
func (c CommandDef) Usage() string {
	if c.Args == "" {
		return c.Name
	}
	return c.Name + " " + c.Args
}

// AutocompleteModel manages a filtered popup of slash commands.
type AutocompleteModel struct {
	Commands []CommandDef
	Filtered []CommandDef
	Selected int
	Visible  bool
	maxShow  int
	width    int
}

// NewAutocomplete creates an autocomplete model with the given commands.
func NewAutocomplete(commands []CommandDef) AutocompleteModel {
	return AutocompleteModel{Commands: commands, maxShow: 7}
}

// SetWidth updates the popup width.
func (m *AutocompleteModel) SetWidth(w int) { m.width = w }

// SetPrefix filters the commands by prefix. A bare "/" lists them all.
func (m *AutocompleteModel) SetPrefix(prefix string) {
	prefix = strings.ToLower(prefix)
	m.Filtered = nil
	for _, cmd := range m.Commands {
		if strings.HasPrefix(cmd.Name, prefix) {
			m.Filtered = append(m.Filtered, cmd)
		}
	}
	m.Visible = prefix != "" && len(m.Filtered) > 0
	if m.Selected >= len(m.Filtered) {
		m.Selected = 0
	}
}

// Hide hides the popup.
func (m *AutocompleteModel) Hide() {
	m.Visible = false
	m.Filtered = nil
	m.Selected = 0
}

// SelectNext moves selection down, wrapping around.
func (m *AutocompleteModel) SelectNext() {
	if n := len(m.Filtered); n > 0 {
		m.Selected = (m.Selected + 1) % n
	}
}

// SelectPrev moves selection up, wrapping around.
func (m *AutocompleteModel) SelectPrev() {
	if n := len(m.Filtered); n > 0 {
		m.Selected = (m.Selected + n - 1) % n
	}
}

// Accept returns the selected command name and hides the popup.
func (m *AutocompleteModel) Accept() string {
	if len(m.Filtered) == 0 {
		return ""
	}
	name := m.Filtered[m.Selected].Name
	m.Hide()
	return name
}

// View renders the popup, or "" when hidden.
func (m AutocompleteModel) View() string {
	if !m.Visible || len(m.Filtered) == 0 {
		return ""
	}
	show := m.Filtered
	if len(show) > m.maxShow {
		show = show[:m.maxShow]
	}

	usageW := 0
	for _, cmd := range show {
		usageW = max(usageW, len(cmd.Usage()))
	}
	maxDesc := max(m.width-usageW-10, 10)

	lines := make([]string, 0, len(show))
	for i, cmd := range show {
		desc := cmd.Description
		if len(desc) > maxDesc {
			desc = desc[:maxDesc-1] + theme.SymbolEllipsis
		}
		line := cmd.Usage() + strings.Repeat(" ", usageW-len(cmd.Usage())+1) + theme.TextMuted.Render(desc)
		if i == m.Selected {
			line = theme.TextInfo.Render(theme.SymbolArrowR+" ") + line
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorderActive).
		Padding(0, 1).
		Render(strings.Join(lines, "\n"))
}
