package components

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"assistant-chat/internal/adapter/tui/theme"
)

// maxHistory bounds the submitted-input history.
const maxHistory = 100

// InputSubmitMsg is sent when the user presses Enter to submit input.
type InputSubmitMsg struct {
	Value string
}

// InputAreaModel wraps a textarea with slash-command autocomplete, submit
// handling and a history of submitted inputs.
type InputAreaModel struct {
	Textarea     textarea.Model
	Autocomplete AutocompleteModel
	Enabled      bool
	width        int

	history []string
	histPos int // len(history) when not browsing
	draft   string
}

// NewInputArea creates an input area with sensible defaults.
func NewInputArea() InputAreaModel {
	ta := textarea.New()
	ta.Placeholder = "Message the assistant, or /help for commands"
	ta.Prompt = "> "
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Prompt = theme.InputPrompt
	ta.FocusedStyle.Placeholder = theme.InputPlaceholder
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter", "ctrl+j"))
	ta.Focus()

	return InputAreaModel{
		Textarea: ta,
		Enabled:  true,
	}
}

// SetWidth updates the textarea width.
func (m *InputAreaModel) SetWidth(w int) {
	m.width = w
	m.Textarea.SetWidth(w - 2)
	m.Autocomplete.SetWidth(w)
}

// SetEnabled enables or disables input.
func (m *InputAreaModel) SetEnabled(enabled bool) {
	m.Enabled = enabled
	if enabled {
		m.Textarea.Focus()
	} else {
		m.Textarea.Blur()
	}
}

// SetValue replaces the input text, e.g. to restore a message that could
// not be sent.
func (m *InputAreaModel) SetValue(s string) {
	m.Textarea.SetValue(s)
	m.Textarea.CursorEnd()
}

// Value returns the current input text.
func (m InputAreaModel) Value() string {
	return m.Textarea.Value()
}

// ParseSlashCommand extracts command and args from slash command input.
func ParseSlashCommand(input string) (cmd string, args []string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", nil, false
	}
	parts := strings.Fields(input)
	return strings.ToLower(parts[0]), parts[1:], true
}

func (m *InputAreaModel) remember(value string) {
	if n := len(m.history); n == 0 || m.history[n-1] != value {
		m.history = append(m.history, value)
		if len(m.history) > maxHistory {
			m.history = m.history[len(m.history)-maxHistory:]
		}
	}
	m.histPos = len(m.history)
	m.draft = ""
}

// browse moves through history by delta. It only engages on single-line
// input so the arrow keys still move the cursor in multi-line drafts.
func (m *InputAreaModel) browse(delta int) bool {
	if len(m.history) == 0 || m.Textarea.LineCount() > 1 {
		return false
	}
	pos := m.histPos + delta
	if pos < 0 || pos > len(m.history) {
		return true
	}
	if m.histPos == len(m.history) {
		m.draft = m.Textarea.Value()
	}
	m.histPos = pos
	if pos == len(m.history) {
		m.SetValue(m.draft)
	} else {
		m.SetValue(m.history[pos])
	}
	return true
}

// Update handles key events. Enter submits; Alt+Enter inserts a newline.
// When the autocomplete popup is visible, Tab/arrow keys navigate it.
func (m InputAreaModel) Update(msg tea.Msg) (InputAreaModel, tea.Cmd) {
	if !m.Enabled {
		return m, nil
	}
	// Mouse events never reach the textarea; the viewport handles them.
	if _, ok := msg.(tea.MouseMsg); ok {
		return m, nil
	}

	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		if m.Autocomplete.Visible {
			switch keyMsg.Type {
			case tea.KeyTab, tea.KeyDown:
				m.Autocomplete.SelectNext()
				return m, nil
			case tea.KeyShiftTab, tea.KeyUp:
				m.Autocomplete.SelectPrev()
				return m, nil
			case tea.KeyEnter:
				if accepted := m.Autocomplete.Accept(); accepted != "" {
					m.SetValue(accepted + " ")
				}
				return m, nil
			case tea.KeyEsc:
				m.Autocomplete.Hide()
				return m, nil
			}
		}

		switch keyMsg.Type {
		case tea.KeyEnter:
			if keyMsg.Alt {
				break
			}
			value := strings.TrimSpace(m.Textarea.Value())
			if value == "" {
				return m, nil
			}
			m.remember(value)
			m.Textarea.Reset()
			m.Autocomplete.Hide()
			return m, func() tea.Msg { return InputSubmitMsg{Value: value} }
		case tea.KeyUp:
			if m.browse(-1) {
				return m, nil
			}
		case tea.KeyDown:
			if m.browse(1) {
				return m, nil
			}
		}
	}

	var cmd tea.Cmd
	m.Textarea, cmd = m.Textarea.Update(msg)

	value := m.Textarea.Value()
	if strings.HasPrefix(value, "/") && !strings.Contains(value, " ") {
		m.Autocomplete.SetPrefix(value)
	} else {
		m.Autocomplete.Hide()
	}
	return m, cmd
}

// View renders the input area with the autocomplete popup above it.
func (m InputAreaModel) View() string {
	if popup := m.Autocomplete.View(); popup != "" {
		return popup + "\n" + m.Textarea.View()
	}
	return m.Textarea.View()
}
