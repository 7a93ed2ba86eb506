package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"assistant-chat/internal/adapter/tui/theme"
	"assistant-chat/internal/domain"
)

// maxToolText bounds the tool arguments and results shown inline.
const maxToolText = 160

// TranscriptModel renders one thread snapshot. Assistant text is rendered
// as markdown; renders are cached per message and reused until the text or
// the width changes.
type TranscriptModel struct {
	Thread       domain.Thread
	ShowToolArgs bool

	width      int
	mdRenderer *glamour.TermRenderer
	cache      map[string]cachedRender
}

type cachedRender struct {
	source string
	out    string
}

// NewTranscript creates an empty transcript.
func NewTranscript() TranscriptModel {
	return TranscriptModel{cache: make(map[string]cachedRender)}
}

// SetWidth updates the rendering width and drops cached renders.
func (m *TranscriptModel) SetWidth(w int) {
	if w == m.width {
		return
	}
	m.width = w
	m.mdRenderer = nil
	m.cache = make(map[string]cachedRender)
}

// SetThread replaces the displayed snapshot. Cached renders of messages
// that are no longer present are dropped.
func (m *TranscriptModel) SetThread(t domain.Thread) {
	if t.ID != m.Thread.ID {
		m.cache = make(map[string]cachedRender)
	}
	m.Thread = t
}

// View renders all messages as a single string.
func (m *TranscriptModel) View() string {
	if len(m.Thread.Messages) == 0 {
		return theme.TextMuted.Render("  No messages yet. Start a conversation!")
	}
	width := ContentWidth(m.width)

	var sb strings.Builder
	for i := range m.Thread.Messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.renderMessage(m.Thread.Messages[i], width))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m *TranscriptModel) renderMessage(msg domain.Message, width int) string {
	header := roleLabel(msg.Role) + " " + theme.Timestamp.Render(RelativeTime(msg.CreatedAt))
	switch msg.Status {
	case domain.MessageRunning:
		header += " " + theme.TextInfo.Render(theme.SymbolSpinner)
	case domain.MessageIncomplete:
		header += " " + theme.TextWarning.Render(theme.SymbolWarning+" incomplete")
	}

	lines := []string{header}
	for _, a := range msg.Attachments {
		lines = append(lines, "  "+theme.TextMuted.Render(theme.SymbolAttach+" "+a.FileName+" "+humanize.IBytes(uint64(a.Size))))
	}
	for _, part := range msg.Content {
		switch p := part.(type) {
		case domain.TextPart:
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			if msg.Role == domain.RoleAssistant {
				lines = append(lines, strings.TrimRight(m.markdown(msg.ID, p.Text, width), "\n"))
			} else {
				lines = append(lines, "  "+wrapText(p.Text, width-2))
			}
		case domain.ToolCallPart:
			lines = append(lines, m.renderToolCall(p, width))
		}
	}
	if len(lines) == 1 && msg.Status == domain.MessageRunning {
		lines = append(lines, "  "+theme.TextMuted.Render(theme.SymbolEllipsis))
	}
	return strings.Join(lines, "\n")
}

func (m *TranscriptModel) renderToolCall(p domain.ToolCallPart, width int) string {
	name := p.ToolName
	if name == "" {
		name = "tool"
	}
	line := "  " + theme.ToolLabel.Render(theme.SymbolArrowR+" "+name)
	if m.ShowToolArgs {
		args := string(p.Args)
		if args == "" {
			args = p.ArgsText
		}
		if args != "" {
			line += theme.Dim.Render("(" + truncate(args, maxToolText) + ")")
		}
	}

	switch {
	case !p.HasResult:
		return line + " " + theme.TextMuted.Render(theme.SymbolSpinner)
	case p.IsError:
		line += " " + theme.TextError.Render(theme.SymbolError)
	default:
		line += " " + theme.TextSuccess.Render(theme.SymbolSuccess)
	}
	if res := strings.TrimSpace(p.ResultText()); res != "" {
		line += "\n    " + theme.TextMuted.Render(wrapText(truncate(res, maxToolText), width-4))
	}
	return line
}

func (m *TranscriptModel) markdown(id, text string, width int) string {
	if c, ok := m.cache[id]; ok && c.source == text {
		return c.out
	}
	if m.mdRenderer == nil {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return "  " + text
		}
		m.mdRenderer = r
	}
	out, err := m.mdRenderer.Render(text)
	if err != nil {
		return "  " + text
	}
	if m.cache == nil {
		m.cache = make(map[string]cachedRender)
	}
	m.cache[id] = cachedRender{source: text, out: out}
	return out
}

func roleLabel(role domain.Role) string {
	switch role {
	case domain.RoleUser:
		return theme.UserLabel.Render(theme.SymbolUser)
	case domain.RoleAssistant:
		return theme.BotLabel.Render(theme.SymbolBot)
	default:
		return theme.TextMuted.Render(string(role))
	}
}

// RelativeTime returns a human-readable relative time string.
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	if time.Since(t) < time.Minute {
		return "just now"
	}
	if time.Since(t) < 24*time.Hour {
		return humanize.Time(t)
	}
	return t.Format("Jan 2 15:04")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + theme.SymbolEllipsis
}

// wrapText wraps text to the given width with a 2-space indent on
// continuation lines. Existing newlines are kept.
func wrapText(s string, width int) string {
	if width <= 0 {
		return s
	}
	var out []string
	for _, para := range strings.Split(s, "\n") {
		out = append(out, wrapLine(para, width))
	}
	return strings.Join(out, "\n  ")
}

func wrapLine(s string, width int) string {
	runes := []rune(s)
	var lines []string
	for len(runes) > width {
		idx := -1
		for i := width - 1; i > 0; i-- {
			if runes[i] == ' ' {
				idx = i
				break
			}
		}
		if idx <= 0 {
			idx = width
		}
		lines = append(lines, string(runes[:idx]))
		runes = runes[idx:]
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	lines = append(lines, string(runes))
	return strings.Join(lines, "\n  ")
}

// ContentWidth calculates the content width respecting MaxContentWidth.
func ContentWidth(termWidth int) int {
	return theme.Clamp(termWidth-4, 40, theme.MaxContentWidth)
}

// Divider renders a horizontal line at the given width.
func Divider(width int) string {
	return lipgloss.NewStyle().
		Foreground(theme.ColorBorder).
		Render(strings.Repeat("─", max(width, 0)))
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
