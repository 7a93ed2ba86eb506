package components

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"assistant-chat/internal/domain"
)

// ChatViewModel wraps a viewport with smart auto-scroll behavior.
// Auto-scroll is active when the user is at the bottom.
// If the user scrolls up, auto-scroll pauses.
// It resumes when the user scrolls back to the bottom.
type ChatViewModel struct {
	Viewport   viewport.Model
	Transcript TranscriptModel
	ready      bool
	atBottom   bool
}

// NewChatView creates a chat view. The viewport is initialized lazily on the first WindowSizeMsg.
func NewChatView(showToolArgs bool) ChatViewModel {
	t := NewTranscript()
	t.ShowToolArgs = showToolArgs
	return ChatViewModel{
		Transcript: t,
		atBottom:   true,
	}
}

// SetSize sets the viewport dimensions and triggers content re-render.
func (m *ChatViewModel) SetSize(w, h int) {
	m.Transcript.SetWidth(w)
	if !m.ready {
		m.Viewport = viewport.New(w, h)
		m.Viewport.MouseWheelEnabled = true
		m.Viewport.MouseWheelDelta = 3
		m.ready = true
	} else {
		m.Viewport.Width = w
		m.Viewport.Height = h
	}
	m.refreshContent()
}

// SetThread shows a new snapshot. Switching to another thread jumps to its
// latest message; updates of the same thread follow auto-scroll.
func (m *ChatViewModel) SetThread(t domain.Thread) {
	switched := t.ID != m.Transcript.Thread.ID
	m.Transcript.SetThread(t)
	m.refreshContent()
	if switched {
		m.atBottom = true
	}
	if m.atBottom {
		m.Viewport.GotoBottom()
	}
}

// ThreadID returns the id of the displayed thread.
func (m ChatViewModel) ThreadID() string {
	return m.Transcript.Thread.ID
}

// Update handles viewport scrolling and tracks auto-scroll state.
func (m ChatViewModel) Update(msg tea.Msg) (ChatViewModel, tea.Cmd) {
	if !m.ready {
		return m, nil
	}

	var cmd tea.Cmd
	m.Viewport, cmd = m.Viewport.Update(msg)

	// Track whether user is at the bottom for smart auto-scroll.
	m.atBottom = m.Viewport.AtBottom()

	return m, cmd
}

// View renders the chat viewport.
func (m ChatViewModel) View() string {
	if !m.ready {
		return "  Initializing..."
	}
	return m.Viewport.View()
}

func (m *ChatViewModel) refreshContent() {
	if !m.ready {
		return
	}
	m.Viewport.SetContent(m.Transcript.View())
}
