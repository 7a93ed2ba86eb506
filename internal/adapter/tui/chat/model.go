package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"assistant-chat/internal/adapter/tui/components"
	"assistant-chat/internal/adapter/tui/theme"
	"assistant-chat/internal/adapter/tui/uxerror"
	"assistant-chat/internal/domain"
	"assistant-chat/internal/usecase/attachment"
	"assistant-chat/internal/usecase/stream"
	"assistant-chat/internal/usecase/threadstore"
)

// Threads is the thread registry as seen by the chat screen.
type Threads interface {
	Create(ctx context.Context, title string) (domain.Thread, error)
	Current() string
	Switch(id string) error
	Delete(id string) error
	List() []domain.ThreadInfo
	Snapshot(id string) (domain.Thread, error)
	Subscribe(fn threadstore.Listener) func()
}

// Sender submits messages and stops running turns.
type Sender interface {
	Submit(ctx context.Context, threadID string, in stream.Input) (*stream.Turn, error)
	Cancel(threadID string) bool
}

// Composer collects attachments for the next message.
type Composer interface {
	Add(ctx context.Context, threadID string, file domain.FileSource) domain.Attachment
	Remove(id string) error
	Attachments() []domain.Attachment
	Ready() bool
	Take() []domain.Attachment
	Restore(atts []domain.Attachment)
	Subscribe(fn attachment.Listener) func()
}

// ChatModelDeps are dependencies injected into the chat model.
type ChatModelDeps struct {
	Threads      Threads
	Sender       Sender
	Composer     Composer
	Bus          domain.EventBus // optional; drives the turn indicator
	Logger       *slog.Logger
	ShowToolArgs bool
	BreakerState func() string // optional
}

// ChatModel is the root Bubble Tea model for the chat TUI.
//
// The registry and the composer notify listeners synchronously and the
// listeners installed by Run call Program.Send, so Update never calls their
// mutating methods directly. Those calls run inside tea.Cmds.
type ChatModel struct {
	ctx  context.Context
	deps ChatModelDeps

	chatView  components.ChatViewModel
	input     components.InputAreaModel
	statusBar components.StatusBarModel
	attachBar components.AttachmentBar
	spinner   spinner.Model

	notice   string
	sending  bool // a Submit call is in flight
	width    int
	height   int
	quitting bool
}

// NewChatModel creates the root chat model showing the current thread.
// ctx bounds every background call the model makes.
func NewChatModel(ctx context.Context, deps ChatModelDeps) ChatModel {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorInfo)

	inputArea := components.NewInputArea()
	inputArea.Autocomplete = components.NewAutocomplete(commandDefs)

	m := ChatModel{
		ctx:       ctx,
		deps:      deps,
		chatView:  components.NewChatView(deps.ShowToolArgs),
		input:     inputArea,
		statusBar: components.NewStatusBar(),
		spinner:   s,
	}
	if t, err := deps.Threads.Snapshot(deps.Threads.Current()); err == nil {
		m.chatView.SetThread(t)
	}
	m.attachBar.Items = deps.Composer.Attachments()
	m.refreshStatus()
	return m
}

// Init starts the spinner.
func (m ChatModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case components.InputSubmitMsg:
		return m.handleSubmit(msg.Value)

	case SubmittedMsg:
		m.sending = false
		if msg.Err != nil {
			if m.input.Value() == "" {
				m.input.SetValue(msg.Text)
			}
			m.setError(msg.Err)
			return m, nil
		}
		return m, waitTurnCmd(msg.Turn)

	case TurnSettledMsg:
		if err := msg.Turn.Err(); err != nil {
			m.setError(err)
		}
		return m, nil

	case ThreadChangedMsg:
		m.applyChange(msg.Change)
		return m, nil

	case AttachmentsMsg:
		m.attachBar.Items = msg.Items
		m.layout()
		return m, nil

	case TurnStateMsg:
		if msg.ThreadID == m.chatView.ThreadID() {
			m.statusBar.Turn = msg.State.State
		}
		return m, nil

	case CommandResultMsg:
		if msg.Err != nil {
			m.setError(msg.Err)
		} else {
			m.setNotice(msg.Notice)
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.statusBar.Spinner = m.spinner.View()
		if m.deps.BreakerState != nil {
			m.statusBar.Breaker = m.deps.BreakerState()
		}
		return m, cmd
	}

	var cmds []tea.Cmd
	if _, isMouse := msg.(tea.MouseMsg); !isMouse {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	var cmd tea.Cmd
	m.chatView, cmd = m.chatView.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// View renders the entire chat UI.
func (m ChatModel) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 {
		return "  Initializing..."
	}

	parts := []string{m.chatView.View()}
	if m.notice != "" {
		parts = append(parts, m.notice)
	}
	if bar := m.attachBar.View(); bar != "" {
		parts = append(parts, bar)
	}
	parts = append(parts, components.Divider(m.width), m.input.View(), m.statusBar.View())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// layout recalculates sizes for all sub-models.
func (m *ChatModel) layout() {
	if m.width == 0 {
		return
	}
	const (
		inputH   = 3
		statusH  = 1
		dividerH = 1
	)
	m.attachBar.SetWidth(m.width)
	m.statusBar.SetWidth(m.width)
	m.input.SetWidth(m.width)

	contentH := m.height - inputH - statusH - dividerH - m.attachBar.Height() - lineCount(m.notice)
	if contentH < 3 {
		contentH = 3
	}
	m.chatView.SetSize(m.width, contentH)
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// isSGRMouseSequence detects SGR mouse escape sequences that may leak
// through as key input (e.g. "<65;38;21M").
func isSGRMouseSequence(s string) bool {
	if len(s) < 5 || s[0] != '<' {
		return false
	}
	last := s[len(s)-1]
	if last != 'M' && last != 'm' {
		return false
	}
	for _, r := range s[1 : len(s)-1] {
		if r != ';' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// isMouseEscapeLeak detects mouse escape sequences that leaked through
// as key input instead of tea.MouseMsg. Covers SGR, X11 basic, and
// URXVT formats that appear during rapid trackpad scrolling.
func isMouseEscapeLeak(s string) bool {
	if isSGRMouseSequence(s) {
		return true
	}
	if len(s) >= 2 && s[0] == '[' && (s[1] == 'M' || s[1] == 'm') {
		return true
	}
	if len(s) >= 5 && s[0] == '[' && s[len(s)-1] == 'M' {
		for _, r := range s[1 : len(s)-1] {
			if r != ';' && (r < '0' || r > '9') {
				return false
			}
		}
		return true
	}
	return false
}

// handleKey processes keyboard input.
func (m ChatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if isMouseEscapeLeak(msg.String()) {
		return m, nil
	}

	switch msg.Type {
	case tea.KeyCtrlC:
		if m.turnRunning() {
			return m, m.cancelCmd()
		}
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEsc:
		if !m.input.Autocomplete.Visible {
			if m.turnRunning() {
				return m, m.cancelCmd()
			}
			m.notice = ""
			m.layout()
			return m, nil
		}

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chatView, cmd = m.chatView.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m ChatModel) turnRunning() bool {
	return m.sending || (m.statusBar.Turn != domain.TurnIdle && !m.statusBar.Turn.Settled())
}

// handleSubmit processes user input submission.
func (m ChatModel) handleSubmit(value string) (tea.Model, tea.Cmd) {
	if cmd, args, ok := components.ParseSlashCommand(value); ok {
		return m.handleSlashCommand(cmd, args)
	}

	m.notice = ""
	if !m.deps.Composer.Ready() {
		m.input.SetValue(value)
		m.setError(domain.NewDomainError("chat.submit", domain.ErrAttachmentsPending, ""))
		return m, nil
	}
	if m.sending {
		m.input.SetValue(value)
		m.setError(domain.NewDomainError("chat.submit", domain.ErrThreadBusy, ""))
		return m, nil
	}
	m.sending = true
	m.layout()
	return m, submitCmd(m.ctx, m.deps.Sender, m.deps.Composer, value)
}

// submitCmd hands text and the uploaded attachments to the orchestrator.
// The attachments leave the composer before the message is sent and are
// put back only if it was refused.
func submitCmd(ctx context.Context, sender Sender, composer Composer, text string) tea.Cmd {
	return func() tea.Msg {
		atts := composer.Take()
		turn, err := sender.Submit(ctx, "", stream.Input{Text: text, Attachments: atts})
		if err != nil {
			composer.Restore(atts)
			return SubmittedMsg{Text: text, Err: err}
		}
		return SubmittedMsg{Turn: turn, Text: text}
	}
}

func waitTurnCmd(turn *stream.Turn) tea.Cmd {
	return func() tea.Msg {
		<-turn.Done()
		return TurnSettledMsg{Turn: turn}
	}
}

func (m ChatModel) cancelCmd() tea.Cmd {
	sender := m.deps.Sender
	threadID := m.chatView.ThreadID()
	return func() tea.Msg {
		if sender.Cancel(threadID) {
			return CommandResultMsg{Notice: "Stopping the response" + theme.SymbolEllipsis}
		}
		return CommandResultMsg{Notice: "No response to stop."}
	}
}

// applyChange updates the transcript and status bar from a registry change.
func (m *ChatModel) applyChange(c threadstore.Change) {
	switch c.Kind {
	case threadstore.ChangeSnapshot:
		if c.Thread.ID == c.Current {
			m.chatView.SetThread(c.Thread)
		}
	case threadstore.ChangeSwitched:
		m.chatView.SetThread(c.Thread)
		m.statusBar.Turn = domain.TurnIdle
	case threadstore.ChangeDeleted:
		if c.Current != m.chatView.ThreadID() {
			if t, err := m.deps.Threads.Snapshot(c.Current); err == nil {
				m.chatView.SetThread(t)
			}
			m.statusBar.Turn = domain.TurnIdle
		}
	}
	m.refreshStatus()
}

func (m *ChatModel) refreshStatus() {
	m.statusBar.ThreadTitle = m.chatView.Transcript.Thread.Title
	m.statusBar.Threads = len(m.deps.Threads.List())
}

func (m *ChatModel) setNotice(s string) {
	m.notice = ""
	if s != "" {
		m.notice = theme.TextMuted.Render(s)
	}
	m.layout()
}

func (m *ChatModel) setError(err error) {
	if errors.Is(err, domain.ErrStreamCancelled) || errors.Is(err, context.Canceled) {
		m.setNotice("Response stopped. What arrived so far is kept.")
		return
	}
	m.deps.Logger.Debug("chat error", "error", err)
	m.notice = theme.TextError.Render(uxerror.Humanize(err).Render())
	m.layout()
}
