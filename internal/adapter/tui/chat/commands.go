package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"assistant-chat/internal/adapter/tui/components"
	"assistant-chat/internal/adapter/tui/theme"
	"assistant-chat/internal/domain"
	"assistant-chat/internal/usecase/attachment"
)

var commandDefs = []components.CommandDef{
	{Name: "/new", Args: "[title]", Description: "Start a new thread"},
	{Name: "/threads", Description: "List threads"},
	{Name: "/switch", Args: "<n|id>", Description: "Switch to another thread"},
	{Name: "/delete", Args: "[n|id]", Description: "Delete a thread (default: current)"},
	{Name: "/attach", Args: "<path>", Description: "Attach a file to the next message"},
	{Name: "/detach", Args: "<n|id>", Description: "Remove an attachment"},
	{Name: "/cancel", Description: "Stop the running response"},
	{Name: "/help", Description: "Show available commands"},
	{Name: "/quit", Description: "Exit"},
}

// handleSlashCommand processes a slash command. Commands that mutate the
// registry or the composer run as tea.Cmds.
func (m ChatModel) handleSlashCommand(cmd string, args []string) (tea.Model, tea.Cmd) {
	switch cmd {
	case "/help":
		m.setNotice(helpText())
		return m, nil

	case "/quit", "/exit":
		m.quitting = true
		return m, tea.Quit

	case "/new":
		return m, newThreadCmd(m.ctx, m.deps.Threads, strings.Join(args, " "))

	case "/threads":
		m.setNotice(threadList(m.deps.Threads.List(), m.deps.Threads.Current()))
		return m, nil

	case "/switch":
		if len(args) != 1 {
			m.setNotice("Usage: /switch <n|id>")
			return m, nil
		}
		id, ok := resolveThread(m.deps.Threads.List(), args[0])
		if !ok {
			m.setError(domain.NewDomainError("chat.switch", domain.ErrThreadNotFound, args[0]))
			return m, nil
		}
		threads := m.deps.Threads
		return m, func() tea.Msg {
			if err := threads.Switch(id); err != nil {
				return CommandResultMsg{Err: err}
			}
			return CommandResultMsg{}
		}

	case "/delete":
		id := m.deps.Threads.Current()
		if len(args) > 0 {
			var ok bool
			if id, ok = resolveThread(m.deps.Threads.List(), args[0]); !ok {
				m.setError(domain.NewDomainError("chat.delete", domain.ErrThreadNotFound, args[0]))
				return m, nil
			}
		}
		if id == domain.DefaultThreadID {
			m.setNotice("Nothing to delete yet.")
			return m, nil
		}
		threads := m.deps.Threads
		return m, func() tea.Msg {
			if err := threads.Delete(id); err != nil {
				return CommandResultMsg{Err: err}
			}
			return CommandResultMsg{Notice: theme.SymbolSuccess + " Thread deleted."}
		}

	case "/attach":
		if len(args) == 0 {
			m.setNotice("Usage: /attach <path>")
			return m, nil
		}
		return m, attachCmd(m.ctx, m.deps.Threads, m.deps.Composer, strings.Join(args, " "))

	case "/detach":
		if len(args) != 1 {
			m.setNotice("Usage: /detach <n|id>")
			return m, nil
		}
		id, ok := resolveAttachment(m.deps.Composer.Attachments(), args[0])
		if !ok {
			m.setError(domain.NewDomainError("chat.detach", domain.ErrAttachmentNotFound, args[0]))
			return m, nil
		}
		composer := m.deps.Composer
		return m, func() tea.Msg {
			if err := composer.Remove(id); err != nil {
				return CommandResultMsg{Err: err}
			}
			return CommandResultMsg{}
		}

	case "/cancel":
		return m, m.cancelCmd()

	default:
		m.setNotice(fmt.Sprintf("Unknown command: %s. Type /help for available commands.", cmd))
		return m, nil
	}
}

func newThreadCmd(ctx context.Context, threads Threads, title string) tea.Cmd {
	return func() tea.Msg {
		t, err := threads.Create(ctx, title)
		if err != nil {
			return CommandResultMsg{Err: err}
		}
		if err := threads.Switch(t.ID); err != nil {
			return CommandResultMsg{Err: err}
		}
		return CommandResultMsg{Notice: theme.SymbolSuccess + " Started " + t.Title + "."}
	}
}

// attachCmd reads path and starts uploading it. Uploads need a real thread,
// so one is created first when the placeholder is current.
func attachCmd(ctx context.Context, threads Threads, composer Composer, path string) tea.Cmd {
	return func() tea.Msg {
		file, err := attachment.FileFromPath(path)
		if err != nil {
			return CommandResultMsg{Err: err}
		}
		threadID := threads.Current()
		if threadID == domain.DefaultThreadID {
			t, err := threads.Create(ctx, "")
			if err != nil {
				return CommandResultMsg{Err: err}
			}
			if err := threads.Switch(t.ID); err != nil {
				return CommandResultMsg{Err: err}
			}
			threadID = t.ID
		}
		att := composer.Add(ctx, threadID, file)
		if att.Status == domain.AttachmentFailed {
			return CommandResultMsg{Notice: theme.SymbolError + " " + att.FileName + ": " + att.Error}
		}
		return CommandResultMsg{Notice: "Uploading " + att.FileName + theme.SymbolEllipsis}
	}
}

// resolveThread accepts a 1-based index into list or a thread id.
func resolveThread(list []domain.ThreadInfo, ref string) (string, bool) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(list) {
			return list[n-1].ID, true
		}
		return "", false
	}
	for _, t := range list {
		if t.ID == ref {
			return t.ID, true
		}
	}
	return "", false
}

// resolveAttachment accepts a 1-based index or an attachment id.
func resolveAttachment(items []domain.Attachment, ref string) (string, bool) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(items) {
			return items[n-1].ID, true
		}
		return "", false
	}
	for _, a := range items {
		if a.ID == ref {
			return a.ID, true
		}
	}
	return "", false
}

func threadList(list []domain.ThreadInfo, current string) string {
	if len(list) == 0 {
		return "No threads yet. Send a message or run /new."
	}
	var sb strings.Builder
	sb.WriteString("Threads:")
	for i, t := range list {
		marker := " "
		if t.ID == current {
			marker = theme.SymbolArrowR
		}
		fmt.Fprintf(&sb, "\n %s %d. %s (%d messages)", marker, i+1, t.Title, t.MessageCount)
		if t.Running {
			sb.WriteString(" " + theme.SymbolSpinner)
		}
	}
	return sb.String()
}

func helpText() string {
	var sb strings.Builder
	sb.WriteString("Commands:")
	width := 0
	for _, c := range commandDefs {
		width = max(width, len(c.Usage()))
	}
	for _, c := range commandDefs {
		fmt.Fprintf(&sb, "\n  %-*s  %s", width, c.Usage(), c.Description)
	}
	sb.WriteString(`

Keys:
  Enter        Send message
  Alt+Enter    New line
  Up/Down      Input history
  Esc          Stop the response
  PgUp/PgDn    Scroll
  Ctrl+C       Stop or quit`)
	return sb.String()
}
