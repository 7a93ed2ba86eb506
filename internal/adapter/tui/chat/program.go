package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/usecase/threadstore"
)

// Run starts the chat screen and blocks until the user quits or ctx is done.
func Run(ctx context.Context, deps ChatModelDeps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	model := NewChatModel(ctx, deps)
	program := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	defer deps.Threads.Subscribe(func(c threadstore.Change) {
		program.Send(ThreadChangedMsg{Change: c})
	})()
	defer deps.Composer.Subscribe(func(items []domain.Attachment) {
		program.Send(AttachmentsMsg{Items: items})
	})()
	if deps.Bus != nil {
		defer deps.Bus.Subscribe(domain.EventTurnState, func(_ context.Context, ev domain.Event) {
			var p domain.TurnStatePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				deps.Logger.Debug("decode turn state", "error", err)
				return
			}
			program.Send(TurnStateMsg{ThreadID: ev.ThreadID, State: p})
		})()
	}

	// Monitor context cancellation to quit the program.
	go func() {
		<-ctx.Done()
		program.Send(QuitMsg{})
	}()

	_, err := program.Run()
	return err
}
