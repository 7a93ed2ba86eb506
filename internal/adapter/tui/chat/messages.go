// Package chat implements the Bubble Tea chat screen: one thread's
// transcript, the composer's attachments and the input line.
package chat

import (
	"assistant-chat/internal/domain"
	"assistant-chat/internal/usecase/stream"
	"assistant-chat/internal/usecase/threadstore"
)

// ThreadChangedMsg carries a registry change into the update loop.
type ThreadChangedMsg struct {
	Change threadstore.Change
}

// AttachmentsMsg carries the composer's current attachment list.
type AttachmentsMsg struct {
	Items []domain.Attachment
}

// TurnStateMsg mirrors a turn.state event from the bus.
type TurnStateMsg struct {
	ThreadID string
	State    domain.TurnStatePayload
}

// SubmittedMsg reports the outcome of handing a message to the orchestrator.
// Text is returned so the input can be restored when nothing was sent.
type SubmittedMsg struct {
	Turn *stream.Turn
	Text string
	Err  error
}

// TurnSettledMsg is sent once a submitted turn reaches a terminal state.
type TurnSettledMsg struct {
	Turn *stream.Turn
}

// CommandResultMsg reports the outcome of a slash command run in the
// background.
type CommandResultMsg struct {
	Notice string
	Err    error
}

// QuitMsg signals the program to exit.
type QuitMsg struct{}
