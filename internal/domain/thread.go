package domain

import (
	"context"
	"io"
	"time"
)

// DefaultThreadID is the placeholder thread used before any thread exists
// on the server. Submitting into it creates a real thread first.
const DefaultThreadID = "default"

// DefaultThreadTitle is the title given to newly created threads.
const DefaultThreadTitle = "New Chat"

// ThreadStatus distinguishes listed threads from archived ones.
type ThreadStatus string

const (
	ThreadRegular  ThreadStatus = "regular"
	ThreadArchived ThreadStatus = "archived"
)

// Thread is an immutable snapshot of one conversation.
type Thread struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Status    ThreadStatus `json:"status"`
	Messages  []Message    `json:"messages"`
	Running   bool         `json:"running"`
	Version   uint64       `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// LastMessage returns the newest message, if any.
func (t Thread) LastMessage() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// ThreadInfo is the listing view of a thread.
type ThreadInfo struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Status       ThreadStatus `json:"status"`
	Running      bool         `json:"running"`
	MessageCount int          `json:"message_count"`
}

// SendMessageRequest is the logical body of an outgoing user message.
type SendMessageRequest struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// ThreadCreator creates threads on the agent server.
type ThreadCreator interface {
	CreateThread(ctx context.Context, title string) (string, error)
}

// ThreadAPI is the remote agent surface used by the orchestrator.
type ThreadAPI interface {
	ThreadCreator
	// StreamMessage posts a user message and returns the response byte stream.
	// The caller must close the returned reader.
	StreamMessage(ctx context.Context, threadID string, req SendMessageRequest) (io.ReadCloser, error)
}
