package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventThreadSnapshot    EventType = "thread.snapshot"
	EventThreadCreated     EventType = "thread.created"
	EventThreadSwitched    EventType = "thread.switched"
	EventThreadDeleted     EventType = "thread.deleted"
	EventTurnState         EventType = "turn.state"
	EventChunkUnknown      EventType = "chunk.unknown"
	EventChunkMalformed    EventType = "chunk.malformed"
	EventAttachmentUpdated EventType = "attachment.updated"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. A payload that
// fails to encode is dropped rather than failing the publish.
func NewEvent(t EventType, threadID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), ThreadID: threadID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// TurnState is a state of the per-message stream state machine.
type TurnState string

const (
	TurnIdle      TurnState = "idle"
	TurnSending   TurnState = "sending"
	TurnStreaming TurnState = "streaming"
	TurnSucceeded TurnState = "settled_success"
	TurnFailed    TurnState = "settled_error"
)

// Settled reports whether the turn reached a terminal state.
func (s TurnState) Settled() bool { return s == TurnSucceeded || s == TurnFailed }

// TurnStatePayload is the payload for EventTurnState events.
type TurnStatePayload struct {
	TurnID string    `json:"turn_id"`
	State  TurnState `json:"state"`
	Error  string    `json:"error,omitempty"`
	Code   ErrorCode `json:"code,omitempty"`
}

// ChunkEventPayload is the payload for EventChunkUnknown and EventChunkMalformed.
type ChunkEventPayload struct {
	TurnID string          `json:"turn_id"`
	Type   string          `json:"type,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// AttachmentEventPayload is the payload for EventAttachmentUpdated.
type AttachmentEventPayload struct {
	Attachment Attachment `json:"attachment"`
	Removed    bool       `json:"removed,omitempty"`
}
