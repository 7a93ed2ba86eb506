package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

// Role constants for message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks whether a message is still receiving content.
type MessageStatus string

const (
	MessageRunning    MessageStatus = "running"
	MessageComplete   MessageStatus = "complete"
	MessageIncomplete MessageStatus = "incomplete"
)

// ContentPart is one element of a message's content. The set of parts is
// closed: TextPart and ToolCallPart are the only implementations.
type ContentPart interface {
	PartKind() string
	contentPart()
}

// TextPart is plain text that grows by concatenation while streaming.
type TextPart struct {
	Text string `json:"text"`
}

// PartKind implements ContentPart.
func (TextPart) PartKind() string { return "text" }
func (TextPart) contentPart()     {}

// ToolCallPart tracks a single tool invocation, keyed by ToolCallID.
// Later deltas update the same part; they never create a duplicate.
type ToolCallPart struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	ArgsText   string          `json:"args_text,omitempty"` // accumulated partial argument text
	Result     json.RawMessage `json:"result,omitempty"`
	HasResult  bool            `json:"has_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Artifact   json.RawMessage `json:"artifact,omitempty"`
}

// PartKind implements ContentPart.
func (ToolCallPart) PartKind() string { return "tool-call" }
func (ToolCallPart) contentPart()     {}

// ResultText returns the tool result as display text. String results are
// unquoted; anything else is returned as raw JSON.
func (p ToolCallPart) ResultText() string {
	if len(p.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Result, &s); err == nil {
		return s
	}
	return string(p.Result)
}

// Message is a single entry in a thread's conversation.
type Message struct {
	ID          string        `json:"id"`
	Role        Role          `json:"role"`
	Content     []ContentPart `json:"-"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Status      MessageStatus `json:"status,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Text returns the concatenation of every text part.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts in content order.
func (m Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range m.Content {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// Clone returns a copy of m whose Content and Attachments slices can be
// modified without affecting m.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make([]ContentPart, len(m.Content))
		copy(out.Content, m.Content)
	}
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	return out
}

// wirePart is the JSON shape of a ContentPart.
type wirePart struct {
	Type string `json:"type"`
	TextPart
	ToolCallPart
}

type messageAlias Message

type wireMessage struct {
	messageAlias
	Content []json.RawMessage `json:"content"`
}

// MarshalJSON encodes the content parts with a "type" discriminator.
func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(m.Content))
	for _, p := range m.Content {
		var (
			raw []byte
			err error
		)
		switch v := p.(type) {
		case TextPart:
			raw, err = json.Marshal(struct {
				Type string `json:"type"`
				TextPart
			}{Type: v.PartKind(), TextPart: v})
		case ToolCallPart:
			raw, err = json.Marshal(struct {
				Type string `json:"type"`
				ToolCallPart
			}{Type: v.PartKind(), ToolCallPart: v})
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, raw)
	}
	return json.Marshal(wireMessage{messageAlias: messageAlias(m), Content: parts})
}

// UnmarshalJSON decodes content parts written by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message(w.messageAlias)
	m.Content = nil
	for _, raw := range w.Content {
		var p wirePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		switch p.Type {
		case "text":
			m.Content = append(m.Content, p.TextPart)
		case "tool-call":
			m.Content = append(m.Content, p.ToolCallPart)
		}
	}
	return nil
}
