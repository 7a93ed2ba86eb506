package stream

import (
	"bytes"
	"encoding/json"
	"time"

	"assistant-chat/internal/domain"
)

// Apply merges chunk into messages and returns the next snapshot. It never
// mutates messages: touched messages are cloned and the result is a fresh
// slice. UnknownChunk and nil leave the snapshot unchanged and return the
// input as is.
//
// Content parts keep first-seen order. A tool call is identified by its
// ToolCallID; later deltas and results update that part in place.
func Apply(messages []domain.Message, chunk domain.Chunk) []domain.Message {
	switch c := chunk.(type) {
	case domain.AssistantTextDelta:
		return applyTextDelta(messages, c)
	case domain.ToolResult:
		return applyToolResult(messages, c)
	default:
		return messages
	}
}

// indexOf finds the assistant message with id. Chunks never touch user
// messages, even when the ids collide.
func indexOf(messages []domain.Message, id string) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID == id && messages[i].Role == domain.RoleAssistant {
			return i
		}
	}
	return -1
}

// replaceAt returns a copy of messages with messages[i] set to m.
func replaceAt(messages []domain.Message, i int, m domain.Message) []domain.Message {
	out := make([]domain.Message, len(messages))
	copy(out, messages)
	out[i] = m
	return out
}

func appendMessage(messages []domain.Message, m domain.Message) []domain.Message {
	out := make([]domain.Message, len(messages), len(messages)+1)
	copy(out, messages)
	return append(out, m)
}

func newAssistantMessage(id string) domain.Message {
	return domain.Message{
		ID:        id,
		Role:      domain.RoleAssistant,
		Status:    domain.MessageRunning,
		CreatedAt: time.Now(),
	}
}

func applyTextDelta(messages []domain.Message, d domain.AssistantTextDelta) []domain.Message {
	i := indexOf(messages, d.MessageID)
	if i < 0 {
		m := newAssistantMessage(d.MessageID)
		m.Content = append(m.Content, domain.TextPart{Text: d.Text})
		for _, tc := range d.ToolCalls {
			m.Content = upsertToolCall(m.Content, tc)
		}
		return appendMessage(messages, m)
	}

	m := messages[i].Clone()
	if j := firstText(m.Content); j >= 0 {
		prev := m.Content[j].(domain.TextPart)
		m.Content[j] = domain.TextPart{Text: prev.Text + d.Text}
	} else if d.Text != "" {
		m.Content = append(m.Content, domain.TextPart{Text: d.Text})
	}
	for _, tc := range d.ToolCalls {
		m.Content = upsertToolCall(m.Content, tc)
	}
	return replaceAt(messages, i, m)
}

func firstText(parts []domain.ContentPart) int {
	for i, p := range parts {
		if _, ok := p.(domain.TextPart); ok {
			return i
		}
	}
	return -1
}

// findToolCall locates a tool-call part by id, or by its position among
// tool-call parts when the delta carries only an index.
func findToolCall(parts []domain.ContentPart, id string, index *int) int {
	if id != "" {
		for i, p := range parts {
			if tc, ok := p.(domain.ToolCallPart); ok && tc.ToolCallID == id {
				return i
			}
		}
		return -1
	}
	if index == nil {
		return -1
	}
	n := 0
	for i, p := range parts {
		if _, ok := p.(domain.ToolCallPart); ok {
			if n == *index {
				return i
			}
			n++
		}
	}
	return -1
}

// upsertToolCall merges d into parts. parts must already be a private copy.
func upsertToolCall(parts []domain.ContentPart, d domain.ToolCallDelta) []domain.ContentPart {
	i := findToolCall(parts, d.ToolCallID, d.Index)
	if i < 0 {
		if d.ToolCallID == "" {
			// Nothing to attach an anonymous fragment to.
			return parts
		}
		part := domain.ToolCallPart{ToolCallID: d.ToolCallID}
		mergeToolDelta(&part, d)
		return append(parts, part)
	}
	part := parts[i].(domain.ToolCallPart)
	mergeToolDelta(&part, d)
	parts[i] = part
	return parts
}

func mergeToolDelta(p *domain.ToolCallPart, d domain.ToolCallDelta) {
	if d.ToolName != "" {
		p.ToolName = d.ToolName
	}
	if len(d.Args) > 0 {
		p.Args = append(json.RawMessage(nil), d.Args...)
		p.ArgsText = ""
		return
	}
	if d.ArgsText != "" {
		p.ArgsText += d.ArgsText
		if text := bytes.TrimSpace([]byte(p.ArgsText)); json.Valid(text) {
			p.Args = json.RawMessage(text)
		}
	}
}

func applyToolResult(messages []domain.Message, r domain.ToolResult) []domain.Message {
	i := indexOf(messages, r.MessageID)
	if i < 0 {
		m := newAssistantMessage(r.MessageID)
		m.Content = []domain.ContentPart{resultPart(domain.ToolCallPart{ToolCallID: r.ToolCallID}, r)}
		return appendMessage(messages, m)
	}

	m := messages[i].Clone()
	if j := findToolCall(m.Content, r.ToolCallID, nil); j >= 0 {
		m.Content[j] = resultPart(m.Content[j].(domain.ToolCallPart), r)
	} else {
		m.Content = append(m.Content, resultPart(domain.ToolCallPart{ToolCallID: r.ToolCallID}, r))
	}
	return replaceAt(messages, i, m)
}

func resultPart(p domain.ToolCallPart, r domain.ToolResult) domain.ToolCallPart {
	if p.ToolName == "" {
		p.ToolName = r.ToolName
	}
	p.Result = r.Content
	p.HasResult = true
	p.IsError = r.IsError
	p.Artifact = r.Artifact
	return p
}

// Settle finalizes the messages produced by one turn. On success each
// assistant message in ids is marked complete; on failure the same happens
// except the last message of the snapshot, which is marked incomplete and
// carries the error text. The input is not mutated.
func Settle(messages []domain.Message, ids []string, err error) []domain.Message {
	if len(messages) == 0 {
		return messages
	}
	turn := make(map[string]bool, len(ids))
	for _, id := range ids {
		turn[id] = true
	}

	out := make([]domain.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if turn[out[i].ID] && out[i].Role == domain.RoleAssistant {
			out[i].Status = domain.MessageComplete
		}
	}
	if err != nil {
		last := &out[len(out)-1]
		last.Status = domain.MessageIncomplete
		last.Error = err.Error()
	}
	return out
}
