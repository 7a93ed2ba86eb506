package domain

import "encoding/json"

// Chunk is one classified unit of a streamed response. The set of chunk
// kinds is closed; UnknownChunk carries anything the client does not
// recognise so it can be forwarded instead of dropped.
type Chunk interface {
	chunk()
}

// ChunkKind values.
const (
	ChunkAssistantText = "assistant_text"
	ChunkToolResult    = "tool_result"
	ChunkUnknown       = "unknown"
)

// AssistantTextDelta carries incremental assistant text and tool-call state.
type AssistantTextDelta struct {
	MessageID string
	Text      string
	ToolCalls []ToolCallDelta
}

// ToolCallDelta is partial state for one tool call.
type ToolCallDelta struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage // complete arguments object, when sent structured
	ArgsText   string          // partial argument text to append
	Index      *int            // position hint when ToolCallID is absent
}

// ToolResult is the outcome of a tool call, addressed to its owning
// assistant message.
type ToolResult struct {
	MessageID  string
	ToolCallID string
	ToolName   string
	Content    json.RawMessage
	IsError    bool
	Artifact   json.RawMessage
}

// UnknownChunk is an unrecognised chunk kept as its raw payload.
type UnknownChunk struct {
	Type string
	Raw  json.RawMessage
}

func (AssistantTextDelta) chunk() {}
func (ToolResult) chunk()         {}
func (UnknownChunk) chunk()       {}

// ChunkKind returns a stable label for c, used in logs and metrics.
func ChunkKind(c Chunk) string {
	switch c.(type) {
	case AssistantTextDelta:
		return ChunkAssistantText
	case ToolResult:
		return ChunkToolResult
	default:
		return ChunkUnknown
	}
}
