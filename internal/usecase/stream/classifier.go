package stream

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"assistant-chat/internal/domain"
)

// Chunk type discriminators.
const (
	TypeAIMessageChunk = "AIMessageChunk"
	TypeTool           = "tool"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	TypeAIMessageChunk: "schemas/ai_message_chunk.json",
	TypeTool:           "schemas/tool_message.json",
}

// Classifier maps a raw unit to a typed chunk. It holds no per-stream state
// and is safe for concurrent use.
type Classifier struct {
	schemas map[string]*jsonschema.Schema // nil unless strict
}

// NewClassifier builds a Classifier. In strict mode units with a known
// discriminator are validated against the embedded JSON Schemas first.
func NewClassifier(strict bool) (*Classifier, error) {
	c := &Classifier{}
	if !strict {
		return c, nil
	}
	c.schemas = make(map[string]*jsonschema.Schema, len(schemaFiles))
	compiler := jsonschema.NewCompiler()
	for typ, path := range schemaFiles {
		raw, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", path, err)
		}
		schema, err := compiler.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", path, err)
		}
		c.schemas[typ] = schema
	}
	return c, nil
}

type wireToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type wireToolCallChunk struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Args  json.RawMessage `json:"args"`
	Index *int            `json:"index"`
}

type wireAIMessageChunk struct {
	ID             string              `json:"id"`
	Content        json.RawMessage     `json:"content"`
	ToolCalls      []wireToolCall      `json:"tool_calls"`
	ToolCallChunks []wireToolCallChunk `json:"tool_call_chunks"`
}

type wireToolMessage struct {
	ID         string          `json:"id"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Content    json.RawMessage `json:"content"`
	Status     string          `json:"status"`
	Artifact   json.RawMessage `json:"artifact"`
}

// Classify parses unit. A unit that is not a JSON object, or whose known
// type has an invalid shape, fails with ErrMalformedChunk. An unrecognised
// type yields a usable UnknownChunk together with an error wrapping
// ErrUnknownChunkType; callers forward the chunk and treat the error as
// informational.
func (c *Classifier) Classify(unit RawUnit) (domain.Chunk, error) {
	const op = "Classifier.Classify"

	var env struct {
		Type string `json:"type"`
	}
	trimmed := bytes.TrimSpace(unit)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, domain.NewDomainError(op, domain.ErrMalformedChunk, "not a JSON object")
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrMalformedChunk, err.Error())
	}

	if schema, ok := c.schemas[env.Type]; ok {
		if err := validate(schema, trimmed); err != nil {
			return nil, domain.NewDomainError(op, domain.ErrMalformedChunk, err.Error())
		}
	}

	switch env.Type {
	case TypeAIMessageChunk:
		return classifyAIMessage(trimmed)
	case TypeTool:
		return classifyToolMessage(trimmed)
	default:
		raw := append(json.RawMessage(nil), trimmed...)
		return domain.UnknownChunk{Type: env.Type, Raw: raw},
			domain.NewDomainError(op, domain.ErrUnknownChunkType, fmt.Sprintf("type %q", env.Type))
	}
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	result := schema.Validate(v)
	if !result.IsValid() {
		return fmt.Errorf("schema: %s", result.Error())
	}
	return nil
}

func classifyAIMessage(data []byte) (domain.Chunk, error) {
	const op = "Classifier.AIMessageChunk"

	var w wireAIMessageChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrMalformedChunk, err.Error())
	}
	text, err := contentText(w.Content)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrMalformedChunk, err.Error())
	}
	return domain.AssistantTextDelta{
		MessageID: w.ID,
		Text:      text,
		ToolCalls: foldToolCalls(w.ToolCalls, w.ToolCallChunks),
	}, nil
}

// contentText accepts a plain string or a list of content blocks, keeping
// only text blocks.
func contentText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case '[':
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return "", err
		}
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("content must be a string or a list of blocks")
	}
}

// foldToolCalls merges tool_calls and tool_call_chunks into one delta per
// call id, in first-seen order. When a call has partial argument text, that
// text is authoritative and the structured args derived from the same
// fragment are ignored.
func foldToolCalls(calls []wireToolCall, chunks []wireToolCallChunk) []domain.ToolCallDelta {
	if len(calls) == 0 && len(chunks) == 0 {
		return nil
	}
	out := make([]domain.ToolCallDelta, 0, len(calls)+len(chunks))
	byID := make(map[string]int)

	upsert := func(d domain.ToolCallDelta) {
		if d.ToolCallID == "" {
			out = append(out, d)
			return
		}
		i, ok := byID[d.ToolCallID]
		if !ok {
			byID[d.ToolCallID] = len(out)
			out = append(out, d)
			return
		}
		cur := &out[i]
		if d.ToolName != "" {
			cur.ToolName = d.ToolName
		}
		if d.ArgsText != "" {
			cur.ArgsText += d.ArgsText
			cur.Args = nil
		} else if len(d.Args) > 0 && cur.ArgsText == "" {
			cur.Args = d.Args
		}
		if cur.Index == nil {
			cur.Index = d.Index
		}
	}

	for _, c := range calls {
		d := domain.ToolCallDelta{ToolCallID: c.ID, ToolName: c.Name}
		if isObject(c.Args) {
			d.Args = append(json.RawMessage(nil), c.Args...)
		}
		upsert(d)
	}
	for _, c := range chunks {
		d := domain.ToolCallDelta{ToolCallID: c.ID, ToolName: c.Name, Index: c.Index}
		args := bytes.TrimSpace(c.Args)
		switch {
		case len(args) == 0 || bytes.Equal(args, []byte("null")):
		case args[0] == '"':
			var s string
			if err := json.Unmarshal(args, &s); err == nil {
				d.ArgsText = s
			}
		case isObject(args):
			d.Args = append(json.RawMessage(nil), args...)
		}
		upsert(d)
	}
	return out
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func classifyToolMessage(data []byte) (domain.Chunk, error) {
	const op = "Classifier.ToolMessage"

	var w wireToolMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrMalformedChunk, err.Error())
	}
	if w.ToolCallID == "" {
		return nil, domain.NewDomainError(op, domain.ErrMalformedChunk, "missing tool_call_id")
	}
	return domain.ToolResult{
		MessageID:  w.ID,
		ToolCallID: w.ToolCallID,
		ToolName:   w.Name,
		Content:    nonNull(w.Content),
		IsError:    w.Status == "error",
		Artifact:   nonNull(w.Artifact),
	}, nil
}

func nonNull(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
