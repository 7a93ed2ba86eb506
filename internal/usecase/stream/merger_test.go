package stream

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-chat/internal/domain"
)

func textDelta(id, text string, calls ...domain.ToolCallDelta) domain.AssistantTextDelta {
	return domain.AssistantTextDelta{MessageID: id, Text: text, ToolCalls: calls}
}

func intPtr(i int) *int { return &i }

func TestApply_HiThere(t *testing.T) {
	var msgs []domain.Message
	msgs = Apply(msgs, textDelta("m1", "Hi"))
	msgs = Apply(msgs, textDelta("m1", " there"))

	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, domain.RoleAssistant, msgs[0].Role)
	assert.Equal(t, domain.MessageRunning, msgs[0].Status)
	assert.Equal(t, "Hi there", msgs[0].Text())
	assert.Len(t, msgs[0].Content, 1)
}

func TestApply_TextConcatenationPrefixes(t *testing.T) {
	var msgs []domain.Message
	var seen []string
	for _, frag := range []string{"Hel", "lo, ", "world"} {
		msgs = Apply(msgs, textDelta("m1", frag))
		seen = append(seen, msgs[0].Text())
	}
	assert.Equal(t, []string{"Hel", "Hello, ", "Hello, world"}, seen)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	base := Apply(nil, textDelta("m1", "Hi", domain.ToolCallDelta{ToolCallID: "t1", ToolName: "search"}))
	before, err := json.Marshal(base)
	require.NoError(t, err)

	next := Apply(base, textDelta("m1", " there", domain.ToolCallDelta{ToolCallID: "t1", ArgsText: `{"q":1}`}))
	next = Apply(next, domain.ToolResult{MessageID: "m1", ToolCallID: "t1", Content: json.RawMessage(`"ok"`)})
	next = Apply(next, textDelta("m2", "new"))

	after, err := json.Marshal(base)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Len(t, base, 1)
	assert.Len(t, next, 2)
}

func TestApply_MessagesKeepOrder(t *testing.T) {
	msgs := []domain.Message{{ID: "u1", Role: domain.RoleUser, Content: []domain.ContentPart{domain.TextPart{Text: "q"}}}}
	msgs = Apply(msgs, textDelta("m1", "a"))
	msgs = Apply(msgs, textDelta("m2", "b"))
	msgs = Apply(msgs, textDelta("m1", "c"))

	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"u1", "m1", "m2"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, "ac", msgs[1].Text())
}

func TestApply_ToolCallUpsert(t *testing.T) {
	msgs := Apply(nil, textDelta("m1", "Let me look.",
		domain.ToolCallDelta{ToolCallID: "t1", ToolName: "search", ArgsText: `{"q":`, Index: intPtr(0)}))
	msgs = Apply(msgs, textDelta("m1", "",
		domain.ToolCallDelta{ArgsText: `"go"}`, Index: intPtr(0)}))
	msgs = Apply(msgs, textDelta("m1", "",
		domain.ToolCallDelta{ToolCallID: "t2", ToolName: "calc", Args: json.RawMessage(`{"x":1}`)}))

	require.Len(t, msgs, 1)
	parts := msgs[0].Content
	require.Len(t, parts, 3)
	assert.Equal(t, domain.TextPart{Text: "Let me look."}, parts[0])

	t1 := parts[1].(domain.ToolCallPart)
	assert.Equal(t, "t1", t1.ToolCallID)
	assert.Equal(t, "search", t1.ToolName)
	assert.Equal(t, `{"q":"go"}`, t1.ArgsText)
	assert.JSONEq(t, `{"q":"go"}`, string(t1.Args))

	t2 := parts[2].(domain.ToolCallPart)
	assert.Equal(t, "calc", t2.ToolName)
	assert.JSONEq(t, `{"x":1}`, string(t2.Args))
}

func TestApply_AnonymousFragmentWithoutTargetIsIgnored(t *testing.T) {
	msgs := Apply(nil, textDelta("m1", "x", domain.ToolCallDelta{ArgsText: "{", Index: intPtr(3)}))
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ToolCalls())
}

func TestApply_ToolResultAfterText(t *testing.T) {
	msgs := Apply(nil, textDelta("m1", "Searching"))
	msgs = Apply(msgs, domain.ToolResult{MessageID: "m1", ToolCallID: "t1", ToolName: "search",
		Content: json.RawMessage(`"3 hits"`)})

	require.Len(t, msgs, 1)
	parts := msgs[0].Content
	require.Len(t, parts, 2)
	_, isText := parts[0].(domain.TextPart)
	assert.True(t, isText, "text keeps its position ahead of the tool call")

	tc := parts[1].(domain.ToolCallPart)
	assert.True(t, tc.HasResult)
	assert.Equal(t, "3 hits", tc.ResultText())
	assert.Equal(t, "search", tc.ToolName)
}

func TestApply_ToolResultIsIdempotent(t *testing.T) {
	msgs := Apply(nil, textDelta("m1", "", domain.ToolCallDelta{ToolCallID: "t1", ToolName: "search"}))
	result := domain.ToolResult{MessageID: "m1", ToolCallID: "t1", Content: json.RawMessage(`{"n":1}`),
		Artifact: json.RawMessage(`{"url":"u"}`)}

	once := Apply(msgs, result)
	twice := Apply(once, result)

	a, err := json.Marshal(once)
	require.NoError(t, err)
	b, err := json.Marshal(twice)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
	assert.Len(t, twice[0].ToolCalls(), 1)
}

func TestApply_ToolResultForUnknownMessage(t *testing.T) {
	msgs := Apply(nil, textDelta("m1", "hi"))
	msgs = Apply(msgs, domain.ToolResult{MessageID: "m2", ToolCallID: "t9", IsError: true,
		Content: json.RawMessage(`"boom"`)})

	require.Len(t, msgs, 2)
	calls := msgs[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].IsError)
	assert.Equal(t, "boom", calls[0].ResultText())
}

func TestApply_StructuredArgsReplacePartialText(t *testing.T) {
	msgs := Apply(nil, textDelta("m1", "", domain.ToolCallDelta{ToolCallID: "t1", ArgsText: `{"a"`}))
	msgs = Apply(msgs, textDelta("m1", "", domain.ToolCallDelta{ToolCallID: "t1", Args: json.RawMessage(`{"a":2}`)}))

	tc := msgs[0].ToolCalls()[0]
	assert.Empty(t, tc.ArgsText)
	assert.JSONEq(t, `{"a":2}`, string(tc.Args))
}

func TestApply_NeverMergesIntoUserMessage(t *testing.T) {
	user := domain.Message{ID: "u1", Role: domain.RoleUser, Content: []domain.ContentPart{domain.TextPart{Text: "hello"}}}
	msgs := Apply([]domain.Message{user}, textDelta("u1", "Hi"))
	msgs = Apply(msgs, domain.ToolResult{MessageID: "u1", ToolCallID: "t1", Content: json.RawMessage(`"x"`)})

	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text(), "user text is untouched")
	assert.Len(t, msgs[0].Content, 1)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi", msgs[1].Text())
	require.Len(t, msgs[1].ToolCalls(), 1)
	assert.Equal(t, "x", msgs[1].ToolCalls()[0].ResultText())
}

func TestApply_UnknownChunkLeavesSnapshot(t *testing.T) {
	msgs := Apply(nil, textDelta("m1", "hi"))
	out := Apply(msgs, domain.UnknownChunk{Type: "custom", Raw: json.RawMessage(`{}`)})
	assert.Equal(t, msgs, out)
	assert.Equal(t, msgs, Apply(msgs, nil))
}

func TestSettle(t *testing.T) {
	user := domain.Message{ID: "u1", Role: domain.RoleUser, Status: domain.MessageComplete}
	msgs := Apply([]domain.Message{user}, textDelta("m1", "a"))
	msgs = Apply(msgs, textDelta("m2", "b"))

	t.Run("success", func(t *testing.T) {
		out := Settle(msgs, []string{"m1", "m2"}, nil)
		for _, m := range out {
			assert.Equal(t, domain.MessageComplete, m.Status, m.ID)
			assert.Empty(t, m.Error)
		}
		assert.Equal(t, domain.MessageRunning, msgs[1].Status, "input untouched")
	})

	t.Run("error keeps merged content", func(t *testing.T) {
		out := Settle(msgs, []string{"m1", "m2"}, errors.New("connection reset"))
		assert.Equal(t, domain.MessageComplete, out[1].Status)
		assert.Equal(t, domain.MessageIncomplete, out[2].Status)
		assert.Equal(t, "connection reset", out[2].Error)
		assert.Equal(t, "b", out[2].Text())
	})

	t.Run("error before any response", func(t *testing.T) {
		out := Settle([]domain.Message{user}, nil, errors.New("refused"))
		assert.Equal(t, domain.MessageIncomplete, out[0].Status)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, Settle(nil, nil, errors.New("x")))
	})
}
