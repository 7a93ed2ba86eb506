package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/usecase/threadstore"
)

type sentMessage struct {
	threadID string
	req      domain.SendMessageRequest
}

type fakeAPI struct {
	mu      sync.Mutex
	created int
	sent    []sentMessage
	respond func(threadID string) (io.ReadCloser, error)
}

func (f *fakeAPI) CreateThread(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("thread-%d", f.created), nil
}

func (f *fakeAPI) StreamMessage(_ context.Context, threadID string, req domain.SendMessageRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{threadID: threadID, req: req})
	respond := f.respond
	f.mu.Unlock()
	return respond(threadID)
}

func bodyOf(s string) func(string) (io.ReadCloser, error) {
	return func(string) (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(s)), nil }
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) ofType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	api      *fakeAPI
	registry *threadstore.Registry
	bus      *recordingBus
	orch     *Orchestrator
}

func newHarness(t *testing.T, respond func(string) (io.ReadCloser, error), opts Options) *harness {
	t.Helper()
	api := &fakeAPI{respond: respond}
	bus := &recordingBus{}
	reg := threadstore.New(api, bus, nil, nil)
	orch := NewOrchestrator(api, reg, newTestClassifier(t, false), bus, nil, nil, opts)
	return &harness{api: api, registry: reg, bus: bus, orch: orch}
}

func wait(t *testing.T, turn *Turn) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-turn.Done():
		return turn.Err()
	case <-ctx.Done():
		t.Fatal("turn did not settle")
		return nil
	}
}

func TestOrchestrator_HiThereIntoDefaultThread(t *testing.T) {
	h := newHarness(t, bodyOf(hiThere), Options{})
	require.Equal(t, domain.DefaultThreadID, h.registry.Current())

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, wait(t, turn))

	assert.Equal(t, domain.TurnSucceeded, turn.State())
	assert.Equal(t, "thread-1", turn.ThreadID)
	assert.Equal(t, "thread-1", h.registry.Current(), "a real thread replaces the placeholder")
	assert.Equal(t, []string{"m1"}, turn.MessageIDs())

	snap, err := h.registry.Snapshot("thread-1")
	require.NoError(t, err)
	assert.False(t, snap.Running)
	require.Len(t, snap.Messages, 2)

	user, reply := snap.Messages[0], snap.Messages[1]
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Equal(t, turn.UserMessageID, user.ID)
	assert.Equal(t, "hello", user.Text())
	assert.Equal(t, "m1", reply.ID)
	assert.Equal(t, "Hi there", reply.Text())
	assert.Equal(t, domain.MessageComplete, reply.Status)

	require.Len(t, h.api.sent, 1)
	assert.Equal(t, "thread-1", h.api.sent[0].threadID)
	assert.Equal(t, "hello", h.api.sent[0].req.Content)

	states := h.bus.ofType(domain.EventTurnState)
	require.Len(t, states, 3)
	assert.Contains(t, string(states[0].Payload), `"sending"`)
	assert.Contains(t, string(states[1].Payload), `"streaming"`)
	assert.Contains(t, string(states[2].Payload), `"settled_success"`)
}

func TestOrchestrator_AttachmentIDsAreSent(t *testing.T) {
	h := newHarness(t, bodyOf(hiThere), Options{})
	turn, err := h.orch.Submit(context.Background(), "", Input{
		Attachments: []domain.Attachment{
			{ID: "local-1", RemoteID: "img-1", Status: domain.AttachmentUploaded},
			{ID: "local-2", RemoteID: "img-2", Status: domain.AttachmentUploaded},
		},
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, turn))

	assert.Equal(t, []string{"img-1", "img-2"}, h.api.sent[0].req.AttachmentIDs)
	snap, _ := h.registry.Snapshot(turn.ThreadID)
	assert.Len(t, snap.Messages[0].Attachments, 2)
}

func TestOrchestrator_EmptyInputRejected(t *testing.T) {
	h := newHarness(t, bodyOf(""), Options{})
	_, err := h.orch.Submit(context.Background(), "", Input{Text: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, h.api.created)
}

func TestOrchestrator_UnknownThread(t *testing.T) {
	h := newHarness(t, bodyOf(""), Options{})
	_, err := h.orch.Submit(context.Background(), "nope", Input{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)
}

func TestOrchestrator_TruncatedStreamKeepsContent(t *testing.T) {
	h := newHarness(t, bodyOf(hiThere+`{"type":"AIMessageChunk","id":"m1","con`), Options{})

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "hello"})
	require.NoError(t, err)
	err = wait(t, turn)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStreamTruncated)
	assert.Equal(t, domain.TurnFailed, turn.State())

	snap, _ := h.registry.Snapshot(turn.ThreadID)
	assert.False(t, snap.Running)
	last, ok := snap.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "Hi there", last.Text())
	assert.Equal(t, domain.MessageIncomplete, last.Status)
	assert.NotEmpty(t, last.Error)
}

func TestOrchestrator_SendFailure(t *testing.T) {
	h := newHarness(t, func(string) (io.ReadCloser, error) {
		return nil, domain.NewDomainError("test", domain.ErrTransport, "connection refused")
	}, Options{})

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "hello"})
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, turn), domain.ErrTransport)

	snap, _ := h.registry.Snapshot(turn.ThreadID)
	assert.False(t, snap.Running)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, domain.MessageIncomplete, snap.Messages[0].Status)

	// The thread is free for another attempt.
	h.api.respond = bodyOf(hiThere)
	turn, err = h.orch.Submit(context.Background(), turn.ThreadID, Input{Text: "again"})
	require.NoError(t, err)
	assert.NoError(t, wait(t, turn))
}

func TestOrchestrator_UnknownAndMalformedUnits(t *testing.T) {
	body := `{"type":"custom","n":1}` + hiThere + `{"type":"tool","id":"m1"}`
	h := newHarness(t, bodyOf(body), Options{})

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "hello"})
	require.NoError(t, err)
	err = wait(t, turn)
	assert.ErrorIs(t, err, domain.ErrMalformedChunk)

	unknown := h.bus.ofType(domain.EventChunkUnknown)
	require.Len(t, unknown, 1)
	assert.Contains(t, string(unknown[0].Payload), `"custom"`)
	assert.Len(t, h.bus.ofType(domain.EventChunkMalformed), 1)

	snap, _ := h.registry.Snapshot(turn.ThreadID)
	last, _ := snap.LastMessage()
	assert.Equal(t, "Hi there", last.Text())
}

func TestOrchestrator_ResolvesMissingOwnerIDs(t *testing.T) {
	body := `{"type":"AIMessageChunk","content":"a","tool_calls":[{"id":"t1","name":"search","args":{}}]}` +
		`{"type":"tool","tool_call_id":"t1","content":"found"}` +
		`{"type":"AIMessageChunk","content":"b"}`
	h := newHarness(t, bodyOf(body), Options{})

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, wait(t, turn))

	snap, _ := h.registry.Snapshot(turn.ThreadID)
	require.Len(t, snap.Messages, 2)
	reply := snap.Messages[1]
	assert.NotEmpty(t, reply.ID)
	assert.Equal(t, "ab", reply.Text())
	calls := reply.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "found", calls[0].ResultText())
}

func TestOrchestrator_ToolResultRoutedToCallOwner(t *testing.T) {
	body := `{"type":"AIMessageChunk","id":"m1","content":"","tool_calls":[{"id":"t1","name":"search","args":{}}]}` +
		`{"type":"tool","id":"tool-msg-7","tool_call_id":"t1","content":"found"}`
	h := newHarness(t, bodyOf(body), Options{})

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, wait(t, turn))

	snap, _ := h.registry.Snapshot(turn.ThreadID)
	require.Len(t, snap.Messages, 2)
	assert.True(t, snap.Messages[1].ToolCalls()[0].HasResult)
}

func TestOrchestrator_SwitchDiscardsLateData(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	h := newHarness(t, func(string) (io.ReadCloser, error) { return pr, nil }, Options{})
	h.registry.Ensure("other", "Other")

	var (
		mu    sync.Mutex
		snaps []domain.Thread
	)
	h.registry.Subscribe(func(c threadstore.Change) {
		if c.Kind == threadstore.ChangeSnapshot {
			mu.Lock()
			snaps = append(snaps, c.Thread)
			mu.Unlock()
		}
	})

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "hello"})
	require.NoError(t, err)

	_, err = pw.Write([]byte(`{"type":"AIMessageChunk","id":"m1","content":"Hi"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, _ := h.registry.Snapshot(turn.ThreadID)
		last, _ := snap.LastMessage()
		return last.Text() == "Hi"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.registry.Switch("other"))
	// The body is closed by the cancellation; late bytes go nowhere.
	_, _ = pw.Write([]byte(`{"type":"AIMessageChunk","id":"m1","content":" there"}`))

	err = wait(t, turn)
	assert.ErrorIs(t, err, domain.ErrStreamCancelled)
	assert.Equal(t, domain.TurnFailed, turn.State())

	snap, _ := h.registry.Snapshot(turn.ThreadID)
	assert.False(t, snap.Running)
	last, _ := snap.LastMessage()
	assert.Equal(t, "Hi", last.Text())
	assert.Equal(t, domain.MessageIncomplete, last.Status)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range snaps {
		for _, m := range s.Messages {
			assert.NotContains(t, m.Text(), "there")
		}
	}
}

func TestOrchestrator_BusyThreadAndCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	h := newHarness(t, func(string) (io.ReadCloser, error) { return pr, nil }, Options{})

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "one"})
	require.NoError(t, err)

	_, err = h.orch.Submit(context.Background(), turn.ThreadID, Input{Text: "two"})
	assert.ErrorIs(t, err, domain.ErrThreadBusy)

	assert.True(t, h.orch.Cancel(""))
	assert.ErrorIs(t, wait(t, turn), domain.ErrStreamCancelled)
	assert.False(t, h.orch.Cancel(turn.ThreadID), "nothing left to cancel")

	snap, _ := h.registry.Snapshot(turn.ThreadID)
	assert.False(t, snap.Running)
	require.Len(t, snap.Messages, 1, "the busy submit wrote nothing")
}

func TestOrchestrator_TurnTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	h := newHarness(t, func(string) (io.ReadCloser, error) { return pr, nil }, Options{TurnTimeout: 50 * time.Millisecond})

	turn, err := h.orch.Submit(context.Background(), "", Input{Text: "hello"})
	require.NoError(t, err)
	err = wait(t, turn)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.False(t, errors.Is(err, domain.ErrStreamCancelled))
}

func TestOwnerResolver(t *testing.T) {
	msgs := []domain.Message{{
		ID:   "a1",
		Role: domain.RoleAssistant,
		Content: []domain.ContentPart{
			domain.ToolCallPart{ToolCallID: "t1", ToolName: "search"},
		},
	}}

	var r ownerResolver
	got := r.resolve(domain.ToolResult{ToolCallID: "t1"}, msgs).(domain.ToolResult)
	assert.Equal(t, "a1", got.MessageID)

	got = r.resolve(domain.ToolResult{MessageID: "a1", ToolCallID: "t9"}, msgs).(domain.ToolResult)
	assert.Equal(t, "a1", got.MessageID, "an existing owner is kept")

	got = r.resolve(domain.ToolResult{MessageID: "m7", ToolCallID: "t1"}, msgs).(domain.ToolResult)
	assert.Equal(t, "a1", got.MessageID, "a result joins its call, not a new message")

	first := r.resolve(domain.AssistantTextDelta{Text: "x"}, msgs).(domain.AssistantTextDelta)
	assert.NotEmpty(t, first.MessageID)
	second := r.resolve(domain.AssistantTextDelta{Text: "y"}, msgs).(domain.AssistantTextDelta)
	assert.Equal(t, first.MessageID, second.MessageID)

	unknown := domain.UnknownChunk{Type: "x"}
	assert.Equal(t, unknown, r.resolve(unknown, msgs))
}

func TestOwnerResolver_RenamesIdsTakenByUserMessages(t *testing.T) {
	msgs := []domain.Message{{ID: "u1", Role: domain.RoleUser}}

	var r ownerResolver
	first := r.resolve(domain.AssistantTextDelta{MessageID: "u1", Text: "a"}, msgs).(domain.AssistantTextDelta)
	assert.NotEqual(t, "u1", first.MessageID)
	assert.NotEmpty(t, first.MessageID)

	second := r.resolve(domain.AssistantTextDelta{MessageID: "u1", Text: "b"}, msgs).(domain.AssistantTextDelta)
	assert.Equal(t, first.MessageID, second.MessageID, "the same alias for the whole turn")

	res := r.resolve(domain.ToolResult{MessageID: "u1", ToolCallID: "t1"}, msgs).(domain.ToolResult)
	assert.Equal(t, first.MessageID, res.MessageID)

	kept := r.resolve(domain.AssistantTextDelta{MessageID: "a9", Text: "c"}, msgs).(domain.AssistantTextDelta)
	assert.Equal(t, "a9", kept.MessageID)
}
