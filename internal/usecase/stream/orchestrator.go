package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/metrics"
	"assistant-chat/internal/infra/tracer"
	"assistant-chat/internal/usecase/threadstore"
)

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Input is what the user submits for one turn.
type Input struct {
	Text        string
	Attachments []domain.Attachment // finalized, status uploaded
}

// Options configures an Orchestrator.
type Options struct {
	IdleTimeout    time.Duration
	TurnTimeout    time.Duration
	ReadBufferSize int
	MaxUnitBytes   int
}

// Turn tracks one submitted message through
// idle -> sending -> streaming -> settled.
type Turn struct {
	ID            string
	ThreadID      string
	UserMessageID string

	done chan struct{}

	mu    sync.Mutex
	state domain.TurnState
	err   error
	ids   []string // assistant message ids touched by this turn
}

// State returns the current state.
func (t *Turn) State() domain.TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the settle error, if any. Valid once Done is closed.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// MessageIDs returns the assistant messages produced so far.
func (t *Turn) MessageIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ids...)
}

// Done is closed when the turn settles.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn settles and returns its error.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Orchestrator runs turns: it posts the user message, pulls the response
// stream, merges every chunk into the thread and settles the turn.
type Orchestrator struct {
	api        domain.ThreadAPI
	registry   *threadstore.Registry
	classifier *Classifier
	bus        domain.EventBus
	logger     *slog.Logger
	metrics    *metrics.Metrics
	opts       Options
}

// NewOrchestrator wires an Orchestrator. bus and m may be nil.
func NewOrchestrator(api domain.ThreadAPI, registry *threadstore.Registry, classifier *Classifier,
	bus domain.EventBus, logger *slog.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		api:        api,
		registry:   registry,
		classifier: classifier,
		bus:        bus,
		logger:     logger,
		metrics:    m,
		opts:       opts,
	}
}

// Submit appends the user message to threadID and starts streaming the
// response in the background. An empty threadID means the current thread.
// Submitting into the default placeholder creates a real thread first and
// makes it current.
//
// The returned Turn settles on its own; errors returned here mean nothing
// was sent.
func (o *Orchestrator) Submit(ctx context.Context, threadID string, in Input) (*Turn, error) {
	const op = "Orchestrator.Submit"

	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "empty message")
	}
	if threadID == "" {
		threadID = o.registry.Current()
	}
	if threadID == domain.DefaultThreadID {
		th, err := o.registry.Create(ctx, domain.DefaultThreadTitle)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		if o.registry.Current() == domain.DefaultThreadID {
			if err := o.registry.Switch(th.ID); err != nil {
				return nil, domain.WrapOp(op, err)
			}
		}
		threadID = th.ID
	}

	turnCtx, ticket, err := o.registry.BeginTurn(ctx, threadID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	turn := &Turn{
		ID:            newID(),
		ThreadID:      threadID,
		UserMessageID: newID(),
		done:          make(chan struct{}),
		state:         domain.TurnIdle,
	}

	user := domain.Message{
		ID:          turn.UserMessageID,
		Role:        domain.RoleUser,
		Content:     []domain.ContentPart{domain.TextPart{Text: in.Text}},
		Attachments: append([]domain.Attachment(nil), in.Attachments...),
		Status:      domain.MessageComplete,
		CreatedAt:   time.Now(),
	}
	if _, err := o.registry.Commit(ticket, func(msgs []domain.Message) []domain.Message {
		return append(append(make([]domain.Message, 0, len(msgs)+1), msgs...), user)
	}); err != nil {
		o.registry.FinishTurn(ticket, nil)
		return nil, domain.WrapOp(op, err)
	}
	o.transition(turn, domain.TurnSending, nil)

	req := domain.SendMessageRequest{Content: in.Text}
	for _, a := range in.Attachments {
		if a.RemoteID != "" {
			req.AttachmentIDs = append(req.AttachmentIDs, a.RemoteID)
		}
	}

	go o.run(turnCtx, ticket, turn, req)
	return turn, nil
}

// Cancel stops the turn in flight on threadID.
func (o *Orchestrator) Cancel(threadID string) bool {
	if threadID == "" {
		threadID = o.registry.Current()
	}
	return o.registry.Cancel(threadID)
}

func (o *Orchestrator) run(ctx context.Context, ticket threadstore.Ticket, turn *Turn, req domain.SendMessageRequest) {
	if o.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.TurnTimeout)
		defer cancel()
	}
	ctx, span := tracer.StartSpan(ctx, "stream.turn")
	span.SetAttributes(
		tracer.StringAttr("thread.id", turn.ThreadID),
		tracer.StringAttr("turn.id", turn.ID),
		tracer.IntAttr("attachments", len(req.AttachmentIDs)),
	)
	settleMetrics := o.metrics.TurnStarted()
	log := o.logger.With("thread_id", turn.ThreadID, "turn_id", turn.ID)

	err := o.stream(ctx, ticket, turn, req, log)

	ids := turn.MessageIDs()
	outcome := metrics.OutcomeSuccess
	if _, ferr := o.registry.FinishTurn(ticket, func(msgs []domain.Message) []domain.Message {
		return Settle(msgs, ids, err)
	}); ferr != nil {
		// Superseded by Cancel, Switch or Delete: nothing more is written.
		if err == nil || !errors.Is(err, domain.ErrStreamCancelled) {
			err = ferr
		}
		outcome = metrics.OutcomeCancelled
		log.Info("turn cancelled")
	} else if errors.Is(err, domain.ErrStreamCancelled) {
		outcome = metrics.OutcomeCancelled
		log.Info("turn cancelled")
	} else if err != nil {
		outcome = metrics.OutcomeError
		log.Warn("turn settled with error", "error", err, "code", domain.ErrorCodeOf(err))
	} else {
		log.Debug("turn settled", "messages", len(ids))
	}

	settleMetrics(outcome)
	tracer.End(span, err)
	if err != nil {
		o.transition(turn, domain.TurnFailed, err)
	} else {
		o.transition(turn, domain.TurnSucceeded, nil)
	}
	close(turn.done)
}

// stream runs the sending and streaming states and returns the settle error.
func (o *Orchestrator) stream(ctx context.Context, ticket threadstore.Ticket, turn *Turn,
	req domain.SendMessageRequest, log *slog.Logger) error {
	body, err := o.api.StreamMessage(ctx, turn.ThreadID, req)
	if err != nil {
		if ctx.Err() != nil {
			return cancelErr(ctx.Err())
		}
		return err
	}
	o.transition(turn, domain.TurnStreaming, nil)

	cs := NewChunkStream(body, o.classifier, StreamOptions{
		IdleTimeout:    o.opts.IdleTimeout,
		ReadBufferSize: o.opts.ReadBufferSize,
		MaxUnitBytes:   o.opts.MaxUnitBytes,
		Metrics:        o.metrics,
	})
	defer cs.Close()

	var (
		owner     = ownerResolver{}
		malformed []error
	)
	for {
		chunk, err := cs.Next(ctx)
		if err != nil {
			var ce *ChunkError
			switch {
			case errors.As(err, &ce) && errors.Is(err, domain.ErrUnknownChunkType):
				o.metrics.Chunk(domain.ChunkUnknown)
				unknown, _ := chunk.(domain.UnknownChunk)
				log.Debug("forwarding unknown chunk", "type", unknown.Type)
				o.publish(ctx, domain.EventChunkUnknown, turn.ThreadID, domain.ChunkEventPayload{
					TurnID: turn.ID, Type: unknown.Type, Raw: unknown.Raw,
				})
				continue
			case errors.As(err, &ce):
				o.metrics.MalformedUnit()
				malformed = append(malformed, err)
				log.Warn("malformed chunk", "error", err, "bytes", len(ce.Unit))
				o.publish(ctx, domain.EventChunkMalformed, turn.ThreadID, domain.ChunkEventPayload{
					TurnID: turn.ID, Raw: rawIfValid(ce.Unit), Error: err.Error(),
				})
				continue
			case errors.Is(err, io.EOF):
				return malformedErr(malformed)
			default:
				var me *MalformedError
				if errors.As(err, &me) {
					o.metrics.MalformedUnit()
					o.publish(ctx, domain.EventChunkMalformed, turn.ThreadID, domain.ChunkEventPayload{
						TurnID: turn.ID, Error: err.Error(),
					})
				}
				return err
			}
		}

		snap, serr := o.registry.Snapshot(turn.ThreadID)
		if serr != nil {
			return domain.NewDomainError("Orchestrator.stream", domain.ErrStreamCancelled, serr.Error())
		}
		chunk = owner.resolve(chunk, snap.Messages)
		o.track(turn, chunk)
		o.metrics.Chunk(domain.ChunkKind(chunk))

		if _, err := o.registry.Commit(ticket, func(msgs []domain.Message) []domain.Message {
			return Apply(msgs, chunk)
		}); err != nil {
			if errors.Is(err, domain.ErrThreadNotFound) {
				return domain.NewDomainError("Orchestrator.stream", domain.ErrStreamCancelled, err.Error())
			}
			return err
		}
	}
}

func malformedErr(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return domain.NewDomainError("Orchestrator.stream", domain.ErrMalformedChunk,
		fmt.Sprintf("%d unit(s) could not be classified: %v", len(errs), errs[0]))
}

func rawIfValid(unit RawUnit) json.RawMessage {
	if len(unit) == 0 || !json.Valid(unit) {
		return nil
	}
	return json.RawMessage(unit)
}

func (o *Orchestrator) track(turn *Turn, chunk domain.Chunk) {
	var id string
	switch c := chunk.(type) {
	case domain.AssistantTextDelta:
		id = c.MessageID
	case domain.ToolResult:
		id = c.MessageID
	default:
		return
	}
	turn.mu.Lock()
	defer turn.mu.Unlock()
	for _, existing := range turn.ids {
		if existing == id {
			return
		}
	}
	turn.ids = append(turn.ids, id)
}

func (o *Orchestrator) transition(turn *Turn, s domain.TurnState, err error) {
	turn.mu.Lock()
	turn.state = s
	if err != nil {
		turn.err = err
	}
	turn.mu.Unlock()

	p := domain.TurnStatePayload{TurnID: turn.ID, State: s}
	if err != nil {
		p.Error = err.Error()
		p.Code = domain.ErrorCodeOf(err)
	}
	o.publish(context.Background(), domain.EventTurnState, turn.ThreadID, p)
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, threadID string, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, domain.NewEvent(t, threadID, payload))
}

// ownerResolver fills in message ids the server left out. A chunk without
// an id belongs to the last assistant message of the turn; with none yet a
// fresh id is minted. An id already taken by a user message is replaced by
// a fresh one, consistently for the whole turn.
type ownerResolver struct {
	last  string
	alias map[string]string
}

func (r *ownerResolver) resolve(chunk domain.Chunk, msgs []domain.Message) domain.Chunk {
	switch c := chunk.(type) {
	case domain.AssistantTextDelta:
		c.MessageID = r.rename(c.MessageID, msgs)
		if c.MessageID == "" {
			c.MessageID = r.fallback()
		}
		r.last = c.MessageID
		return c
	case domain.ToolResult:
		c.MessageID = r.rename(c.MessageID, msgs)
		if c.MessageID != "" && indexOf(msgs, c.MessageID) >= 0 {
			return c
		}
		// Routed to the call's owner rather than a new message, so a
		// toolCallId never appears in two parts.
		if owner := ownerOfToolCall(msgs, c.ToolCallID); owner != "" {
			c.MessageID = owner
			return c
		}
		if c.MessageID == "" {
			c.MessageID = r.fallback()
			r.last = c.MessageID
		}
		return c
	default:
		return chunk
	}
}

func (r *ownerResolver) rename(id string, msgs []domain.Message) string {
	if id == "" {
		return id
	}
	if a, ok := r.alias[id]; ok {
		return a
	}
	for _, m := range msgs {
		if m.ID == id && m.Role != domain.RoleAssistant {
			if r.alias == nil {
				r.alias = make(map[string]string)
			}
			a := newID()
			r.alias[id] = a
			return a
		}
	}
	return id
}

func (r *ownerResolver) fallback() string {
	if r.last != "" {
		return r.last
	}
	return newID()
}

func ownerOfToolCall(msgs []domain.Message, toolCallID string) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != domain.RoleAssistant {
			continue
		}
		for _, p := range msgs[i].Content {
			if tc, ok := p.(domain.ToolCallPart); ok && tc.ToolCallID == toolCallID {
				return msgs[i].ID
			}
		}
	}
	return ""
}
