// Package threadstore owns the per-thread message snapshots for a session.
package threadstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/metrics"
)

// ChangeKind classifies a registry notification.
type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeCreated  ChangeKind = "created"
	ChangeSwitched ChangeKind = "switched"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is delivered to listeners after every write.
type Change struct {
	Kind    ChangeKind
	Thread  domain.Thread // the affected thread; zero for deletes
	ID      string        // affected thread id
	Current string        // current thread after the change
}

// Listener receives changes in commit order.
type Listener func(Change)

// Ticket identifies one turn on one thread. Commits carrying a stale
// generation are rejected.
type Ticket struct {
	ThreadID string
	Gen      uint64
}

type entry struct {
	snap   domain.Thread
	gen    uint64
	cancel context.CancelFunc
}

// Registry is the explicit store for all threads of a session. Every write
// replaces the thread's snapshot with a new value under the mutex; readers
// only ever see complete snapshots.
type Registry struct {
	creator domain.ThreadCreator
	bus     domain.EventBus
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	threads   map[string]*entry
	order     []string
	current   string
	listeners map[uint64]Listener
	nextSub   uint64

	outbox      []Change
	dispatching bool
}

// New creates a registry holding only the default placeholder thread.
func New(creator domain.ThreadCreator, bus domain.EventBus, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		creator:   creator,
		bus:       bus,
		logger:    logger,
		metrics:   m,
		threads:   make(map[string]*entry),
		current:   domain.DefaultThreadID,
		listeners: make(map[uint64]Listener),
	}
	r.threads[domain.DefaultThreadID] = &entry{snap: domain.Thread{
		ID:        domain.DefaultThreadID,
		Title:     domain.DefaultThreadTitle,
		Status:    domain.ThreadRegular,
		UpdatedAt: time.Now(),
	}}
	return r
}

// Subscribe registers fn for every change. Returns an unsubscribe function.
func (r *Registry) Subscribe(fn Listener) func() {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Create asks the server for a new thread and registers it.
func (r *Registry) Create(ctx context.Context, title string) (domain.Thread, error) {
	if title == "" {
		title = domain.DefaultThreadTitle
	}
	id, err := r.creator.CreateThread(ctx, title)
	if err != nil {
		return domain.Thread{}, domain.WrapOp("Registry.Create", err)
	}
	return r.Ensure(id, title), nil
}

// Ensure registers a thread known to exist remotely and returns its
// snapshot. An existing thread is returned unchanged.
func (r *Registry) Ensure(id, title string) domain.Thread {
	r.mu.Lock()
	if e, ok := r.threads[id]; ok {
		snap := e.snap
		r.mu.Unlock()
		return snap
	}
	if title == "" {
		title = domain.DefaultThreadTitle
	}
	e := &entry{snap: domain.Thread{
		ID:        id,
		Title:     title,
		Status:    domain.ThreadRegular,
		UpdatedAt: time.Now(),
	}}
	r.threads[id] = e
	r.order = append(r.order, id)
	snap := e.snap
	r.enqueue(Change{Kind: ChangeCreated, Thread: snap, ID: id})
	r.mu.Unlock()

	r.dispatch()
	return snap
}

// Current returns the active thread id.
func (r *Registry) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Switch makes id the active thread. A turn still streaming into the thread
// being left is cancelled; nothing it produces afterwards is committed.
func (r *Registry) Switch(id string) error {
	r.mu.Lock()
	if _, ok := r.threads[id]; !ok {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Switch", domain.ErrThreadNotFound, id)
	}
	prev := r.current
	if prev == id {
		r.mu.Unlock()
		return nil
	}
	if e, ok := r.threads[prev]; ok {
		r.cancelLocked(e)
	}
	r.current = id
	r.enqueue(Change{Kind: ChangeSwitched, Thread: r.threads[id].snap, ID: id})
	r.mu.Unlock()

	r.dispatch()
	return nil
}

// Delete removes a thread locally. Deleting the active thread makes the
// default placeholder active.
func (r *Registry) Delete(id string) error {
	if id == domain.DefaultThreadID {
		return domain.NewDomainError("Registry.Delete", domain.ErrInvalidInput, "cannot delete the default thread")
	}
	r.mu.Lock()
	e, ok := r.threads[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Delete", domain.ErrThreadNotFound, id)
	}
	r.cancelLocked(e)
	delete(r.threads, id)
	for i, tid := range r.order {
		if tid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	if r.current == id {
		r.current = domain.DefaultThreadID
	}
	r.enqueue(Change{Kind: ChangeDeleted, ID: id})
	r.mu.Unlock()

	r.dispatch()
	return nil
}

// List returns the registered threads in creation order. The default
// placeholder is not listed.
func (r *Registry) List() []domain.ThreadInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ThreadInfo, 0, len(r.order))
	for _, id := range r.order {
		s := r.threads[id].snap
		out = append(out, domain.ThreadInfo{
			ID:           s.ID,
			Title:        s.Title,
			Status:       s.Status,
			Running:      s.Running,
			MessageCount: len(s.Messages),
		})
	}
	return out
}

// Snapshot returns the current snapshot of a thread.
func (r *Registry) Snapshot(id string) (domain.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.threads[id]
	if !ok {
		return domain.Thread{}, domain.NewDomainError("Registry.Snapshot", domain.ErrThreadNotFound, id)
	}
	return e.snap, nil
}

// Append adds a message outside of any turn's generation check.
func (r *Registry) Append(id string, msg domain.Message) (domain.Thread, error) {
	return r.write("Registry.Append", id, nil, func(t *domain.Thread) {
		t.Messages = appendCopy(t.Messages, msg)
	})
}

// BeginTurn marks the thread running and returns a context that is
// cancelled when the turn is cancelled, the thread is switched away from or
// deleted. Only one turn per thread may be in flight.
func (r *Registry) BeginTurn(ctx context.Context, id string) (context.Context, Ticket, error) {
	r.mu.Lock()
	e, ok := r.threads[id]
	if !ok {
		r.mu.Unlock()
		return nil, Ticket{}, domain.NewDomainError("Registry.BeginTurn", domain.ErrThreadNotFound, id)
	}
	if e.cancel != nil {
		r.mu.Unlock()
		return nil, Ticket{}, domain.NewDomainError("Registry.BeginTurn", domain.ErrThreadBusy, id)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	e.gen++
	e.cancel = cancel
	r.replaceLocked(e, func(t *domain.Thread) { t.Running = true })
	ticket := Ticket{ThreadID: id, Gen: e.gen}
	r.mu.Unlock()

	r.dispatch()
	return turnCtx, ticket, nil
}

// Commit replaces the thread's messages with fn(current messages) if the
// ticket is still current. fn must not modify its argument. A stale ticket
// fails with ErrStreamCancelled and nothing is written.
func (r *Registry) Commit(t Ticket, fn func([]domain.Message) []domain.Message) (domain.Thread, error) {
	return r.write("Registry.Commit", t.ThreadID, &t, func(th *domain.Thread) {
		th.Messages = fn(th.Messages)
	})
}

// FinishTurn applies a final commit and returns the thread to idle.
func (r *Registry) FinishTurn(t Ticket, fn func([]domain.Message) []domain.Message) (domain.Thread, error) {
	r.mu.Lock()
	e, ok := r.threads[t.ThreadID]
	if ok && e.gen == t.Gen && e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	r.mu.Unlock()

	return r.write("Registry.FinishTurn", t.ThreadID, &t, func(th *domain.Thread) {
		if fn != nil {
			th.Messages = fn(th.Messages)
		}
		th.Running = false
	})
}

// Cancel stops the turn in flight on id, if any. Late data from that turn
// is discarded. It reports whether a turn was cancelled.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.threads[id]
	if !ok || e.cancel == nil {
		r.mu.Unlock()
		return false
	}
	r.cancelLocked(e)
	r.mu.Unlock()

	r.dispatch()
	return true
}

// cancelLocked invalidates the running turn on e. Caller holds r.mu.
func (r *Registry) cancelLocked(e *entry) {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.cancel = nil
	e.gen++
	r.replaceLocked(e, func(t *domain.Thread) {
		t.Running = false
		t.Messages = interrupt(t.Messages)
	})
}

// interrupt marks messages still receiving content as incomplete.
func interrupt(msgs []domain.Message) []domain.Message {
	var out []domain.Message
	for i, m := range msgs {
		if m.Status != domain.MessageRunning {
			continue
		}
		if out == nil {
			out = make([]domain.Message, len(msgs))
			copy(out, msgs)
		}
		out[i].Status = domain.MessageIncomplete
		out[i].Error = domain.ErrStreamCancelled.Error()
	}
	if out == nil {
		return msgs
	}
	return out
}

func (r *Registry) write(op, id string, ticket *Ticket, fn func(*domain.Thread)) (domain.Thread, error) {
	r.mu.Lock()
	e, ok := r.threads[id]
	if !ok {
		r.mu.Unlock()
		return domain.Thread{}, domain.NewDomainError(op, domain.ErrThreadNotFound, id)
	}
	if ticket != nil && ticket.Gen != e.gen {
		r.mu.Unlock()
		return domain.Thread{}, domain.NewDomainError(op, domain.ErrStreamCancelled,
			fmt.Sprintf("thread %s generation %d superseded by %d", id, ticket.Gen, e.gen))
	}
	snap := r.replaceLocked(e, fn)
	r.mu.Unlock()

	r.dispatch()
	return snap, nil
}

// replaceLocked publishes a new snapshot built from a copy of the current
// one. Caller holds r.mu.
func (r *Registry) replaceLocked(e *entry, fn func(*domain.Thread)) domain.Thread {
	next := e.snap
	fn(&next)
	next.Version++
	next.UpdatedAt = time.Now()
	e.snap = next
	r.enqueue(Change{Kind: ChangeSnapshot, Thread: next, ID: next.ID})
	return next
}

func (r *Registry) enqueue(c Change) {
	c.Current = r.current
	r.outbox = append(r.outbox, c)
}

// dispatch delivers queued changes in order. Only one goroutine drains the
// outbox at a time; listeners run without r.mu held and may call back into
// the registry.
func (r *Registry) dispatch() {
	r.mu.Lock()
	if r.dispatching {
		r.mu.Unlock()
		return
	}
	r.dispatching = true
	for len(r.outbox) > 0 {
		batch := r.outbox
		r.outbox = nil
		listeners := make([]Listener, 0, len(r.listeners))
		for _, l := range r.listeners {
			listeners = append(listeners, l)
		}
		r.mu.Unlock()

		for _, c := range batch {
			r.deliver(c, listeners)
		}

		r.mu.Lock()
	}
	r.dispatching = false
	r.mu.Unlock()
}

func (r *Registry) deliver(c Change, listeners []Listener) {
	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("thread listener panicked", "kind", string(c.Kind), "panic", p)
				}
			}()
			l(c)
		}()
	}

	if c.Kind == ChangeSnapshot {
		r.metrics.Snapshot()
	}
	if r.bus == nil {
		return
	}
	ctx := context.Background()
	switch c.Kind {
	case ChangeSnapshot:
		r.bus.Publish(ctx, domain.NewEvent(domain.EventThreadSnapshot, c.ID, c.Thread))
	case ChangeCreated:
		r.bus.Publish(ctx, domain.NewEvent(domain.EventThreadCreated, c.ID, domain.ThreadInfo{
			ID: c.Thread.ID, Title: c.Thread.Title, Status: c.Thread.Status,
		}))
	case ChangeSwitched:
		r.bus.Publish(ctx, domain.NewEvent(domain.EventThreadSwitched, c.ID, nil))
	case ChangeDeleted:
		r.bus.Publish(ctx, domain.NewEvent(domain.EventThreadDeleted, c.ID, nil))
	}
}

func appendCopy(msgs []domain.Message, m domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m)
}
