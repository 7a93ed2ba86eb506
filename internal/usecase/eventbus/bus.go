package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"assistant-chat/internal/domain"
)

type queued struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns a mailbox drained by a single goroutine, so one
// subscriber sees events in publish order. Snapshot mirrors depend on that.
type subscription struct {
	id      uint64
	handler domain.EventHandler

	mu      sync.Mutex
	pending []queued
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (s *subscription) enqueue(q queued) {
	s.mu.Lock()
	s.pending = append(s.pending, q)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return queued{}, false
	}
	q := s.pending[0]
	s.pending[0] = queued{}
	s.pending = s.pending[1:]
	return q, true
}

func (s *subscription) shutdown() { s.once.Do(func() { close(s.stop) }) }

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
// Publish never blocks on a handler. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		sub.enqueue(queued{ctx: ctx, event: event})
	}
	for _, sub := range b.allSubs {
		sub.enqueue(queued{ctx: ctx, event: event})
	}
}

func (b *Bus) start(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

// run delivers queued events until stopped, then drains what is left.
func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.wake:
			b.drain(sub)
		case <-sub.stop:
			b.drain(sub)
			return
		}
	}
}

func (b *Bus) drain(sub *subscription) {
	for {
		q, ok := sub.next()
		if !ok {
			return
		}
		b.invoke(sub, q)
	}
}

func (b *Bus) invoke(sub *subscription, q queued) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(q.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(q.ctx, q.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.typed[eventType] = remove(b.typed[eventType], sub.id)
		b.mu.Unlock()
		sub.shutdown()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.allSubs = remove(b.allSubs, sub.id)
		b.mu.Unlock()
		sub.shutdown()
	}
}

func remove(subs []*subscription, id uint64) []*subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]*subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// Close prevents new publishes and waits for queued events to be delivered.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.RLock()
	for _, subs := range b.typed {
		for _, s := range subs {
			s.shutdown()
		}
	}
	for _, s := range b.allSubs {
		s.shutdown()
	}
	b.mu.RUnlock()
	b.wg.Wait()
}
