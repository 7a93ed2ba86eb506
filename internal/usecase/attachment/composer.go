// Package attachment tracks file uploads for the message being composed.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/metrics"
	"assistant-chat/internal/infra/tracer"
)

const deleteTimeout = 30 * time.Second

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Options limits what may be uploaded and how fast.
type Options struct {
	MaxSizeBytes     int64    // zero means unlimited
	Accept           []string // MIME patterns such as "image/*"; empty accepts all
	UploadsPerSecond float64  // zero means unlimited
	Burst            int
}

// Listener receives the full attachment list after every change.
type Listener func([]domain.Attachment)

// Composer owns the attachments of one pending user message. Each file
// uploads on its own goroutine; the list is replaced wholesale on every
// change so readers never observe a partial update.
type Composer struct {
	store   domain.AttachmentStore
	opts    Options
	limiter *rate.Limiter
	bus     domain.EventBus
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	items     []domain.Attachment
	cancels   map[string]context.CancelFunc
	changed   chan struct{} // closed and replaced on every change
	listeners map[uint64]Listener
	nextSub   uint64

	notifyMu sync.Mutex
	wg       sync.WaitGroup
}

// NewComposer creates an empty Composer. bus and m may be nil.
func NewComposer(store domain.AttachmentStore, opts Options, bus domain.EventBus,
	logger *slog.Logger, m *metrics.Metrics) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.UploadsPerSecond > 0 {
		limit = rate.Limit(opts.UploadsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Composer{
		store:     store,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, burst),
		bus:       bus,
		logger:    logger,
		metrics:   m,
		cancels:   make(map[string]context.CancelFunc),
		changed:   make(chan struct{}),
		listeners: make(map[uint64]Listener),
	}
}

// Add registers file as a pending attachment and starts uploading it to
// threadID. A file that is too large or of a refused type is marked failed
// at once and never reaches the network.
func (c *Composer) Add(ctx context.Context, threadID string, file domain.FileSource) domain.Attachment {
	att := domain.Attachment{
		ID:       newID(),
		FileName: file.Name,
		FileType: file.Type,
		Size:     file.Size,
		Status:   domain.AttachmentPending,
	}

	if err := c.check(file); err != nil {
		att.Status = domain.AttachmentFailed
		att.Error = err.Error()
		c.metrics.Upload(metrics.OutcomeRejected, file.Size)
		c.logger.Info("attachment rejected", "file", file.Name, "reason", err)
		_ = c.mutate(func(items []domain.Attachment) ([]domain.Attachment, change, error) {
			return appendCopy(items, att), change{att: att}, nil
		})
		return att
	}

	uploadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	_ = c.mutate(func(items []domain.Attachment) ([]domain.Attachment, change, error) {
		c.cancels[att.ID] = cancel
		return appendCopy(items, att), change{att: att}, nil
	})

	c.wg.Add(1)
	go c.upload(uploadCtx, threadID, att.ID, file)
	return att
}

func (c *Composer) check(file domain.FileSource) error {
	const op = "Composer.Add"
	if c.opts.MaxSizeBytes > 0 && file.Size > c.opts.MaxSizeBytes {
		return domain.NewSubSystemError("attachment", op, domain.ErrUploadFailed,
			fmt.Sprintf("%s is %s, limit is %s", file.Name,
				humanize.IBytes(uint64(file.Size)), humanize.IBytes(uint64(c.opts.MaxSizeBytes))))
	}
	if !Accepts(c.opts.Accept, file.Type) {
		return domain.NewSubSystemError("attachment", op, domain.ErrUploadFailed,
			fmt.Sprintf("%s: type %q is not accepted", file.Name, file.Type))
	}
	return nil
}

// Accepts reports whether mimeType matches one of patterns. A pattern is an
// exact type or a "major/*" wildcard. No patterns accepts everything.
func Accepts(patterns []string, mimeType string) bool {
	if len(patterns) == 0 {
		return true
	}
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "*/*" || p == mt {
			return true
		}
		if major, ok := strings.CutSuffix(p, "/*"); ok && strings.HasPrefix(mt, major+"/") {
			return true
		}
	}
	return false
}

func (c *Composer) upload(ctx context.Context, threadID, id string, file domain.FileSource) {
	defer c.wg.Done()

	ctx, span := tracer.StartSpan(ctx, "attachment.upload")
	span.SetAttributes(
		tracer.StringAttr("attachment.id", id),
		tracer.StringAttr("attachment.type", file.Type),
		tracer.Int64Attr("attachment.size", file.Size),
	)
	var err error
	defer func() { tracer.End(span, err) }()

	if err = c.limiter.Wait(ctx); err != nil {
		c.finishFailed(ctx, id, file, err)
		return
	}
	if err = c.Begin(id); err != nil {
		// Removed before the upload started.
		return
	}

	var remoteID string
	remoteID, err = c.store.Upload(ctx, threadID, file, func(f float64) { c.progress(id, f) })
	if err != nil {
		c.finishFailed(ctx, id, file, err)
		return
	}

	url, uerr := c.store.URL(ctx, remoteID)
	if uerr != nil {
		c.logger.Warn("attachment url lookup failed", "id", id, "remote_id", remoteID, "error", uerr)
	}
	if err = c.Complete(id, remoteID, url); err != nil {
		// Removed while uploading: the remote copy is an orphan.
		c.metrics.Upload(metrics.OutcomeCancelled, file.Size)
		c.deleteRemote(remoteID)
		return
	}
	c.metrics.Upload(metrics.OutcomeSuccess, file.Size)
	c.logger.Debug("attachment uploaded", "id", id, "remote_id", remoteID,
		"size", humanize.IBytes(uint64(file.Size)))
}

func (c *Composer) finishFailed(ctx context.Context, id string, file domain.FileSource, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		c.metrics.Upload(metrics.OutcomeCancelled, file.Size)
		return
	}
	c.metrics.Upload(metrics.OutcomeError, file.Size)
	c.logger.Warn("attachment upload failed", "id", id, "file", file.Name, "error", err)
	_ = c.Fail(id, err)
}

// Begin moves a pending attachment to uploading.
func (c *Composer) Begin(id string) error {
	return c.transition("Composer.Begin", id, func(a *domain.Attachment) error {
		if a.Status != domain.AttachmentPending {
			return fmt.Errorf("cannot begin from %s", a.Status)
		}
		a.Status = domain.AttachmentUploading
		return nil
	})
}

// Complete marks an attachment uploaded.
func (c *Composer) Complete(id, remoteID, url string) error {
	return c.transition("Composer.Complete", id, func(a *domain.Attachment) error {
		if a.Status.Terminal() {
			return fmt.Errorf("already %s", a.Status)
		}
		a.Status = domain.AttachmentUploaded
		a.RemoteID = remoteID
		a.URL = url
		a.Progress = 1
		a.Error = ""
		return nil
	})
}

// Fail marks an attachment failed. The attachment stays listed so the user
// sees the failure; it is left out of the finalized message.
func (c *Composer) Fail(id string, cause error) error {
	return c.transition("Composer.Fail", id, func(a *domain.Attachment) error {
		if a.Status.Terminal() {
			return fmt.Errorf("already %s", a.Status)
		}
		a.Status = domain.AttachmentFailed
		if cause != nil {
			a.Error = cause.Error()
		}
		return nil
	})
}

func (c *Composer) progress(id string, fraction float64) {
	_ = c.transition("Composer.progress", id, func(a *domain.Attachment) error {
		if a.Status != domain.AttachmentUploading {
			return errors.New("not uploading")
		}
		a.Progress = min(max(fraction, 0), 1)
		return nil
	})
}

func (c *Composer) transition(op, id string, fn func(*domain.Attachment) error) error {
	return c.mutate(func(items []domain.Attachment) ([]domain.Attachment, change, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, change{}, domain.NewDomainError(op, domain.ErrAttachmentNotFound, id)
		}
		next := items[i]
		if err := fn(&next); err != nil {
			return nil, change{}, domain.NewSubSystemError("attachment", op, domain.ErrInvalidInput, err.Error())
		}
		if next.Status.Terminal() {
			if cancel, ok := c.cancels[id]; ok {
				cancel()
				delete(c.cancels, id)
			}
		}
		out := append([]domain.Attachment(nil), items...)
		out[i] = next
		return out, change{att: next}, nil
	})
}

// Remove drops an attachment immediately. An upload in progress is
// cancelled; an uploaded file is deleted remotely in the background and a
// failed deletion is only logged.
func (c *Composer) Remove(id string) error {
	var removed domain.Attachment
	err := c.mutate(func(items []domain.Attachment) ([]domain.Attachment, change, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, change{}, domain.NewDomainError("Composer.Remove", domain.ErrAttachmentNotFound, id)
		}
		removed = items[i]
		if cancel, ok := c.cancels[id]; ok {
			cancel()
			delete(c.cancels, id)
		}
		out := make([]domain.Attachment, 0, len(items)-1)
		out = append(out, items[:i]...)
		return append(out, items[i+1:]...), change{att: removed, removed: true}, nil
	})
	if err != nil {
		return err
	}
	if removed.RemoteID != "" {
		c.deleteRemote(removed.RemoteID)
	}
	return nil
}

func (c *Composer) deleteRemote(remoteID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		if err := c.store.Delete(ctx, remoteID); err != nil {
			c.logger.Warn("remote attachment delete failed", "remote_id", remoteID, "error", err)
		}
	}()
}

// Attachments returns the current list. The slice is shared and must not
// be modified.
func (c *Composer) Attachments() []domain.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items
}

// Ready reports whether no attachment is pending or uploading.
func (c *Composer) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ready(c.items)
}

func ready(items []domain.Attachment) bool {
	for _, a := range items {
		if !a.Status.Terminal() {
			return false
		}
	}
	return true
}

// Wait blocks until Ready or ctx is done.
func (c *Composer) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if ready(c.items) {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Finalize hands the uploaded attachments to the outgoing message and
// clears the composer. It fails with ErrAttachmentsPending while any upload
// is still running. Failed attachments are dropped.
func (c *Composer) Finalize() ([]domain.Attachment, error) {
	var out []domain.Attachment
	err := c.mutate(func(items []domain.Attachment) ([]domain.Attachment, change, error) {
		if !ready(items) {
			return nil, change{}, domain.NewDomainError("Composer.Finalize", domain.ErrAttachmentsPending,
				fmt.Sprintf("%d attachment(s) uploading", pendingCount(items)))
		}
		for _, a := range items {
			if a.Status == domain.AttachmentUploaded {
				out = append(out, a)
			}
		}
		return nil, change{}, nil
	})
	return out, err
}

// Take removes every settled attachment and returns the uploaded ones for
// the outgoing message. Attachments still uploading stay for the next
// message, so Take never fails.
func (c *Composer) Take() []domain.Attachment {
	var out []domain.Attachment
	_ = c.mutate(func(items []domain.Attachment) ([]domain.Attachment, change, error) {
		var rest []domain.Attachment
		for _, a := range items {
			switch {
			case a.Status == domain.AttachmentUploaded:
				out = append(out, a)
			case !a.Status.Terminal():
				rest = append(rest, a)
			}
		}
		return rest, change{}, nil
	})
	return out
}

// Restore puts attachments returned by Take back in front of the list,
// for a message that was never sent. Ids already present are skipped.
func (c *Composer) Restore(atts []domain.Attachment) {
	if len(atts) == 0 {
		return
	}
	_ = c.mutate(func(items []domain.Attachment) ([]domain.Attachment, change, error) {
		out := make([]domain.Attachment, 0, len(atts)+len(items))
		for _, a := range atts {
			if indexOf(items, a.ID) < 0 {
				out = append(out, a)
			}
		}
		return append(out, items...), change{}, nil
	})
}

func pendingCount(items []domain.Attachment) int {
	n := 0
	for _, a := range items {
		if !a.Status.Terminal() {
			n++
		}
	}
	return n
}

// Subscribe registers fn for list changes. Listeners must not call back
// into the Composer's mutating methods.
func (c *Composer) Subscribe(fn Listener) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close cancels running uploads and waits for background work to finish.
func (c *Composer) Close() {
	c.mu.Lock()
	for id, cancel := range c.cancels {
		cancel()
		delete(c.cancels, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// change describes one attachment touched by a mutation.
type change struct {
	att     domain.Attachment
	removed bool
}

// mutate replaces the list with fn's result under the lock, then notifies
// listeners and the bus. fn must not modify its argument.
func (c *Composer) mutate(fn func([]domain.Attachment) ([]domain.Attachment, change, error)) error {
	c.mu.Lock()
	next, ch, err := fn(c.items)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.items = next
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	c.notify(ch)
	return nil
}

func (c *Composer) notify(ch change) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	snap := c.items
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
	if c.bus != nil && ch.att.ID != "" {
		c.bus.Publish(context.Background(), domain.NewEvent(domain.EventAttachmentUpdated, "",
			domain.AttachmentEventPayload{Attachment: ch.att, Removed: ch.removed}))
	}
}

func indexOf(items []domain.Attachment, id string) int {
	for i, a := range items {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func appendCopy(items []domain.Attachment, a domain.Attachment) []domain.Attachment {
	out := make([]domain.Attachment, len(items), len(items)+1)
	copy(out, items)
	return append(out, a)
}
