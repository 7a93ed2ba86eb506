package attachment

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-chat/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	uploads   int
	threads   []string
	deleted   []string
	block     chan struct{}
	uploadErr error
	deleteErr error
}

func (s *fakeStore) Upload(ctx context.Context, threadID string, file domain.FileSource, progress domain.ProgressFunc) (string, error) {
	s.mu.Lock()
	s.uploads++
	s.threads = append(s.threads, threadID)
	block, uploadErr := s.block, s.uploadErr
	s.mu.Unlock()

	progress(0.5)
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if uploadErr != nil {
		return "", uploadErr
	}
	return "remote-" + file.Name, nil
}

func (s *fakeStore) URL(_ context.Context, remoteID string) (string, error) {
	return "http://images/" + remoteID + "/show", nil
}

func (s *fakeStore) Delete(_ context.Context, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, remoteID)
	return s.deleteErr
}

func (s *fakeStore) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
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

func file(name, typ string, size int64) domain.FileSource {
	return domain.FileSource{
		Name: name,
		Type: typ,
		Size: size,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("data")), nil },
	}
}

func waitReady(t *testing.T, c *Composer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestAddUploadsAndFinalizes(t *testing.T) {
	store := &fakeStore{}
	c := NewComposer(store, Options{MaxSizeBytes: 1 << 20, Accept: []string{"image/*"}}, nil, nil, nil)
	defer c.Close()

	att := c.Add(context.Background(), "thread-1", file("cat.png", "image/png", 100))
	assert.Equal(t, domain.AttachmentPending, att.Status)
	assert.NotEmpty(t, att.ID)

	waitReady(t, c)
	list := c.Attachments()
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, domain.AttachmentUploaded, got.Status)
	assert.Equal(t, "remote-cat.png", got.RemoteID)
	assert.Equal(t, "http://images/remote-cat.png/show", got.URL)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, []string{"thread-1"}, store.threads)

	final, err := c.Finalize()
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Equal(t, att.ID, final[0].ID)
	assert.Empty(t, c.Attachments(), "composer is reset for the next message")
}

func TestAddOversizedFailsWithoutNetworkCall(t *testing.T) {
	store := &fakeStore{}
	c := NewComposer(store, Options{MaxSizeBytes: 1024}, nil, nil, nil)
	defer c.Close()

	att := c.Add(context.Background(), "thread-1", file("huge.png", "image/png", 2048))
	assert.Equal(t, domain.AttachmentFailed, att.Status)
	assert.Contains(t, att.Error, "2.0 KiB")
	assert.Contains(t, att.Error, "1.0 KiB")
	assert.True(t, c.Ready(), "a failed attachment does not block submission")

	c.Close()
	assert.Equal(t, 0, store.uploadCount())

	final, err := c.Finalize()
	require.NoError(t, err)
	assert.Empty(t, final)
}

func TestAddRefusedTypeFailsWithoutNetworkCall(t *testing.T) {
	store := &fakeStore{}
	c := NewComposer(store, Options{Accept: []string{"image/*"}}, nil, nil, nil)
	defer c.Close()

	att := c.Add(context.Background(), "thread-1", file("notes.txt", "text/plain", 10))
	assert.Equal(t, domain.AttachmentFailed, att.Status)
	c.Close()
	assert.Equal(t, 0, store.uploadCount())
}

func TestFinalizeWhileUploading(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	c := NewComposer(store, Options{}, nil, nil, nil)
	defer c.Close()

	c.Add(context.Background(), "thread-1", file("a.png", "image/png", 10))
	c.Add(context.Background(), "thread-1", file("b.png", "image/png", 10))
	assert.False(t, c.Ready())

	_, err := c.Finalize()
	assert.ErrorIs(t, err, domain.ErrAttachmentsPending)
	assert.Len(t, c.Attachments(), 2, "a refused finalize keeps the attachments")

	close(store.block)
	waitReady(t, c)
	final, err := c.Finalize()
	require.NoError(t, err)
	assert.Len(t, final, 2)
}

func TestUploadsRunInParallel(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	c := NewComposer(store, Options{}, nil, nil, nil)
	defer c.Close()

	for _, name := range []string{"a.png", "b.png", "c.png"} {
		c.Add(context.Background(), "thread-1", file(name, "image/png", 10))
	}
	require.Eventually(t, func() bool {
		for _, a := range c.Attachments() {
			if a.Status != domain.AttachmentUploading || a.Progress != 0.5 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "all three uploads are in flight at once")
	assert.Equal(t, 3, store.uploadCount())
	close(store.block)
	waitReady(t, c)
}

func TestUploadFailureIsRecorded(t *testing.T) {
	store := &fakeStore{uploadErr: domain.NewDomainError("upload", domain.ErrTransport, "503")}
	c := NewComposer(store, Options{}, nil, nil, nil)
	defer c.Close()

	c.Add(context.Background(), "thread-1", file("a.png", "image/png", 10))
	waitReady(t, c)

	got := c.Attachments()[0]
	assert.Equal(t, domain.AttachmentFailed, got.Status)
	assert.Contains(t, got.Error, "503")

	final, err := c.Finalize()
	require.NoError(t, err)
	assert.Empty(t, final)
}

func TestRemoveDeletesRemoteInBackground(t *testing.T) {
	store := &fakeStore{deleteErr: errors.New("gone already")}
	c := NewComposer(store, Options{}, nil, nil, nil)

	att := c.Add(context.Background(), "thread-1", file("a.png", "image/png", 10))
	waitReady(t, c)

	require.NoError(t, c.Remove(att.ID), "a failed remote delete is not reported")
	assert.Empty(t, c.Attachments())

	c.Close()
	assert.Equal(t, []string{"remote-a.png"}, store.deleted)
}

func TestRemoveCancelsUpload(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	defer close(store.block)
	c := NewComposer(store, Options{}, nil, nil, nil)

	att := c.Add(context.Background(), "thread-1", file("a.png", "image/png", 10))
	require.Eventually(t, func() bool { return store.uploadCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Remove(att.ID))
	assert.Empty(t, c.Attachments())
	assert.True(t, c.Ready())

	c.Close()
	assert.Empty(t, store.deleted, "nothing was stored remotely")
	assert.ErrorIs(t, c.Remove(att.ID), domain.ErrAttachmentNotFound)
}

func TestExplicitTransitions(t *testing.T) {
	c := NewComposer(&fakeStore{}, Options{}, nil, nil, nil)
	defer c.Close()

	att := c.Add(context.Background(), "thread-1", file("a.png", "image/png", 10))
	waitReady(t, c)

	assert.ErrorIs(t, c.Begin(att.ID), domain.ErrInvalidInput)
	assert.ErrorIs(t, c.Fail(att.ID, nil), domain.ErrInvalidInput)
	assert.ErrorIs(t, c.Complete(att.ID, "x", "y"), domain.ErrInvalidInput)
	assert.ErrorIs(t, c.Complete("missing", "x", "y"), domain.ErrAttachmentNotFound)
	assert.Equal(t, "remote-a.png", c.Attachments()[0].RemoteID, "terminal attachments do not change")
}

func TestSubscribeAndEvents(t *testing.T) {
	bus := &recordingBus{}
	c := NewComposer(&fakeStore{}, Options{MaxSizeBytes: 100}, bus, nil, nil)
	defer c.Close()

	var (
		mu    sync.Mutex
		snaps [][]domain.Attachment
	)
	unsub := c.Subscribe(func(list []domain.Attachment) {
		mu.Lock()
		snaps = append(snaps, list)
		mu.Unlock()
	})

	c.Add(context.Background(), "thread-1", file("a.png", "image/png", 10))
	waitReady(t, c)
	c.Close()

	mu.Lock()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	mu.Unlock()
	require.Len(t, last, 1)
	assert.Equal(t, domain.AttachmentUploaded, last[0].Status)

	unsub()
	mu.Lock()
	n := len(snaps)
	mu.Unlock()
	c.Add(context.Background(), "thread-1", file("big.png", "image/png", 1000))
	mu.Lock()
	assert.Equal(t, n, len(snaps))
	mu.Unlock()

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.NotEmpty(t, bus.events)
	for _, e := range bus.events {
		assert.Equal(t, domain.EventAttachmentUpdated, e.Type)
	}
	assert.Contains(t, string(bus.events[len(bus.events)-1].Payload), `"failed"`)
}

func TestAccepts(t *testing.T) {
	tests := []struct {
		patterns []string
		mime     string
		want     bool
	}{
		{nil, "application/zip", true},
		{[]string{"image/*"}, "image/png", true},
		{[]string{"image/*"}, "IMAGE/JPEG", true},
		{[]string{"image/*"}, "text/plain", false},
		{[]string{"image/png"}, "image/png; charset=binary", true},
		{[]string{"image/png"}, "image/gif", false},
		{[]string{"*/*"}, "text/plain", true},
		{[]string{"image/*"}, "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Accepts(tt.patterns, tt.mime), "%v %q", tt.patterns, tt.mime)
	}
}

func TestTakeLeavesUploadsInProgress(t *testing.T) {
	store := &fakeStore{}
	c := NewComposer(store, Options{MaxSizeBytes: 1024}, nil, nil, nil)
	defer c.Close()

	ctx := context.Background()
	cat := c.Add(ctx, "thread-1", file("cat.png", "image/png", 100))
	c.Add(ctx, "thread-1", file("huge.png", "image/png", 4096))
	waitReady(t, c)

	release := make(chan struct{})
	store.mu.Lock()
	store.block = release
	store.mu.Unlock()
	defer close(release)
	slow := c.Add(ctx, "thread-1", file("slow.png", "image/png", 100))
	require.False(t, c.Ready())

	taken := c.Take()
	require.Len(t, taken, 1)
	assert.Equal(t, cat.ID, taken[0].ID)
	assert.Equal(t, "remote-cat.png", taken[0].RemoteID)

	left := c.Attachments()
	require.Len(t, left, 1, "the failed file is dropped, the running upload stays")
	assert.Equal(t, slow.ID, left[0].ID)

	assert.Empty(t, c.Take(), "an attachment is taken once")
}

func TestRestorePutsTakenAttachmentsBack(t *testing.T) {
	c := NewComposer(&fakeStore{}, Options{}, nil, nil, nil)
	defer c.Close()

	ctx := context.Background()
	c.Add(ctx, "thread-1", file("a.png", "image/png", 10))
	waitReady(t, c)
	taken := c.Take()
	require.Len(t, taken, 1)

	b := c.Add(ctx, "thread-1", file("b.png", "image/png", 10))
	waitReady(t, c)

	c.Restore(taken)
	c.Restore(taken)
	list := c.Attachments()
	require.Len(t, list, 2)
	assert.Equal(t, taken[0].ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.Equal(t, domain.AttachmentUploaded, list[0].Status)
}
