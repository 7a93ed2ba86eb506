package agentapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/config"
)

func source(name, typ, content string) domain.FileSource {
	return domain.FileSource{
		Name: name,
		Type: typ,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
	}
}

type uploadRecorder struct {
	mu       sync.Mutex
	filename string
	ctype    string
	content  string
	deleted  []string
}

func (u *uploadRecorder) record(t *testing.T, r *http.Request) {
	f, hdr, err := r.FormFile("file")
	if !assert.NoError(t, err) {
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	u.mu.Lock()
	u.filename = hdr.Filename
	u.ctype = hdr.Header.Get("Content-Type")
	u.content = string(data)
	u.mu.Unlock()
}

func (u *uploadRecorder) got() (filename, ctype, content string, deleted []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.filename, u.ctype, u.content, append([]string(nil), u.deleted...)
}

func TestThreadAttachments(t *testing.T) {
	rec := &uploadRecorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/attachment/t1/upload", func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		io.WriteString(w, `"att-1"`)
	})
	mux.HandleFunc("GET /threads/attachment/att-1/metadata", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"id":"att-1","name":"cat.png","mime_type":"image/png","url":"http://cdn/att-1"}`)
	})
	mux.HandleFunc("DELETE /threads/attachment/att-1", func(w http.ResponseWriter, _ *http.Request) {
		rec.mu.Lock()
		rec.deleted = append(rec.deleted, "att-1")
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)
	store := NewAttachmentStore(c, config.SurfaceThread)

	var progress []float64
	id, err := store.Upload(context.Background(), "t1", source(`my "cat".png`, "image/png", "PNGDATA"),
		func(f float64) { progress = append(progress, f) })
	require.NoError(t, err)
	assert.Equal(t, "att-1", id)
	filename, ctype, content, _ := rec.got()
	assert.Equal(t, `my "cat".png`, filename)
	assert.Equal(t, "image/png", ctype)
	assert.Equal(t, "PNGDATA", content)
	require.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])

	u, err := store.URL(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/att-1", u)

	require.NoError(t, store.Delete(context.Background(), id))
	_, _, _, deleted := rec.got()
	assert.Equal(t, []string{"att-1"}, deleted)

	_, err = store.URL(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrAttachmentNotFound)
}

func TestThreadAttachmentsNeedRealThread(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	store := NewAttachmentStore(c, config.SurfaceThread)

	_, err := store.Upload(context.Background(), domain.DefaultThreadID, source("a.png", "image/png", "x"), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, hits.Load())
}

func TestImageAttachments(t *testing.T) {
	rec := &uploadRecorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /images/u1/upload", func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		io.WriteString(w, `{"id":"img-7"}`)
	})
	mux.HandleFunc("GET /images/img-7/info", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"id":"img-7","name":"dog.jpg","mime_type":"image/jpeg"}`)
	})
	mux.HandleFunc("DELETE /images/img-7", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)
	store := NewAttachmentStore(c, config.SurfaceImage)

	id, err := store.Upload(context.Background(), "", source("dog.jpg", "", "JPEG"), nil)
	require.NoError(t, err)
	assert.Equal(t, "img-7", id)
	_, ctype, _, _ := rec.got()
	assert.Equal(t, "application/octet-stream", ctype)

	u, err := store.URL(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "/images/img-7/show"), u)

	info, err := store.(*ImageAttachments).Info(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", info.MimeType)

	require.NoError(t, store.Delete(context.Background(), id))
	assert.ErrorIs(t, store.Delete(context.Background(), "other"), domain.ErrAttachmentNotFound)
}

func TestUploadServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, "too big", http.StatusRequestEntityTooLarge)
	}))
	store := NewAttachmentStore(c, config.SurfaceThread)
	_, err := store.Upload(context.Background(), "t1", source("a.png", "image/png", "x"), nil)
	assert.ErrorIs(t, err, domain.ErrLimitReached)
}

func TestProgressReader(t *testing.T) {
	var got []float64
	pr := &progressReader{r: strings.NewReader(strings.Repeat("x", 1000)), total: 1000,
		fn: func(f float64) { got = append(got, f) }}
	buf := make([]byte, 250)
	for {
		if _, err := pr.Read(buf); err != nil {
			break
		}
	}
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, got)
}
