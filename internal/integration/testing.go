package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"assistant-chat/internal/adapter/agentapi"
	"assistant-chat/internal/domain"
)

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// AgentServer is an in-process stand-in for the agent server. Replies are
// written as the given fragments, flushed one by one, so chunk boundaries
// land wherever the test puts them.
type AgentServer struct {
	*httptest.Server

	mu        sync.Mutex
	threads   int
	uploads   int
	requests  []domain.SendMessageRequest
	fragments []string
	gap       time.Duration
}

// NewAgentServer starts an AgentServer; it is closed with the test.
func NewAgentServer(t *testing.T) *AgentServer {
	t.Helper()
	a := &AgentServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{user}/create", a.createThread)
	mux.HandleFunc("POST /threads/attachment/{thread}/upload", a.upload)
	mux.HandleFunc("POST /threads/{thread}/messages", a.message)
	a.Server = httptest.NewServer(mux)
	t.Cleanup(a.Close)
	return a
}

// Reply sets the fragments of the next responses and the pause between them.
func (a *AgentServer) Reply(gap time.Duration, fragments ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fragments = fragments
	a.gap = gap
}

// Requests returns the decoded send-message bodies received so far.
func (a *AgentServer) Requests() []domain.SendMessageRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.SendMessageRequest(nil), a.requests...)
}

func (a *AgentServer) createThread(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	a.threads++
	n := a.threads
	a.mu.Unlock()
	fmt.Fprintf(w, `{"id":"thread-%d"}`, n)
}

func (a *AgentServer) upload(w http.ResponseWriter, r *http.Request) {
	if _, err := io.Copy(io.Discard, r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.uploads++
	n := a.uploads
	a.mu.Unlock()
	fmt.Fprintf(w, `"att-%d"`, n)
}

func (a *AgentServer) message(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := agentapi.DecodeSendMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	fragments, gap := a.fragments, a.gap
	a.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, f := range fragments {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(gap):
		}
		io.WriteString(w, f)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
