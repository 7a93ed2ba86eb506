package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/metrics"
	"assistant-chat/internal/usecase/stream"
	"assistant-chat/internal/usecase/threadstore"
)

// maxContentLength bounds the text of one message sent through the gateway.
const maxContentLength = 64 << 10

// HandlerDeps holds dependencies needed by RPC handlers. Metrics and
// BreakerState may be nil.
type HandlerDeps struct {
	Registry     *threadstore.Registry
	Orchestrator *stream.Orchestrator
	Metrics      *metrics.Metrics
	BreakerState func() string
}

// RegisterRESTHandlers registers /healthz and /metrics.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHTTPRoute("/healthz", healthHandler(deps, time.Now()))
	s.RegisterHTTPRoute("/metrics", deps.Metrics.Handler())
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("threads.list", threadsListHandler(deps))
	s.RegisterHandler("threads.create", threadsCreateHandler(deps))
	s.RegisterHandler("threads.switch", threadsSwitchHandler(deps))
	s.RegisterHandler("threads.delete", threadsDeleteHandler(deps))
	s.RegisterHandler("thread.get", threadGetHandler(deps))
	s.RegisterHandler("message.send", messageSendHandler(deps))
	s.RegisterHandler("turn.cancel", turnCancelHandler(deps))
}

// decode unmarshals payload into req and validates it. An empty payload
// decodes as an empty object.
func decode(method string, payload json.RawMessage, req validation.Validatable) error {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, req); err != nil {
			return domain.NewDomainError(method, domain.ErrRPCInvalidPayload, err.Error())
		}
	}
	if err := req.Validate(); err != nil {
		return domain.NewDomainError(method, domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

// --- threads ---

type threadsListResponse struct {
	Current string              `json:"current"`
	Threads []domain.ThreadInfo `json:"threads"`
}

func threadsListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(threadsListResponse{
			Current: deps.Registry.Current(),
			Threads: deps.Registry.List(),
		})
	}
}

type threadsCreateRequest struct {
	Title  string `json:"title"`
	Switch bool   `json:"switch"`
}

func (r *threadsCreateRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Title, validation.Length(0, 200)),
	)
}

func threadsCreateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req threadsCreateRequest
		if err := decode("threads.create", payload, &req); err != nil {
			return nil, err
		}
		th, err := deps.Registry.Create(ctx, req.Title)
		if err != nil {
			return nil, err
		}
		if req.Switch {
			if err := deps.Registry.Switch(th.ID); err != nil {
				return nil, err
			}
		}
		return json.Marshal(th)
	}
}

type threadRef struct {
	ThreadID string `json:"thread_id"`
}

func (r *threadRef) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ThreadID, validation.Required),
	)
}

func threadsSwitchHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req threadRef
		if err := decode("threads.switch", payload, &req); err != nil {
			return nil, err
		}
		if err := deps.Registry.Switch(req.ThreadID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"current": deps.Registry.Current()})
	}
}

func threadsDeleteHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req threadRef
		if err := decode("threads.delete", payload, &req); err != nil {
			return nil, err
		}
		if err := deps.Registry.Delete(req.ThreadID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"deleted": true, "current": deps.Registry.Current()})
	}
}

type threadGetRequest struct {
	ThreadID string `json:"thread_id"` // empty: current thread
}

func (r *threadGetRequest) Validate() error { return nil }

func threadGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req threadGetRequest
		if err := decode("thread.get", payload, &req); err != nil {
			return nil, err
		}
		id := req.ThreadID
		if id == "" {
			id = deps.Registry.Current()
		}
		th, err := deps.Registry.Snapshot(id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(th)
	}
}

// --- messages ---

type messageSendRequest struct {
	ThreadID      string   `json:"thread_id"` // empty: current thread
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids"`
}

func (r *messageSendRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Content,
			validation.When(len(r.AttachmentIDs) == 0, validation.Required),
			validation.Length(0, maxContentLength),
		),
		validation.Field(&r.AttachmentIDs, validation.Each(validation.Required)),
	)
}

type messageSendResponse struct {
	TurnID        string `json:"turn_id"`
	ThreadID      string `json:"thread_id"`
	UserMessageID string `json:"user_message_id"`
}

// messageSendHandler starts a turn and returns immediately; the response
// arrives as thread.snapshot and turn.state events.
func messageSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req messageSendRequest
		if err := decode("message.send", payload, &req); err != nil {
			return nil, err
		}
		in := stream.Input{Text: req.Content}
		for _, id := range req.AttachmentIDs {
			in.Attachments = append(in.Attachments, domain.Attachment{
				ID:       id,
				RemoteID: id,
				Status:   domain.AttachmentUploaded,
				Progress: 1,
			})
		}
		// The turn outlives the connection that started it.
		turn, err := deps.Orchestrator.Submit(context.WithoutCancel(ctx), req.ThreadID, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(messageSendResponse{
			TurnID:        turn.ID,
			ThreadID:      turn.ThreadID,
			UserMessageID: turn.UserMessageID,
		})
	}
}

func turnCancelHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req threadGetRequest
		if err := decode("turn.cancel", payload, &req); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"cancelled": deps.Orchestrator.Cancel(req.ThreadID)})
	}
}

// --- REST ---

// HealthResponse is the JSON body returned by GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"` // ok | degraded
	UptimeSeconds int64  `json:"uptime_seconds"`
	CurrentThread string `json:"current_thread"`
	Threads       int    `json:"threads"`
	Running       int    `json:"running"`
	Breaker       string `json:"breaker,omitempty"`
}

func healthHandler(deps HandlerDeps, startTime time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		threads := deps.Registry.List()
		resp := HealthResponse{
			Status:        "ok",
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			CurrentThread: deps.Registry.Current(),
			Threads:       len(threads),
		}
		for _, t := range threads {
			if t.Running {
				resp.Running++
			}
		}
		if deps.BreakerState != nil {
			resp.Breaker = deps.BreakerState()
			if resp.Breaker == "open" {
				resp.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}
