// Package agentapi talks to the remote agent server over HTTP.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/config"
	"assistant-chat/internal/infra/tracer"
)

// Default transport settings.
const (
	defaultTimeout      = 30 * time.Second
	defaultMaxIdleConns = 10
	defaultIdleConnTTL  = 90 * time.Second
	defaultUserAgent    = "assistant-chat"
)

// NewHTTPClient creates an *http.Client with a pooled transport. It sets no
// overall timeout because response streams stay open for a whole turn;
// non-streaming calls are bounded per request instead.
func NewHTTPClient(cfg config.ServerConfig) *http.Client {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	idleTTL := cfg.IdleConnTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleConnTTL
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        maxIdle,
			MaxIdleConnsPerHost: maxIdle,
			IdleConnTimeout:     idleTTL,
			ForceAttemptHTTP2:   true,
		},
	}
}

// Client implements domain.ThreadAPI against the agent server.
type Client struct {
	http      *http.Client
	baseURL   string
	imagesURL string
	userID    string
	userAgent string
	timeout   time.Duration
	style     string
	breaker   *breaker
	logger    *slog.Logger
}

// Options wires a Client.
type Options struct {
	Server         config.ServerConfig
	PayloadStyle   string
	CircuitBreaker config.CircuitBreakerConfig
	HTTPClient     *http.Client // nil builds one from Server
	Logger         *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = NewHTTPClient(opts.Server)
	}
	timeout := opts.Server.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := opts.Server.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		http:      hc,
		baseURL:   strings.TrimRight(opts.Server.BaseURL, "/"),
		imagesURL: strings.TrimRight(opts.Server.ImagesBaseURL(), "/"),
		userID:    opts.Server.UserID,
		userAgent: ua,
		timeout:   timeout,
		style:     opts.PayloadStyle,
		breaker:   newBreaker("agentapi", opts.CircuitBreaker, logger),
		logger:    logger,
	}
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() string { return c.breaker.State() }

// CreateThread implements domain.ThreadCreator.
func (c *Client) CreateThread(ctx context.Context, title string) (string, error) {
	body, err := json.Marshal(struct {
		Title string `json:"title"`
	}{title})
	if err != nil {
		return "", err
	}
	u := c.baseURL + "/threads/" + url.PathEscape(c.userID) + "/create"
	resp, err := c.doJSON(ctx, http.MethodPost, u, body, domain.ErrNotFound)
	if err != nil {
		return "", domain.WrapOp("agentapi.CreateThread", err)
	}
	id, err := decodeID(resp)
	if err != nil {
		return "", domain.WrapOp("agentapi.CreateThread", err)
	}
	c.logger.Debug("thread created", "thread_id", id)
	return id, nil
}

// StreamMessage implements domain.ThreadAPI. The returned body is the raw
// response stream; the caller closes it.
func (c *Client) StreamMessage(ctx context.Context, threadID string, req domain.SendMessageRequest) (io.ReadCloser, error) {
	const op = "agentapi.StreamMessage"
	if len(req.AttachmentIDs) > 1 && c.style != config.PayloadAttachments {
		c.logger.Warn("payload style carries one attachment, extra attachments are not sent",
			"style", c.style, "attachments", len(req.AttachmentIDs))
	}
	body, err := EncodeSendMessage(c.style, req)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	u := c.baseURL + "/threads/" + url.PathEscape(threadID) + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(httpReq, domain.ErrThreadNotFound)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return resp.Body, nil
}

// do sends req through the breaker and returns the response when the
// status is 2xx. Otherwise the body is drained, closed and mapped to an
// error using notFound for 404.
func (c *Client) do(req *http.Request, notFound error) (*http.Response, error) {
	ctx, span := tracer.StartSpan(req.Context(), "agentapi.request")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("http.method", req.Method),
		tracer.StringAttr("http.path", req.URL.Path),
	)
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.breaker.execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, transportError(ctx, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, mapHTTPError(resp.StatusCode, body, notFound)
		}
		return resp, nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.IntAttr("http.status", resp.StatusCode))
	tracer.SetOK(span)
	return resp, nil
}

// doJSON performs a bounded request with an optional JSON body and returns
// the response body.
func (c *Client) doJSON(ctx context.Context, method, u string, body []byte, notFound error) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, notFound)
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

var _ domain.ThreadAPI = (*Client)(nil)
