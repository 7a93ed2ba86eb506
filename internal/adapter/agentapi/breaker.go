package agentapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// breaker guards request initiation. Only the round trip and status check
// run inside it; a stream that fails after the headers arrived does not
// count against the server.
type breaker struct {
	cb *gobreaker.CircuitBreaker[*http.Response]
}

func newBreaker(name string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *breaker {
	if !cfg.Enabled {
		return nil
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	return &breaker{cb: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one trial request while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: countsAsSuccess,
	})}
}

// countsAsSuccess keeps client-side outcomes (4xx, cancellation) from
// tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return !(errors.Is(err, domain.ErrTransport) || errors.Is(err, domain.ErrRateLimit) ||
		errors.Is(err, context.DeadlineExceeded))
}

func (b *breaker) execute(fn func() (*http.Response, error)) (*http.Response, error) {
	if b == nil {
		return fn()
	}
	resp, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCircuitOpen, b.cb.Name(), err)
	}
	return resp, err
}

// State reports the breaker state for monitoring; "disabled" when off.
func (b *breaker) State() string {
	if b == nil {
		return "disabled"
	}
	return b.cb.State().String()
}
