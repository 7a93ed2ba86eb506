package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateStream(cfg, ve)
	validateAttachments(cfg, ve)
	validateCircuitBreaker(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.BaseURL == "" {
		ve.Add("server.base_url must not be empty")
	} else if !isHTTPURL(cfg.Server.BaseURL) {
		ve.Add("server.base_url %q must be an http(s) URL", cfg.Server.BaseURL)
	}
	if cfg.Server.ImagesURL != "" && !isHTTPURL(cfg.Server.ImagesURL) {
		ve.Add("server.images_url %q must be an http(s) URL", cfg.Server.ImagesURL)
	}
	if cfg.Server.UserID == "" {
		ve.Add("server.user_id must not be empty")
	}
	if cfg.Server.Timeout <= 0 {
		ve.Add("server.timeout must be > 0")
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

var validPayloadStyles = map[string]bool{
	PayloadAttachmentID: true,
	PayloadAttachment:   true,
	PayloadAttachments:  true,
}

func validateStream(cfg *Config, ve *ValidationError) {
	s := cfg.Stream
	if s.IdleTimeout <= 0 {
		ve.Add("stream.idle_timeout must be > 0")
	}
	if s.TurnTimeout <= 0 {
		ve.Add("stream.turn_timeout must be > 0")
	}
	if s.TurnTimeout > 0 && s.IdleTimeout > s.TurnTimeout {
		ve.Add("stream.idle_timeout (%s) must not exceed stream.turn_timeout (%s)", s.IdleTimeout, s.TurnTimeout)
	}
	if s.ReadBufferSize <= 0 {
		ve.Add("stream.read_buffer_size must be > 0")
	}
	if s.MaxUnitBytes <= 0 {
		ve.Add("stream.max_unit_bytes must be > 0")
	}
	if !validPayloadStyles[s.PayloadStyle] {
		ve.Add("stream.payload_style %q is invalid (want attachment_id, attachment, or attachments)", s.PayloadStyle)
	}
}

func validateAttachments(cfg *Config, ve *ValidationError) {
	a := cfg.Attachments
	if a.Surface != SurfaceThread && a.Surface != SurfaceImage {
		ve.Add("attachments.surface %q is invalid (want thread or image)", a.Surface)
	}
	if a.MaxSizeBytes <= 0 {
		ve.Add("attachments.max_size_bytes must be > 0")
	}
	for i, pattern := range a.Accept {
		if !strings.Contains(pattern, "/") {
			ve.Add("attachments.accept[%d] %q is not a MIME pattern", i, pattern)
		}
	}
	if a.UploadsPerSecond <= 0 {
		ve.Add("attachments.uploads_per_second must be > 0")
	}
	if a.Burst <= 0 {
		ve.Add("attachments.burst must be > 0")
	}
}

func validateCircuitBreaker(cfg *Config, ve *ValidationError) {
	cb := cfg.CircuitBreaker
	if !cb.Enabled {
		return
	}
	if cb.MaxFailures == 0 {
		ve.Add("circuit_breaker.max_failures must be > 0 when enabled")
	}
	if cb.Timeout <= 0 {
		ve.Add("circuit_breaker.timeout must be > 0 when enabled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout", "file":
	default:
		ve.Add("tracer.exporter %q is invalid (want noop, stdout, or file)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.Exporter == "file" && cfg.Tracer.Endpoint == "" {
		ve.Add("tracer.endpoint is required for the file exporter")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	host, _, err := net.SplitHostPort(cfg.Gateway.Addr)
	if err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
		return
	}
	if cfg.Gateway.Token == "" && !isLoopback(host) {
		ve.Add("gateway.token is required when gateway.addr is not a loopback address")
	}
	if cfg.Gateway.RequestsPerMin < 0 || cfg.Gateway.Burst < 0 {
		ve.Add("gateway.requests_per_min and gateway.burst must not be negative")
	}
	if cfg.Gateway.RequestsPerMin > 0 && cfg.Gateway.Burst == 0 {
		ve.Add("gateway.burst must be positive when gateway.requests_per_min is set")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
