package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Stream         StreamConfig         `yaml:"stream"`
	Attachments    AttachmentsConfig    `yaml:"attachments"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	TUI            TUIConfig            `yaml:"tui"`
}

// ServerConfig locates the agent server.
type ServerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ImagesURL    string        `yaml:"images_url,omitempty"` // default: {base_url}/images
	UserID       string        `yaml:"user_id"`
	Timeout      time.Duration `yaml:"timeout"` // non-streaming requests only
	MaxIdleConns int           `yaml:"max_idle_conns"`
	IdleConnTTL  time.Duration `yaml:"idle_conn_ttl"`
	UserAgent    string        `yaml:"user_agent,omitempty"`
}

// Payload styles for the send-message body.
const (
	PayloadAttachmentID = "attachment_id"
	PayloadAttachment   = "attachment"
	PayloadAttachments  = "attachments"
)

// StreamConfig holds response streaming settings.
type StreamConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // max silence between reads
	TurnTimeout    time.Duration `yaml:"turn_timeout"`     // max duration of one response
	ReadBufferSize int           `yaml:"read_buffer_size"` // bytes per body read
	MaxUnitBytes   int           `yaml:"max_unit_bytes"`   // largest accepted serialized chunk
	PayloadStyle   string        `yaml:"payload_style"`    // attachment_id | attachment | attachments
	StrictSchema   bool          `yaml:"strict_schema"`
}

// Attachment surfaces.
const (
	SurfaceThread = "thread"
	SurfaceImage  = "image"
)

// AttachmentsConfig holds upload settings.
type AttachmentsConfig struct {
	Surface          string   `yaml:"surface"` // thread | image
	MaxSizeBytes     int64    `yaml:"max_size_bytes"`
	Accept           []string `yaml:"accept"` // MIME patterns, e.g. "image/*"
	UploadsPerSecond float64  `yaml:"uploads_per_second"`
	Burst            int      `yaml:"burst"`
}

// CircuitBreakerConfig holds circuit breaker settings for agent server requests.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig holds prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// GatewayConfig holds local WebSocket gateway settings.
type GatewayConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	Token          string `yaml:"token,omitempty"` // empty: no auth, loopback addresses only
	RequestsPerMin int    `yaml:"requests_per_min"` // per client IP; 0 disables limiting
	Burst          int    `yaml:"burst"`
}

// TUIConfig holds terminal UI settings.
type TUIConfig struct {
	ShowToolArgs bool   `yaml:"show_tool_args"`
	LogFile      string `yaml:"log_file"` // logger output while the TUI owns the terminal
}

// defaultDataDir returns the persistent data directory under $HOME/.assistantchat.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".assistantchat")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:      "http://localhost:8000",
			UserID:       "local",
			Timeout:      30 * time.Second,
			MaxIdleConns: 10,
			IdleConnTTL:  90 * time.Second,
		},
		Stream: StreamConfig{
			IdleTimeout:    60 * time.Second,
			TurnTimeout:    10 * time.Minute,
			ReadBufferSize: 4096,
			MaxUnitBytes:   4 << 20,
			PayloadStyle:   PayloadAttachmentID,
		},
		Attachments: AttachmentsConfig{
			Surface:          SurfaceThread,
			MaxSizeBytes:     5 << 20,
			Accept:           []string{"image/*"},
			UploadsPerSecond: 2,
			Burst:            4,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "assistantchat",
		},
		Gateway: GatewayConfig{
			Enabled:        false,
			Addr:           "127.0.0.1:8765",
			RequestsPerMin: 120,
			Burst:          20,
		},
		TUI: TUIConfig{
			LogFile: filepath.Join(defaultDataDir(), "chat.log"),
		},
	}
}

// ImagesBaseURL returns the image service root.
func (s ServerConfig) ImagesBaseURL() string {
	if s.ImagesURL != "" {
		return strings.TrimRight(s.ImagesURL, "/")
	}
	return strings.TrimRight(s.BaseURL, "/") + "/images"
}

// Load reads a YAML config file and applies env var overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ASSISTANTCHAT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASSISTANTCHAT_SERVER_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("ASSISTANTCHAT_SERVER_IMAGES_URL"); v != "" {
		cfg.Server.ImagesURL = v
	}
	if v := os.Getenv("ASSISTANTCHAT_SERVER_USER_ID"); v != "" {
		cfg.Server.UserID = v
	}
	if v := os.Getenv("ASSISTANTCHAT_STREAM_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Stream.IdleTimeout = d
		}
	}
	if v := os.Getenv("ASSISTANTCHAT_STREAM_TURN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Stream.TurnTimeout = d
		}
	}
	if v := os.Getenv("ASSISTANTCHAT_STREAM_PAYLOAD_STYLE"); v != "" {
		cfg.Stream.PayloadStyle = v
	}
	if v := os.Getenv("ASSISTANTCHAT_STREAM_STRICT_SCHEMA"); v == "true" {
		cfg.Stream.StrictSchema = true
	}
	if v := os.Getenv("ASSISTANTCHAT_ATTACHMENTS_SURFACE"); v != "" {
		cfg.Attachments.Surface = v
	}
	if v := os.Getenv("ASSISTANTCHAT_ATTACHMENTS_MAX_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Attachments.MaxSizeBytes = n
		}
	}
	if v := os.Getenv("ASSISTANTCHAT_ATTACHMENTS_MAX_SIZE"); v != "" {
		// Human-readable form, e.g. "10MB" or "512 KiB".
		if n, err := humanize.ParseBytes(v); err == nil && n > 0 {
			cfg.Attachments.MaxSizeBytes = int64(n)
		}
	}
	if v := os.Getenv("ASSISTANTCHAT_ATTACHMENTS_ACCEPT"); v != "" {
		cfg.Attachments.Accept = splitAndTrim(v, ",")
	}
	if v := os.Getenv("ASSISTANTCHAT_CIRCUIT_BREAKER_ENABLED"); v == "false" {
		cfg.CircuitBreaker.Enabled = false
	}
	if v := os.Getenv("ASSISTANTCHAT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ASSISTANTCHAT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ASSISTANTCHAT_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("ASSISTANTCHAT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ASSISTANTCHAT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("ASSISTANTCHAT_METRICS_ENABLED"); v == "false" {
		cfg.Metrics.Enabled = false
	}
	if v := os.Getenv("ASSISTANTCHAT_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("ASSISTANTCHAT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("ASSISTANTCHAT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("ASSISTANTCHAT_TUI_LOG_FILE"); v != "" {
		cfg.TUI.LogFile = v
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
