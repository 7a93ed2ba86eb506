package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-chat/internal/infra/config"
)

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "info", Format: "json"}))

	log.Info("test message", "key", "value")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %q, want %q", entry["msg"], "test message")
	}
}

func TestNewHandlerTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "warn", Format: "text"}))

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewFileOutputCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.log")
	log, closer, err := New(config.LoggerConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)

	log.Info("written to file")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "written to file"))
}

func TestForTUIRedirectsConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tui.log")
	log, closer, err := ForTUI(config.LoggerConfig{Level: "info", Output: "stderr"}, config.TUIConfig{LogFile: path})
	require.NoError(t, err)
	defer closer()

	log.Info("from tui")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "from tui")
}

func TestForTUIWithoutLogFileDiscards(t *testing.T) {
	log, closer, err := ForTUI(config.LoggerConfig{Output: "stdout"}, config.TUIConfig{})
	require.NoError(t, err)
	require.NoError(t, closer())
	log.Info("nowhere")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(slog.New(newHandler(&buf, config.LoggerConfig{Format: "json"})), "stream")
	log.Info("x")
	assert.Contains(t, buf.String(), `"component":"stream"`)
}
