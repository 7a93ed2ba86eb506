package main

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"assistant-chat/internal/infra/config"
)

func TestCheckConfigFile_NotFound(t *testing.T) {
	fn := checkConfigFile("/nonexistent/path/config.yaml", nil)
	result := fn(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
}

func TestCheckConfigFile_Invalid(t *testing.T) {
	fn := checkConfigFile("config.yaml", &config.ValidationError{Errors: []string{"stream.payload_style: bogus"}})
	result := fn(nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for invalid config, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for invalid config")
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("logger:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	result := checkConfigFile(cfgPath, nil)(nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS for valid config, got %s: %s", result.Status, result.Message)
	}
}

func TestChecksWithNilConfig(t *testing.T) {
	for name, fn := range map[string]func(*config.Config) CheckResult{
		"server":      checkServer,
		"attachments": checkAttachments,
		"log file":    checkLogFile,
		"gateway":     checkGateway,
	} {
		if got := fn(nil).Status; got != StatusFail {
			t.Errorf("%s: expected FAIL for nil config, got %s", name, got)
		}
	}
}

func TestCheckServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Server.BaseURL = srv.URL
	if got := checkServer(cfg); got.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", got.Status, got.Message)
	}

	srv.Close()
	if got := checkServer(cfg); got.Status != StatusFail {
		t.Errorf("expected FAIL for closed server, got %s", got.Status)
	}
}

func TestCheckAttachments(t *testing.T) {
	cfg := config.Defaults()
	if got := checkAttachments(cfg); got.Status != StatusPass {
		t.Errorf("defaults: expected PASS, got %s", got.Status)
	}

	cfg.Attachments.Accept = nil
	if got := checkAttachments(cfg); got.Status != StatusWarn {
		t.Errorf("accept all: expected WARN, got %s", got.Status)
	}
}

func TestCheckLogFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.TUI.LogFile = filepath.Join(t.TempDir(), "logs", "chat.log")
	if got := checkLogFile(cfg); got.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", got.Status, got.Message)
	}

	cfg.TUI.LogFile = ""
	if got := checkLogFile(cfg); got.Status != StatusWarn {
		t.Errorf("expected WARN without log file, got %s", got.Status)
	}
}

func TestCheckGateway(t *testing.T) {
	cfg := config.Defaults()
	if got := checkGateway(cfg); got.Status != StatusPass {
		t.Errorf("disabled: expected PASS, got %s", got.Status)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = ln.Addr().String()
	if got := checkGateway(cfg); got.Status != StatusFail {
		t.Errorf("port in use: expected FAIL, got %s", got.Status)
	}

	cfg.Gateway.Addr = "127.0.0.1:0"
	if got := checkGateway(cfg); got.Status != StatusPass {
		t.Errorf("free port: expected PASS, got %s: %s", got.Status, got.Message)
	}
}

func TestStatusIcon(t *testing.T) {
	tests := map[CheckStatus]string{
		StatusPass:  "[PASS]",
		StatusWarn:  "[WARN]",
		StatusFail:  "[FAIL]",
		"something": "[????]",
	}
	for status, want := range tests {
		if got := statusIcon(status); got != want {
			t.Errorf("statusIcon(%q) = %q, want %q", status, got, want)
		}
	}
}
