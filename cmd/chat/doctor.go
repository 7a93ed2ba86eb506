package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"assistant-chat/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor(args []string) error {
	cfgPath := configPath(args)

	// Some checks work without a loaded config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agent server", Fn: checkServer},
		{Name: "Attachments", Fn: checkAttachments},
		{Name: "TUI log file", Fn: checkLogFile},
		{Name: "Gateway", Fn: checkGateway},
	}

	fmt.Println("assistant-chat doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile returns a check for the config file. A missing file is
// only a warning since defaults and env vars are enough to run.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Fix %s or the ASSISTANTCHAT_* variables it names", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkServer verifies the agent server answers HTTP at all. Any status
// code counts as reachable.
func checkServer(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Server.BaseURL, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid server.base_url: %v", err)}
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.Server.BaseURL, err),
			Fix:     "Start the agent server or set ASSISTANTCHAT_SERVER_BASE_URL",
		}
	}
	resp.Body.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", cfg.Server.BaseURL, time.Since(start).Milliseconds()),
	}
}

// checkAttachments reports upload settings that are legal but unusual.
func checkAttachments(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	a := cfg.Attachments
	if len(a.Accept) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("surface %s accepts every file type", a.Surface),
			Fix:     "Set attachments.accept, e.g. [\"image/*\"]",
		}
	}
	if a.Surface == config.SurfaceImage && cfg.Stream.PayloadStyle == config.PayloadAttachments {
		return CheckResult{
			Status:  StatusWarn,
			Message: "image surface with payload style \"attachments\"; most image servers expect attachment_id",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("surface %s, accepts %s", a.Surface, strings.Join(a.Accept, ", ")),
	}
}

// checkLogFile verifies the TUI log file directory is writable.
func checkLogFile(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.TUI.LogFile == "" {
		return CheckResult{Status: StatusWarn, Message: "no log file, logs are discarded while the chat screen is open"}
	}
	dir := filepath.Dir(cfg.TUI.LogFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Set tui.log_file to a writable path",
		}
	}
	check := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(check, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", dir),
		}
	}
	os.Remove(check)
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("logging to %s", cfg.TUI.LogFile)}
}

// checkGateway verifies the gateway address can be bound.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Pick a free port in gateway.addr",
		}
	}
	ln.Close()
	auth := "no token"
	if cfg.Gateway.Token != "" {
		auth = "token auth"
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s available (%s)", cfg.Gateway.Addr, auth)}
}
