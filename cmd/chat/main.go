package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"assistant-chat/internal/adapter/tui/chat"
	"assistant-chat/internal/adapter/tui/theme"
	"assistant-chat/internal/infra/config"
	"assistant-chat/internal/infra/logger"
	"assistant-chat/internal/infra/tracer"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "", "chat":
		err = runChat(args)
	case "send":
		err = runSend(args)
	case "doctor":
		err = runDoctor(args)
	case "help":
		showUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'assistant-chat help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", commandName(cmd), err)
		os.Exit(1)
	}
}

func commandName(cmd string) string {
	if cmd == "" {
		return "chat"
	}
	return cmd
}

func showUsage() {
	fmt.Println(`assistant-chat - terminal client for a streaming agent server

USAGE:
    assistant-chat [COMMAND] [FLAGS]

COMMANDS:
    chat        Open the chat screen (default)
    send        Send one message and print the streamed answer
                assistant-chat send [--attach PATH]... [--thread ID] TEXT
    doctor      Check config, server and log file setup
    help        Show this help message

FLAGS:
    --config PATH      Config file (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml, or $ASSISTANTCHAT_CONFIG
    Environment: ASSISTANTCHAT_* variables override config; a .env file
                 in the working directory is loaded first

EXAMPLES:
    assistant-chat
    assistant-chat send "summarize this" --attach ./diagram.png
    ASSISTANTCHAT_GATEWAY_ENABLED=true assistant-chat`)
}

// configPath resolves --config, then $ASSISTANTCHAT_CONFIG, then ./config.yaml.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("ASSISTANTCHAT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runChat(args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.ForTUI(cfg.Logger, cfg.TUI)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Gateway.Enabled {
		a.StartGateway(ctx)
	}

	theme.InitSymbols()
	log.Info("assistant-chat starting",
		"server", cfg.Server.BaseURL,
		"surface", cfg.Attachments.Surface,
		"payload_style", cfg.Stream.PayloadStyle,
		"gateway", cfg.Gateway.Enabled,
	)

	return chat.Run(ctx, chat.ChatModelDeps{
		Threads:      a.registry,
		Sender:       a.orchestrator,
		Composer:     a.composer,
		Bus:          a.bus,
		Logger:       logger.Component(log, "tui"),
		ShowToolArgs: cfg.TUI.ShowToolArgs,
		BreakerState: a.client.BreakerState,
	})
}
