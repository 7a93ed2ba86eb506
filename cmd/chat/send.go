package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"assistant-chat/internal/domain"
	"assistant-chat/internal/infra/config"
	"assistant-chat/internal/infra/logger"
	"assistant-chat/internal/infra/tracer"
	"assistant-chat/internal/usecase/attachment"
	"assistant-chat/internal/usecase/stream"
	"assistant-chat/internal/usecase/threadstore"
)

// sendFlags holds the arguments of the send command.
type sendFlags struct {
	Text     string
	Attach   []string
	ThreadID string
}

// parseSendFlags reads --attach (repeatable), --thread and --config; the
// remaining words form the message text.
func parseSendFlags(args []string) (sendFlags, error) {
	var (
		f     sendFlags
		words []string
	)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--attach" || arg == "--thread" || arg == "--config":
			if i+1 >= len(args) {
				return f, fmt.Errorf("%s needs a value", arg)
			}
			i++
			switch arg {
			case "--attach":
				f.Attach = append(f.Attach, args[i])
			case "--thread":
				f.ThreadID = args[i]
			}
		case strings.HasPrefix(arg, "--attach="):
			f.Attach = append(f.Attach, strings.TrimPrefix(arg, "--attach="))
		case strings.HasPrefix(arg, "--thread="):
			f.ThreadID = strings.TrimPrefix(arg, "--thread=")
		case strings.HasPrefix(arg, "--config="):
		case strings.HasPrefix(arg, "--"):
			return f, fmt.Errorf("unknown flag: %s", arg)
		default:
			words = append(words, arg)
		}
	}
	f.Text = strings.Join(words, " ")
	if strings.TrimSpace(f.Text) == "" && len(f.Attach) == 0 {
		return f, errors.New("nothing to send: give a message or --attach a file")
	}
	return f, nil
}

func runSend(args []string) error {
	flags, err := parseSendFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
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

	threadID := flags.ThreadID
	if threadID != "" {
		a.registry.Ensure(threadID, "")
	} else {
		t, err := a.registry.Create(ctx, "")
		if err != nil {
			return err
		}
		threadID = t.ID
	}

	atts, err := uploadAll(ctx, a.composer, threadID, flags.Attach)
	if err != nil {
		return err
	}

	p := newPrinter(os.Stdout)
	unsub := a.registry.Subscribe(func(c threadstore.Change) {
		if c.Kind == threadstore.ChangeSnapshot && c.ID == threadID {
			p.Print(c.Thread.Messages)
		}
	})
	defer unsub()

	turn, err := a.orchestrator.Submit(ctx, threadID, stream.Input{Text: flags.Text, Attachments: atts})
	if err != nil {
		return err
	}
	err = turn.Wait(ctx)
	p.Finish()
	fmt.Fprintf(os.Stderr, "thread: %s\n", threadID)
	return err
}

// uploadAll uploads paths to threadID and waits for every upload to settle.
func uploadAll(ctx context.Context, c *attachment.Composer, threadID string, paths []string) ([]domain.Attachment, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	for _, path := range paths {
		file, err := attachment.FileFromPath(path)
		if err != nil {
			return nil, err
		}
		c.Add(ctx, threadID, file)
	}
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	for _, a := range c.Attachments() {
		if a.Status == domain.AttachmentFailed {
			return nil, domain.NewDomainError("send", domain.ErrUploadFailed, a.FileName+": "+a.Error)
		}
	}
	return c.Finalize()
}

// printer writes assistant text to w as it grows. Snapshots are complete
// values, so only the unseen suffix of each message is written.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]string // message id -> text written so far
	tools   map[string]bool
	last    string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]string), tools: make(map[string]bool)}
}

// Print writes what is new in msgs.
func (p *printer) Print(msgs []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls() {
			if tc.HasResult && !p.tools[tc.ToolCallID] {
				p.tools[tc.ToolCallID] = true
				p.switchTo(m.ID)
				mark := "ok"
				if tc.IsError {
					mark = "error"
				}
				fmt.Fprintf(p.w, "[%s: %s]\n", tc.ToolName, mark)
			}
		}
		text, seen := m.Text(), p.printed[m.ID]
		if len(text) <= len(seen) || !strings.HasPrefix(text, seen) {
			continue
		}
		p.switchTo(m.ID)
		io.WriteString(p.w, text[len(seen):])
		p.printed[m.ID] = text
	}
}

func (p *printer) switchTo(id string) {
	if p.last != "" && p.last != id {
		io.WriteString(p.w, "\n\n")
	}
	p.last = id
}

// Finish terminates the output with a newline.
func (p *printer) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != "" {
		io.WriteString(p.w, "\n")
	}
}
