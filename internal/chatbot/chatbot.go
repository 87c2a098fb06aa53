// Package chatbot is the terminal front end: a line-oriented REPL that sends
// prompts to the chat controller and renders its updates as they stream in.
package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"LocalChat/internal/chat"
	"LocalChat/internal/engine"
	"LocalChat/internal/journal"
	"LocalChat/internal/sequencer"
)

// JournalReader lists recorded operations; *journal.Journal implements it
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Options configures a ChatBot. Controller is required.
type Options struct {
	Controller *chat.Controller
	Models     engine.ModelLister // nil disables /models
	Journal    JournalReader      // nil disables /journal
	Logger     *slog.Logger

	In  io.Reader
	Out io.Writer

	// Interrupts delivers Ctrl-C: it stops the running generation, or quits
	// at an idle prompt
	Interrupts <-chan os.Signal
}

// ChatBot represents the terminal application
type ChatBot struct {
	ctrl       *chat.Controller
	models     engine.ModelLister
	journal    JournalReader
	logger     *slog.Logger
	in         io.Reader
	render     *Renderer
	interrupts <-chan os.Signal
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(opts Options) *ChatBot {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in, out := opts.In, opts.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &ChatBot{
		ctrl:       opts.Controller,
		models:     opts.Models,
		journal:    opts.Journal,
		logger:     logger,
		in:         in,
		render:     NewRenderer(out, nil),
		interrupts: opts.Interrupts,
	}
}

// track reports the failure of a queued operation once it settles. Load and
// generation failures were already shown through the update callback.
func (cb *ChatBot) track(name string, h *sequencer.Handle) {
	go func() {
		<-h.Done()
		err := h.Err()
		if err == nil {
			return
		}
		cb.logger.Error("operation failed", "operation", name, "error", err)
		var loadErr *chat.LoadError
		var genErr *chat.GenerationError
		if errors.As(err, &loadErr) || errors.As(err, &genErr) {
			return
		}
		cb.render.Error(fmt.Sprintf("%s failed: %v", name, err))
	}()
}

// handleCommand executes a slash command and reports whether to quit
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/reset":
		cb.track("reset", cb.ctrl.Reset(cb.render.Cleared))
		return false, nil

	case "/stop":
		cb.ctrl.Interrupt()
		return false, nil

	case "/unload":
		h := cb.ctrl.Unload()
		cb.track("unload", h)
		cb.render.Notice("Unloading " + cb.ctrl.Session().Model())
		return false, nil

	case "/model":
		if len(parts) < 2 {
			cb.render.Notice(fmt.Sprintf("Model: %s (%s)", cb.ctrl.Session().Model(), cb.ctrl.State()))
			return false, nil
		}
		cb.track("switch", cb.ctrl.SwitchModel(parts[1]))
		cb.render.Notice("Model set to: " + parts[1])
		return false, nil

	case "/models":
		if cb.models == nil {
			return false, fmt.Errorf("this backend cannot list models")
		}
		models, err := cb.models.ListModels(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to list models: %w", err)
		}
		cb.render.Title("Available models:")
		current := cb.ctrl.Session().Model()
		for i, model := range models {
			line := fmt.Sprintf("%d. %s", i+1, model.Name)
			if model.Size > 0 {
				line += fmt.Sprintf(" - %.2f GB", float64(model.Size)/(1024*1024*1024))
			}
			if model.Name == current {
				line += " (current)"
			}
			cb.render.Plain(line)
		}
		return false, nil

	case "/journal":
		if cb.journal == nil {
			return false, fmt.Errorf("journal is disabled")
		}
		limit := 10
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n <= 0 {
				return false, fmt.Errorf("usage: /journal [count]")
			}
			limit = n
		}
		entries, err := cb.journal.Recent(ctx, limit)
		if err != nil {
			return false, err
		}
		cb.render.Title("Recent operations:")
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-8s %-11s %-20s %6dms", e.At.Local().Format(time.TimeOnly), e.Kind, e.Status, e.Model, e.Duration.Milliseconds())
			if e.Kind == journal.KindGenerate && e.CompletionTokens > 0 {
				line += fmt.Sprintf("  %d+%d tokens, %.1f tok/s", e.PromptTokens, e.CompletionTokens, e.DecodeRate)
			}
			if e.Error != "" {
				line += "  " + e.Error
			}
			cb.render.Plain(line)
		}
		return false, nil

	case "/help":
		cb.render.Plain("Available commands:")
		cb.render.Plain("  /reset          - Clear the conversation")
		cb.render.Plain("  /stop           - Stop the current reply (or press Ctrl-C)")
		cb.render.Plain("  /unload         - Unload the model from the engine")
		cb.render.Plain("  /model [name]   - Show or switch the model")
		cb.render.Plain("  /models         - List available models")
		cb.render.Plain("  /journal [n]    - Show the last n operations")
		cb.render.Plain("  /quit, /exit    - Exit")
		cb.render.Plain("  /help           - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

// readLines feeds input lines to the loop until stop is closed
func readLines(in io.Reader, stop <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()
	return lines
}

// Run starts the chat bot and returns on /quit, end of input, Ctrl-C at
// an idle prompt or ctx
func (cb *ChatBot) Run(ctx context.Context) error {
	sess := cb.ctrl.Session()
	cb.render.Title("=== LocalChat ===")
	cb.render.Notice(fmt.Sprintf("Session: %s", sess.ID))
	cb.render.Notice(fmt.Sprintf("Backend: %s, model: %s", sess.Backend, sess.Model()))
	cb.render.Notice("Type /help for commands, /quit to exit")

	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(cb.in, stop)

	var pending *sequencer.Handle
	cb.render.Prompt()
	for {
		var done <-chan struct{}
		if pending != nil {
			done = pending.Done()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-cb.interrupts:
			if pending == nil {
				cb.render.Finish()
				cb.render.Plain("Goodbye!")
				return nil
			}
			cb.ctrl.Interrupt()

		case <-done:
			cb.render.Finish()
			pending = nil
			cb.render.Prompt()

		case input, ok := <-lines:
			if !ok {
				cb.wait(ctx, pending)
				cb.render.Finish()
				return nil
			}
			input = strings.TrimSpace(input)
			if input == "" {
				if pending == nil {
					cb.render.Prompt()
				}
				continue
			}

			if strings.HasPrefix(input, "/") {
				shouldQuit, err := cb.handleCommand(ctx, input)
				if err != nil {
					cb.render.Error(fmt.Sprintf("Error: %v", err))
					cb.logger.Error("command error", "error", err)
				}
				if shouldQuit {
					cb.wait(ctx, pending)
					cb.render.Plain("Goodbye!")
					return nil
				}
				if pending == nil {
					cb.render.Prompt()
				}
				continue
			}

			h, err := cb.ctrl.Generate(input, cb.render.Update, cb.render.Stats)
			if err != nil {
				cb.render.Error(fmt.Sprintf("Error: %v", err))
				if pending == nil {
					cb.render.Prompt()
				}
				continue
			}
			cb.track("generate", h)
			pending = h
		}
	}
}

// wait lets a running generation finish before leaving
func (cb *ChatBot) wait(ctx context.Context, h *sequencer.Handle) {
	if h != nil {
		_ = h.Wait(ctx)
	}
}
