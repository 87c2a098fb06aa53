package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LocalChat/internal/backend"
	"LocalChat/internal/chat"
	"LocalChat/internal/chatbot"
	"LocalChat/internal/config"
	"LocalChat/internal/engine"
	"LocalChat/internal/journal"
	"LocalChat/internal/server"
	"LocalChat/internal/session"
	"LocalChat/internal/telemetry"
)

var version = "dev"

// loadConfig layers defaults, the TOML file, the environment and then the
// flags that were set explicitly on the command line
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (config.Config, error) {
	cfg := config.Default()

	fs := flag.NewFlagSet("localchat", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var flags config.Config
	configPath := fs.String("config", "", "Path to a TOML config file (default ~/.localchat.toml)")
	fs.StringVar(&flags.Backend, "backend", cfg.Backend, "Inference backend (ollama|openai)")
	fs.StringVar(&flags.Model, "model", cfg.Model, "Model to load, e.g. llama3.2:latest")
	fs.StringVar(&flags.BaseURL, "base-url", "", "Inference server URL (default depends on backend)")
	fs.StringVar(&flags.APIKey, "api-key", "", "API key for OpenAI-compatible servers")
	fs.StringVar(&flags.KeepAlive, "keep-alive", cfg.KeepAlive, "How long Ollama keeps the model loaded")
	fs.DurationVar(&flags.RequestTimeout, "timeout", cfg.RequestTimeout, "Timeout for non-streaming requests")
	fs.StringVar(&flags.LogDir, "log-dir", cfg.LogDir, "Directory for logs, traces and metrics")
	fs.StringVar(&flags.JournalPath, "journal", cfg.JournalPath, "SQLite operation journal (empty disables)")
	fs.StringVar(&flags.Listen, "listen", "", "Serve the websocket UI on this address instead of the terminal")
	fs.BoolVar(&flags.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	path, optional := *configPath, false
	if path == "" {
		path, optional = config.DefaultPath(), true
	}
	if err := config.LoadFile(&cfg, path, optional); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv(getenv)

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = flags.Backend
		case "model":
			cfg.Model = flags.Model
		case "base-url":
			cfg.BaseURL = flags.BaseURL
		case "api-key":
			cfg.APIKey = flags.APIKey
		case "keep-alive":
			cfg.KeepAlive = flags.KeepAlive
		case "timeout":
			cfg.RequestTimeout = flags.RequestTimeout
		case "log-dir":
			cfg.LogDir = flags.LogDir
		case "journal":
			cfg.JournalPath = flags.JournalPath
		case "listen":
			cfg.Listen = flags.Listen
		case "debug":
			cfg.Debug = flags.Debug
		}
	})

	return cfg, cfg.Validate()
}

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// shutdown queues an unload behind any pending work, then stops the
// controller. Both share one deadline.
func shutdown(ctrl *chat.Controller, logger *slog.Logger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ctrl.Unload().Wait(ctx); err != nil {
		logger.Warn("failed to unload model on exit", "error", err)
	}
	if err := ctrl.Close(ctx); err != nil {
		logger.Warn("pending operations abandoned", "error", err)
	}
}

func run(cfg config.Config) error {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	tracer, meter, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.LogDir, version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	var recorder chat.Recorder
	var reader chatbot.JournalReader
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, logger)
		if err != nil {
			logger.Warn("journal unavailable, continuing without it", "path", cfg.JournalPath, "error", err)
		} else {
			defer j.Close()
			recorder, reader = j, j
		}
	}

	eng, err := backend.NewFromConfig(cfg, logger, tracer, meter)
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}
	lister, _ := eng.(engine.ModelLister)

	sess := session.New(cfg.Backend, cfg.Model)
	logger.Info("session started", "session_id", sess.ID, "backend", cfg.Backend, "model", cfg.Model)
	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	var srv *server.Server
	opts := chat.Options{
		Engine:      eng,
		Session:     sess,
		Logger:      logger,
		Tracer:      tracer,
		Instruments: telemetry.NewInstruments(meter, logger),
		Journal:     recorder,
	}
	if cfg.Listen != "" {
		opts.OnStateChange = func(inProgress, modelLoaded bool) { srv.StateChanged(inProgress, modelLoaded) }
	}
	ctrl := chat.New(opts)
	defer shutdown(ctrl, logger, 10*time.Second)

	if cfg.Listen != "" {
		srv = server.New(ctrl, logger)
		serveCtx, stopServe := signal.NotifyContext(ctx, os.Interrupt)
		defer stopServe()
		fmt.Printf("LocalChat listening on http://%s (websocket at /ws)\n", cfg.Listen)
		return srv.ListenAndServe(serveCtx, cfg.Listen)
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	bot := chatbot.NewChatBot(chatbot.Options{
		Controller: ctrl,
		Models:     lister,
		Journal:    reader,
		Logger:     logger,
		Interrupts: interrupts,
	})
	return bot.Run(ctx)
}
