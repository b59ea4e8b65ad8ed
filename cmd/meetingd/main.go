// meetingd runs a multi-agent meeting end to end: convenes the
// configured agents, drives discussion rounds and vote sessions, and
// prints the live event stream until the meeting concludes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Einzieg/AI-meeting/pkg/config"
	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/meeting"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/store"
	"github.com/Einzieg/AI-meeting/pkg/store/memstore"
	"github.com/Einzieg/AI-meeting/pkg/store/pgstore"
	"github.com/Einzieg/AI-meeting/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	topic := flag.String("topic", "", "Meeting topic (defaults to the configured demo topic)")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.App)
	slog.SetDefault(logger)
	logger.Info("Starting meetingd", "version", version.Full())

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	gateway := newGateway(cfg, logger)

	binder := meeting.Default(meeting.Options{
		Store:   st,
		Gateway: gateway,
		Logger:  logger,
	})

	meetingTopic := *topic
	if meetingTopic == "" {
		meetingTopic = cfg.Meeting.DemoTopic
	}

	m, err := binder.CreateMeeting(ctx, meetingTopic, cfg.Meeting.Template)
	if err != nil {
		logger.Error("Failed to create meeting", "error", err)
		os.Exit(1)
	}
	logger.Info("Meeting created", "meeting_id", m.ID, "topic", m.Topic)

	eventCh, unsubscribe, err := binder.Subscribe(ctx, m.ID, 0)
	if err != nil {
		logger.Error("Failed to subscribe to event stream", "error", err)
		os.Exit(1)
	}
	defer unsubscribe()
	go printEvents(eventCh)

	if err := binder.StartMeeting(ctx, m.ID); err != nil {
		logger.Error("Failed to start meeting", "error", err)
		os.Exit(1)
	}

	// Run until the meeting concludes or a shutdown signal arrives.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	waitCtx, waitCancel := context.WithCancel(ctx)
	waitErr := make(chan error, 1)
	go func() { waitErr <- binder.Wait(waitCtx, m.ID) }()

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
		if err := binder.AbortMeeting(ctx, m.ID, "Aborted by user"); err != nil {
			logger.Warn("Abort failed", "error", err)
		}
	case <-waitErr:
	}
	waitCancel()

	grace := time.Duration(cfg.App.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	// Read the result before Shutdown closes the store.
	if err := binder.Wait(shutdownCtx, m.ID); err != nil {
		logger.Warn("Meeting loop did not drain in time", "error", err)
	}
	printResult(ctx, binder, m.ID, logger)

	if err := binder.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func newLogger(app *config.AppConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(app.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if app.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if !cfg.Database.Enabled {
		logger.Info("Using in-memory store")
		return memstore.New(), nil
	}
	st, err := pgstore.New(ctx, cfg.Database.DSN(), pgstore.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to PostgreSQL store")
	return st, nil
}

func newGateway(cfg *config.Config, logger *slog.Logger) llm.Gateway {
	registry := llm.NewRegistry(logger)
	for id, p := range cfg.Providers {
		registry.Register(id, llm.NewHTTPProvider(llm.HTTPProviderConfig{
			ID:           id,
			BaseURL:      p.BaseURL,
			APIKey:       p.APIKey(),
			ExtraHeaders: p.ExtraHeaders,
		}, nil))
	}
	return registry
}

// printEvents mirrors the live stream to stdout, one JSON line per
// event.
func printEvents(ch <-chan *models.Event) {
	enc := json.NewEncoder(os.Stdout)
	for ev := range ch {
		_ = enc.Encode(ev)
	}
}

func printResult(ctx context.Context, binder *meeting.Binder, meetingID string, logger *slog.Logger) {
	m, err := binder.GetMeeting(ctx, meetingID)
	if err != nil {
		logger.Warn("Could not read final meeting state", "error", err)
		return
	}
	logger.Info("Meeting concluded", "state", m.State)
	if m.Result != nil && m.Result.ReportMarkdown != "" {
		os.Stdout.WriteString("\n" + m.Result.ReportMarkdown + "\n")
	}
}
