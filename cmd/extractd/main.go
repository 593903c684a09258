package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/atakhan/whatsapp-to-tg/internal/api"
	"github.com/atakhan/whatsapp-to-tg/internal/config"
	"github.com/atakhan/whatsapp-to-tg/internal/orchestrator"
	"github.com/atakhan/whatsapp-to-tg/internal/source"
	"github.com/atakhan/whatsapp-to-tg/internal/store"
	"github.com/atakhan/whatsapp-to-tg/internal/wiretap"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("extractd starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database (optional — without it finished sessions only live in memory)
	var db *store.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set — finished extractions are not persisted")
	}

	// NATS bridge to the browser driver
	bus, err := wiretap.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer bus.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Extraction pipeline
	srcCfg := source.Config{
		ProbeWindow:  cfg.ProbeWindow,
		DrainWait:    cfg.DrainWait,
		DecodeBudget: cfg.DecodeBudget,
		NoNewStreak:  cfg.NoNewStreak,
		EndMargin:    cfg.EndMargin,
	}
	orch := orchestrator.New(srcCfg, slog.Default())

	var persistence orchestrator.Store
	if db != nil {
		persistence = db
	}
	manager := orchestrator.NewManager(orch, persistence, bus, slog.Default())

	// HTTP API
	open := func(ref string) source.TargetSession { return bus.Target(ref) }
	srv := api.NewServer(cfg.Port, cfg.APIToken, manager, db, open, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("extractd ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("extractd stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
