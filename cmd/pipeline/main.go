package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"transit_relay/internal/bridge"
	"transit_relay/internal/config"
	"transit_relay/internal/describer"
	"transit_relay/internal/dispatch"
	"transit_relay/internal/pipeline"
	"transit_relay/internal/sink"
	"transit_relay/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	tgAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.Error("create telegram api", "error", err)
		os.Exit(1)
	}

	mastodonSinks := make(map[string]sink.Sink, len(cfg.MastodonAccounts))
	for _, acct := range cfg.MastodonAccounts {
		client := sink.NewMastodonClient(acct.BaseURL, acct.AccessToken)
		mastodonSinks[acct.Name] = sink.NewMastodon(client, http.DefaultClient)
	}
	resolver := dispatch.NewSinkResolver(tgAPI, mastodonSinks)

	var desc describer.Describer = describer.Disabled{}
	if cfg.DescriberEndpoint != "" {
		models := describer.NewModelManager(store, nil)
		desc = describer.NewClient(cfg.DescriberEndpoint, cfg.DescriberAPIKey, models, log)
	}

	notifier := bridge.NewNotifier(cfg.EventHost, cfg.EventPort, cfg.EventEnabled, log)

	dispatcher := dispatch.New(store, resolver, desc, notifier, dispatch.Options{
		MaxAttempts:   cfg.RetryMaxAttempts,
		BaseDelay:     cfg.RetryBaseDelay,
		RatePerSecond: cfg.RatePerSecond,
		RateBurst:     cfg.RateBurst,
	}, log)

	p := pipeline.New(store, &http.Client{Timeout: 30 * time.Second}, dispatcher, pipeline.Options{
		Tick:                  cfg.PollTick,
		RetentionDays:         cfg.RetentionDays,
		EventLogRetentionDays: cfg.EventLogRetentionDays,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting pipeline")

	if err := p.Run(ctx); err != nil {
		log.Error("pipeline", "error", err)
		os.Exit(1)
	}

	log.Info("pipeline stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
