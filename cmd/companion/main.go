package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"companion/internal/bot"
	"companion/internal/config"
	"companion/internal/dedup"
	"companion/internal/deeplink"
	"companion/internal/engine"
	"companion/internal/server"
	"companion/internal/storage"
)

func main() {
	// --- Configuration Loading ---
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log := newLogger(cfg)
	log.WithFields(logrus.Fields{
		"storage_driver": cfg.StorageDriver,
		"bot_mode":       cfg.BotMode,
		"http_addr":      cfg.HTTPAddr,
	}).Info("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	repo, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		log.Info("Closing database...")
		if err := repo.Close(); err != nil {
			log.WithError(err).Error("Error closing database")
		}
	}()

	go sweepDeepLinks(ctx, repo, cfg.SweepInterval, log)

	botHandler, err := bot.NewHandler(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize Telegram bot handler: %v", err)
	}

	dispatcher := engine.NewDispatcher(repo, botHandler.Sender(), engine.Settings{
		SiteBaseURL:   cfg.SiteBaseURL,
		ChannelURL:    cfg.ChannelURL,
		SeriesDelay:   cfg.SeriesDelay(),
		ReminderDelay: cfg.ReminderDelay(),
	}, log)

	if cfg.RedisURL != "" {
		guard, err := dedup.NewRedisGuard(ctx, cfg.RedisURL, cfg.DedupTTL, log)
		if err != nil {
			log.Fatalf("Failed to initialize update deduplication: %v", err)
		}
		defer guard.Close()
		dispatcher.UseDeduper(guard)
	}
	botHandler.Route(dispatcher)

	deps := server.Deps{
		Issuer:   deeplink.NewIssuer(repo, cfg.TelegramBotUsername, cfg.ChannelURL, cfg.DeepLinkTTL(), log),
		Links:    repo,
		Due:      repo,
		APIToken: cfg.APIToken,
	}
	if cfg.BotMode == config.ModeWebhook {
		deps.Webhook = botHandler.WebhookHandler()
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(deps, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Application Startup ---
	log.Info("Starting companion bot...")

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	go func() {
		if err := botHandler.Start(ctx); err != nil {
			log.WithError(err).Error("Telegram intake failed")
			stop()
		}
	}()

	log.Info("Companion bot is running. Press Ctrl+C to exit.")

	// --- Wait for Shutdown Signal ---
	<-ctx.Done()

	// --- Graceful Shutdown ---
	log.Info("Shutting down companion bot...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}

	log.Info("Companion bot shut down gracefully.")
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// openRepository opens the configured backend. Badger also gets its
// value-log GC loop, tied to ctx.
func openRepository(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (storage.Repository, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		return storage.NewGormRepository(cfg.SQLitePath, log)
	default:
		repo, err := storage.NewBadgerRepository(cfg.BadgerDBPath, log)
		if err != nil {
			return nil, err
		}
		go repo.RunGC(ctx, 10*time.Minute)
		return repo, nil
	}
}

func sweepDeepLinks(ctx context.Context, repo storage.DeepLinkRepository, interval time.Duration, log logrus.FieldLogger) {
	if interval <= 0 {
		return
	}
	log = log.WithField("component", "deeplink_sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := repo.SweepExpiredDeepLinks(ctx, time.Now())
			if err != nil {
				log.WithError(err).Error("Deep link sweep failed")
				continue
			}
			if n > 0 {
				log.WithField("deleted", n).Info("Expired deep links swept")
			}
		case <-ctx.Done():
			return
		}
	}
}
