package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/config"
	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/kv"
	"github.com/mailburst/mailburst/internal/mailer"
	"github.com/mailburst/mailburst/internal/metrics"
	"github.com/mailburst/mailburst/internal/observ"
	"github.com/mailburst/mailburst/internal/queue"
	"github.com/mailburst/mailburst/internal/ratelimit"
	"github.com/mailburst/mailburst/internal/webhook"
	"github.com/mailburst/mailburst/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mailburst worker",
		zap.String("env", cfg.Env),
		zap.String("transport", cfg.EmailTransport),
		zap.Int("send_concurrency", cfg.SendConcurrency),
		zap.Int("webhook_concurrency", cfg.WebhookConcurrency),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	campaigns := db.NewCampaignRepository(database, logger)
	webhooks := db.NewWebhookRepository(database, logger)
	jobs := queue.NewPG(database, logger)

	// The outbound throttle wants shared counters when several worker
	// instances send for the same tenants.
	var store kv.Store
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, send throttle counters are process-local",
			zap.Error(err),
		)
		store = kv.NewMemoryStore()
	} else {
		store = kv.NewRedisStore(rdb)
		defer rdb.Close()
	}

	sendLimiter := ratelimit.New(store, logger, "send", ratelimit.Config{
		Limit:  cfg.SendRateLimit,
		Window: cfg.SendRateWindow,
	})

	var sender mailer.Sender
	switch cfg.EmailTransport {
	case "ses":
		sender, err = mailer.NewSESSender(ctx, mailer.SESConfig{Region: cfg.AWSRegion}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES sender: %w", err)
		}
	default:
		sender = mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			DialTimeout: cfg.SMTPDialTimeout,
		}, logger)
	}

	if err := sender.Verify(ctx); err != nil {
		logger.Warn("email transport verification failed, sends may error",
			zap.Error(err),
		)
	}

	events := webhook.NewDispatcher(webhooks, jobs, logger)

	sendWorker := worker.New(campaigns, jobs, sender, sendLimiter, events, worker.Config{
		Concurrency:  cfg.SendConcurrency,
		PollInterval: cfg.SendPollInterval,
		ClaimBatch:   cfg.SendClaimBatch,
		RetryBase:    cfg.SendRetryBase,
		RetryCap:     cfg.SendRetryCap,
		BaseURL:      cfg.BaseURL,
	}, logger)

	deliverer := webhook.NewDeliverer(webhooks, jobs, webhook.DelivererConfig{
		Concurrency:    cfg.WebhookConcurrency,
		PollInterval:   cfg.WebhookPollInterval,
		DefaultTimeout: cfg.WebhookTimeout,
		RetryBase:      cfg.WebhookRetryBase,
		RetryCap:       cfg.WebhookRetryCap,
		AllowLoopback:  cfg.Env == "development",
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go sendWorker.Start(workerCtx)
	go deliverer.Start(workerCtx)

	logger.Info("workers started")

	// Small admin surface: health with deliverer state, metrics, and
	// pause/resume for webhook deliveries.
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"webhooks": deliverer.Stats(),
		})
	})
	r.Post("/admin/webhooks/pause", func(w http.ResponseWriter, r *http.Request) {
		deliverer.Pause()
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/admin/webhooks/resume", func(w http.ResponseWriter, r *http.Request) {
		deliverer.Resume()
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("admin server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
		}

		logger.Info("worker stopped gracefully")
	}

	return nil
}
