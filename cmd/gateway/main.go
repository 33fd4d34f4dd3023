package main

import (
	"context"
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

	"github.com/mailburst/mailburst/internal/api"
	"github.com/mailburst/mailburst/internal/config"
	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/dispatch"
	"github.com/mailburst/mailburst/internal/kv"
	"github.com/mailburst/mailburst/internal/mailer"
	"github.com/mailburst/mailburst/internal/metrics"
	"github.com/mailburst/mailburst/internal/observ"
	"github.com/mailburst/mailburst/internal/queue"
	"github.com/mailburst/mailburst/internal/ratelimit"
	"github.com/mailburst/mailburst/internal/tracking"
	"github.com/mailburst/mailburst/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mailburst gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
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

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	campaigns := db.NewCampaignRepository(database, logger)
	webhooks := db.NewWebhookRepository(database, logger)
	jobs := queue.NewPG(database, logger)

	// Redis backs the API rate limiters when available; a single-process
	// deployment falls back to in-memory counters.
	var store kv.Store
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, rate limit counters are process-local",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		store = kv.NewMemoryStore()
	} else {
		store = kv.NewRedisStore(rdb)
		defer rdb.Close()
	}

	apiLimiter := ratelimit.New(store, logger, "api", ratelimit.Config{
		Limit:  100,
		Window: time.Minute,
	})
	smtpTestLimiter := ratelimit.New(store, logger, "smtp_test", ratelimit.Config{
		Limit:  5,
		Window: 5 * time.Minute,
	})
	emailTestLimiter := ratelimit.New(store, logger, "email_test", ratelimit.Config{
		Limit:  10,
		Window: time.Minute,
	})

	// Email transport for test sends. The campaign send path runs in the
	// worker binary; the gateway only needs a sender for /api/email/test.
	var sender mailer.Sender
	switch cfg.EmailTransport {
	case "ses":
		sesSender, err := mailer.NewSESSender(ctx, mailer.SESConfig{Region: cfg.AWSRegion}, logger)
		if err != nil {
			logger.Warn("SES transport unavailable, test sends disabled", zap.Error(err))
		} else {
			sender = sesSender
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

	dispatcher := dispatch.New(campaigns, jobs, cfg.SendMaxAttempts, logger)
	events := webhook.NewDispatcher(webhooks, jobs, logger)

	handler := api.NewHandler(logger, dispatcher, campaigns, webhooks, sender)
	trackingHandler := tracking.NewHandler(campaigns, events, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.UserKeyFunc))

		r.Post("/campaigns/{id}/send", handler.SendCampaign)
		r.Post("/campaigns/{id}/pause", handler.PauseCampaign)
		r.Post("/campaigns/{id}/resume", handler.ResumeCampaign)
		r.Post("/campaigns/{id}/cancel", handler.CancelCampaign)
		r.Get("/campaigns/{id}/stats", handler.GetCampaignStats)

		r.Post("/webhooks", handler.CreateWebhook)
		r.Get("/webhooks/{id}", handler.GetWebhook)
		r.Get("/webhooks/{id}/deliveries", handler.ListWebhookDeliveries)
	})

	r.Route("/api", func(r chi.Router) {
		// Tracking endpoints are hit from recipients' mail clients and
		// must stay outside the authenticated rate limit bucket.
		trackingHandler.Routes(r)

		r.With(api.RateLimitMiddleware(smtpTestLimiter, logger, api.IPKeyFunc)).
			Post("/smtp/test", handler.TestSMTP)
		r.With(api.RateLimitMiddleware(emailTestLimiter, logger, api.IPKeyFunc)).
			Post("/email/test", handler.TestEmail)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
