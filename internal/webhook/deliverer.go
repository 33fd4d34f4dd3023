package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/metrics"
	"github.com/mailburst/mailburst/internal/queue"
)

// DeliveryStore is the repository slice the delivery worker needs.
type DeliveryStore interface {
	GetDelivery(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error)
	GetWebhook(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, status string, attempt int, responseCode *int, lastError *string, nextRetryAt *time.Time) error
}

// DeliveryQueue is the job queue slice the delivery worker needs.
type DeliveryQueue interface {
	Claim(ctx context.Context, kind string, limit int) ([]*queue.Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID, attempt int, delay time.Duration, lastError string) error
	Fail(ctx context.Context, id uuid.UUID, lastError string) error
}

// DelivererConfig tunes the delivery worker.
type DelivererConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	ClaimBatch     int
	DefaultTimeout time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
	// AllowLoopback disables the delivery-time SSRF check for local
	// development and tests.
	AllowLoopback bool
}

// Stats reports worker health for the health endpoint.
type Stats struct {
	Running     bool `json:"running"`
	Paused      bool `json:"paused"`
	Concurrency int  `json:"concurrency"`
}

// Deliverer is the webhook delivery worker. Each delivery attempt resolves
// to a recorded outcome: delivered, retry scheduled, or terminally failed.
type Deliverer struct {
	store  DeliveryStore
	jobs   DeliveryQueue
	client *http.Client
	config DelivererConfig
	logger *zap.Logger

	running atomic.Bool
	paused  atomic.Bool
	wg      sync.WaitGroup
}

// NewDeliverer creates a delivery worker.
func NewDeliverer(store DeliveryStore, jobs DeliveryQueue, cfg DelivererConfig, logger *zap.Logger) *Deliverer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = time.Hour
	}

	return &Deliverer{
		store:  store,
		jobs:   jobs,
		client: &http.Client{},
		config: cfg,
		logger: logger,
	}
}

// Start launches the worker goroutines and blocks until ctx is cancelled.
func (d *Deliverer) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	for i := 0; i < d.config.Concurrency; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.loop(ctx)
		}()
	}

	<-ctx.Done()
	d.wg.Wait()
	d.logger.Info("webhook deliverer stopped")
}

// Pause stops claiming new delivery jobs. Queued jobs are untouched and
// resume where they left off.
func (d *Deliverer) Pause() {
	d.paused.Store(true)
	d.logger.Info("webhook deliverer paused")
}

// Resume restarts claiming.
func (d *Deliverer) Resume() {
	d.paused.Store(false)
	d.logger.Info("webhook deliverer resumed")
}

// Stats reports worker state for health checks.
func (d *Deliverer) Stats() Stats {
	return Stats{
		Running:     d.running.Load(),
		Paused:      d.paused.Load(),
		Concurrency: d.config.Concurrency,
	}
}

func (d *Deliverer) loop(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.paused.Load() {
				continue
			}
			d.processBatch(ctx)
		}
	}
}

func (d *Deliverer) processBatch(ctx context.Context) {
	jobs, err := d.jobs.Claim(ctx, queue.KindDeliverWebhook, d.config.ClaimBatch)
	if err != nil {
		d.logger.Error("failed to claim delivery jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		d.processJob(ctx, job)
	}
}

// processJob runs one delivery attempt. It never lets an error escape:
// unexpected failures are treated as transient so the job is retried
// rather than silently lost.
func (d *Deliverer) processJob(ctx context.Context, job *queue.Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in webhook delivery, retrying job",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
			)
			d.retryOrFail(ctx, job, nil, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	var payload queue.DeliverWebhookPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		d.logger.Error("invalid delivery job payload, dropping",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		_ = d.jobs.Fail(ctx, job.ID, err.Error())
		return
	}

	delivery, err := d.store.GetDelivery(ctx, payload.DeliveryID)
	if err != nil {
		d.logger.Error("failed to load delivery", zap.Error(err))
		d.retryOrFail(ctx, job, nil, err.Error(), nil)
		return
	}
	if delivery.Status != db.DeliveryPending {
		// Already resolved by an earlier attempt; at-least-once means we
		// can see the job again after a crash.
		_ = d.jobs.Complete(ctx, job.ID)
		return
	}

	hook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		d.logger.Error("failed to load webhook", zap.Error(err))
		d.retryOrFail(ctx, job, delivery, err.Error(), nil)
		return
	}

	statusCode, err := d.attempt(ctx, hook, delivery)
	attempt := job.Attempt + 1

	if err == nil && statusCode >= 200 && statusCode < 300 {
		if recErr := d.store.RecordDeliveryAttempt(ctx, delivery.ID, db.DeliveryDelivered, attempt, &statusCode, nil, nil); recErr != nil {
			d.logger.Error("failed to record delivered attempt", zap.Error(recErr))
		}
		_ = d.jobs.Complete(ctx, job.ID)
		metrics.RecordWebhookDelivery("delivered")
		d.logger.Info("webhook delivered",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("url", hook.URL),
			zap.Int("status_code", statusCode),
			zap.Int("attempt", attempt),
		)
		return
	}

	errMsg := "unexpected status"
	if err != nil {
		errMsg = err.Error()
	} else {
		errMsg = fmt.Sprintf("endpoint returned status %d", statusCode)
	}

	var codePtr *int
	if statusCode > 0 {
		codePtr = &statusCode
	}

	// 4xx means the endpoint rejected the payload shape; retrying the same
	// body cannot help. 408 and 429 are the exceptions.
	if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusRequestTimeout && statusCode != http.StatusTooManyRequests {
		d.fail(ctx, job, delivery, attempt, codePtr, errMsg)
		return
	}

	d.retryOrFail(ctx, job, delivery, errMsg, codePtr)
}

// attempt issues one signed POST and returns the response status code.
func (d *Deliverer) attempt(ctx context.Context, hook *db.Webhook, delivery *db.WebhookDelivery) (int, error) {
	if !d.config.AllowLoopback {
		if err := ValidateURL(hook.URL); err != nil {
			return 0, err
		}
	}

	body, err := buildEnvelope(delivery)
	if err != nil {
		return 0, err
	}

	timeout := d.config.DefaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mailburst/1.0")
	req.Header.Set("X-Mailburst-Event", delivery.EventType)
	req.Header.Set("X-Mailburst-Delivery-ID", delivery.ID.String())
	if hook.Secret != "" {
		req.Header.Set("X-Mailburst-Signature", Sign(hook.Secret, body))
	}
	if hook.AuthHeader != "" && hook.AuthValue != "" {
		req.Header.Set(hook.AuthHeader, hook.AuthValue)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain a little for connection reuse; the response body is otherwise
	// only useful for debugging.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return resp.StatusCode, nil
}

func (d *Deliverer) retryOrFail(ctx context.Context, job *queue.Job, delivery *db.WebhookDelivery, errMsg string, statusCode *int) {
	attempt := job.Attempt + 1

	if attempt >= job.MaxAttempts {
		d.fail(ctx, job, delivery, attempt, statusCode, errMsg)
		return
	}

	delay := queue.Backoff(d.config.RetryBase, d.config.RetryCap, attempt)
	nextRetry := time.Now().Add(delay)

	if delivery != nil {
		if err := d.store.RecordDeliveryAttempt(ctx, delivery.ID, db.DeliveryPending, attempt, statusCode, &errMsg, &nextRetry); err != nil {
			d.logger.Error("failed to record retry attempt", zap.Error(err))
		}
	}
	if err := d.jobs.Retry(ctx, job.ID, attempt, delay, errMsg); err != nil {
		d.logger.Error("failed to reschedule delivery job", zap.Error(err))
	}
	metrics.RecordWebhookDelivery("retried")

	d.logger.Warn("webhook delivery failed, retry scheduled",
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("error", errMsg),
	)
}

func (d *Deliverer) fail(ctx context.Context, job *queue.Job, delivery *db.WebhookDelivery, attempt int, statusCode *int, errMsg string) {
	if delivery != nil {
		if err := d.store.RecordDeliveryAttempt(ctx, delivery.ID, db.DeliveryFailed, attempt, statusCode, &errMsg, nil); err != nil {
			d.logger.Error("failed to record failed attempt", zap.Error(err))
		}
	}
	_ = d.jobs.Fail(ctx, job.ID, errMsg)
	metrics.RecordWebhookDelivery("failed")

	d.logger.Warn("webhook delivery failed terminally",
		zap.String("job_id", job.ID.String()),
		zap.Int("attempts", attempt),
		zap.String("error", errMsg),
	)
}

// Sign computes the signature header value for a payload: HMAC-SHA256 of
// the raw body keyed with the webhook's secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
