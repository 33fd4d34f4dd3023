// Package worker runs the send workers that drain the email job queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/mailer"
	"github.com/mailburst/mailburst/internal/mergetag"
	"github.com/mailburst/mailburst/internal/metrics"
	"github.com/mailburst/mailburst/internal/queue"
	"github.com/mailburst/mailburst/internal/ratelimit"
	"github.com/mailburst/mailburst/internal/state"
	"github.com/mailburst/mailburst/internal/webhook"
)

// Store is the repository slice the send worker needs.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	MarkRecipientSent(ctx context.Context, id uuid.UUID, attempt int) error
	MarkRecipientFailed(ctx context.Context, id uuid.UUID, attempt int, reason string) error
	RecordRecipientAttempt(ctx context.Context, id uuid.UUID, attempt int, reason string) error
	IncrementCampaignCounter(ctx context.Context, id uuid.UUID, counter string) error
	CompleteCampaign(ctx context.Context, id uuid.UUID) (bool, error)
	CountUnfinishedRecipients(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// JobQueue is the job queue slice the send worker needs.
type JobQueue interface {
	Claim(ctx context.Context, kind string, limit int) ([]*queue.Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID, attempt int, delay time.Duration, lastError string) error
	Fail(ctx context.Context, id uuid.UUID, lastError string) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

// EventDispatcher fires lifecycle events at registered webhooks.
type EventDispatcher interface {
	FireEvent(ctx context.Context, eventType string, payload any, scope webhook.Scope)
}

// Config tunes the send worker pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	ClaimBatch   int
	RetryBase    time.Duration
	RetryCap     time.Duration
	BaseURL      string
}

// Worker claims send_email jobs and drives each recipient to a terminal
// status. Every claimed job resolves exactly one way: sent, rescheduled,
// failed, or cancelled.
type Worker struct {
	store   Store
	jobs    JobQueue
	sender  mailer.Sender
	limiter *ratelimit.Limiter
	events  EventDispatcher
	config  Config
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New creates a send worker pool.
func New(store Store, jobs JobQueue, sender mailer.Sender, limiter *ratelimit.Limiter, events EventDispatcher, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 15 * time.Minute
	}

	return &Worker{
		store:   store,
		jobs:    jobs,
		sender:  sender,
		limiter: limiter,
		events:  events,
		config:  cfg,
		logger:  logger,
	}
}

// Start launches the worker goroutines and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("send worker starting",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Duration("poll_interval", w.config.PollInterval),
	)

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}

	<-ctx.Done()
	w.wg.Wait()
	w.logger.Info("send worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	jobs, err := w.jobs.Claim(ctx, queue.KindSendEmail, w.config.ClaimBatch)
	if err != nil {
		w.logger.Error("failed to claim send jobs", zap.Error(err))
		return
	}

	metrics.AddJobsInFlight(len(jobs))
	defer metrics.AddJobsInFlight(-len(jobs))

	for _, job := range jobs {
		w.ProcessJob(ctx, job)
	}
}

// ProcessJob runs one send attempt. A panic inside a send is treated as a
// transient failure so the recipient is retried, never stranded in queued.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while sending, retrying job",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
			)
			w.reschedule(ctx, job, job.Attempt+1, fmt.Sprintf("panic: %v", r))
		}
	}()

	var payload queue.SendEmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("invalid send job payload, dropping",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		_ = w.jobs.Fail(ctx, job.ID, err.Error())
		return
	}

	campaign, err := w.store.GetCampaign(ctx, payload.CampaignID)
	if err != nil {
		w.logger.Error("failed to load campaign", zap.Error(err))
		w.reschedule(ctx, job, job.Attempt+1, err.Error())
		return
	}

	// A paused campaign keeps its queued jobs; they pick up where they
	// left off on resume. A cancelled or otherwise finished campaign
	// drops them.
	switch campaign.Status {
	case state.CampaignSending:
	case state.CampaignPaused:
		if err := w.jobs.Retry(ctx, job.ID, job.Attempt, w.config.PollInterval*5, "campaign paused"); err != nil {
			w.logger.Error("failed to park job for paused campaign", zap.Error(err))
		}
		return
	default:
		_ = w.jobs.Cancel(ctx, job.ID)
		return
	}

	recipient, err := w.store.GetRecipient(ctx, payload.RecipientID)
	if err != nil {
		w.logger.Error("failed to load recipient", zap.Error(err))
		w.reschedule(ctx, job, job.Attempt+1, err.Error())
		return
	}
	if recipient.Status != state.RecipientQueued {
		// Already resolved; the queue is at-least-once after a crash.
		_ = w.jobs.Complete(ctx, job.ID)
		return
	}

	if w.limiter != nil {
		result := w.limiter.Check(ctx, campaign.UserID.String())
		if !result.Allowed {
			delay := time.Until(result.ResetAt)
			if delay < time.Second {
				delay = time.Second
			}
			if err := w.jobs.Retry(ctx, job.ID, job.Attempt, delay, "send rate limit reached"); err != nil {
				w.logger.Error("failed to park throttled job", zap.Error(err))
			}
			return
		}
	}

	attempt := job.Attempt + 1
	msg := w.buildMessage(campaign, recipient)

	start := time.Now()
	messageID, err := w.sender.Send(ctx, msg)
	metrics.RecordSendLatency(time.Since(start))

	if err == nil {
		w.handleSent(ctx, job, campaign, recipient, attempt, messageID)
		return
	}

	if mailer.Permanent(err) || attempt >= job.MaxAttempts {
		w.handleFailed(ctx, job, campaign, recipient, attempt, err)
		return
	}

	if recErr := w.store.RecordRecipientAttempt(ctx, recipient.ID, attempt, err.Error()); recErr != nil {
		w.logger.Error("failed to record send attempt", zap.Error(recErr))
	}
	w.reschedule(ctx, job, attempt, err.Error())
}

// buildMessage renders the campaign content for one recipient: merge tags
// substituted, anchors rewritten for click tracking, open pixel appended.
func (w *Worker) buildMessage(campaign *db.Campaign, recipient *db.Recipient) mailer.Message {
	token := recipient.TrackingID.String()
	data := map[string]string{
		"firstName":       recipient.FirstName,
		"lastName":        recipient.LastName,
		"email":           recipient.Email,
		"company":         recipient.Company,
		"customField1":    recipient.CustomField1,
		"customField2":    recipient.CustomField2,
		"unsubscribeLink": mergetag.UnsubscribeLink(token, w.config.BaseURL),
		"trackingPixel":   mergetag.TrackingPixel(token, w.config.BaseURL),
	}

	html := campaign.HTMLBody
	if html != "" {
		html = mergetag.WrapLinks(html, token, w.config.BaseURL)
		html = mergetag.Replace(html, data)
		pixel := mergetag.TrackingPixel(token, w.config.BaseURL)
		if !strings.Contains(html, pixel) {
			if idx := strings.LastIndex(html, "</body>"); idx >= 0 {
				html = html[:idx] + pixel + html[idx:]
			} else {
				html += pixel
			}
		}
	}

	return mailer.Message{
		From:     campaign.FromEmail,
		FromName: campaign.FromName,
		To:       recipient.Email,
		ReplyTo:  campaign.ReplyTo,
		Subject:  mergetag.Replace(campaign.Subject, data),
		HTML:     html,
		Text:     mergetag.Replace(campaign.TextBody, data),
	}
}

func (w *Worker) handleSent(ctx context.Context, job *queue.Job, campaign *db.Campaign, recipient *db.Recipient, attempt int, messageID string) {
	if err := w.store.MarkRecipientSent(ctx, recipient.ID, attempt); err != nil {
		w.logger.Error("failed to mark recipient sent", zap.Error(err))
	}
	if err := w.store.IncrementCampaignCounter(ctx, campaign.ID, "sent"); err != nil {
		w.logger.Error("failed to increment sent counter", zap.Error(err))
	}
	_ = w.jobs.Complete(ctx, job.ID)
	metrics.RecordEmailOutcome("sent")

	w.events.FireEvent(ctx, webhook.EventEmailSent, map[string]any{
		"campaign_id":  campaign.ID,
		"recipient_id": recipient.ID,
		"email":        recipient.Email,
		"message_id":   messageID,
		"sent_at":      time.Now().UTC(),
	}, webhook.Scope{UserID: campaign.UserID, CampaignID: &campaign.ID})

	w.logger.Info("email sent",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("recipient_id", recipient.ID.String()),
		zap.Int("attempt", attempt),
	)

	w.maybeComplete(ctx, campaign.ID)
}

func (w *Worker) handleFailed(ctx context.Context, job *queue.Job, campaign *db.Campaign, recipient *db.Recipient, attempt int, sendErr error) {
	if err := w.store.MarkRecipientFailed(ctx, recipient.ID, attempt, sendErr.Error()); err != nil {
		w.logger.Error("failed to mark recipient failed", zap.Error(err))
	}
	if err := w.store.IncrementCampaignCounter(ctx, campaign.ID, "failed"); err != nil {
		w.logger.Error("failed to increment failed counter", zap.Error(err))
	}
	_ = w.jobs.Fail(ctx, job.ID, sendErr.Error())
	metrics.RecordEmailOutcome("failed")

	w.events.FireEvent(ctx, webhook.EventEmailFailed, map[string]any{
		"campaign_id":  campaign.ID,
		"recipient_id": recipient.ID,
		"email":        recipient.Email,
		"reason":       sendErr.Error(),
	}, webhook.Scope{UserID: campaign.UserID, CampaignID: &campaign.ID})

	w.logger.Warn("email failed terminally",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("recipient_id", recipient.ID.String()),
		zap.Int("attempts", attempt),
		zap.Error(sendErr),
	)

	w.maybeComplete(ctx, campaign.ID)
}

func (w *Worker) reschedule(ctx context.Context, job *queue.Job, attempt int, lastError string) {
	delay := queue.Backoff(w.config.RetryBase, w.config.RetryCap, attempt)
	if err := w.jobs.Retry(ctx, job.ID, attempt, delay, lastError); err != nil {
		w.logger.Error("failed to reschedule send job", zap.Error(err))
		return
	}
	metrics.RecordEmailOutcome("retried")
	w.logger.Warn("email send failed, retry scheduled",
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("error", lastError),
	)
}

// maybeComplete finishes the campaign once no recipient is pending or
// queued. The completion compare-and-set only fires from sending, so a
// paused or cancelled campaign is never flipped to completed.
func (w *Worker) maybeComplete(ctx context.Context, campaignID uuid.UUID) {
	remaining, err := w.store.CountUnfinishedRecipients(ctx, campaignID)
	if err != nil {
		w.logger.Error("failed to count unfinished recipients", zap.Error(err))
		return
	}
	if remaining > 0 {
		return
	}

	done, err := w.store.CompleteCampaign(ctx, campaignID)
	if err != nil {
		w.logger.Error("failed to complete campaign", zap.Error(err))
		return
	}
	if done {
		w.logger.Info("campaign completed", zap.String("campaign_id", campaignID.String()))
	}
}
