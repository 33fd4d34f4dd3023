// Package webhook implements outbound event notifications: fan-out of
// platform events to tenant-registered endpoints, and the at-least-once
// delivery worker with signing, retry/backoff and pause/resume controls.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/metrics"
	"github.com/mailburst/mailburst/internal/queue"
)

// Event types fired by the send worker and tracking endpoints.
const (
	EventEmailSent         = "email.sent"
	EventEmailFailed       = "email.failed"
	EventEmailOpened       = "email.opened"
	EventEmailClicked      = "email.clicked"
	EventEmailUnsubscribed = "email.unsubscribed"
)

// Scope limits fan-out to one tenant, optionally one campaign.
type Scope struct {
	UserID     uuid.UUID
	CampaignID *uuid.UUID
}

// Store is the slice of the webhook repository the dispatcher needs.
type Store interface {
	ListMatchingWebhooks(ctx context.Context, userID uuid.UUID, eventType string, campaignID *uuid.UUID) ([]*db.Webhook, error)
	CreateDelivery(ctx context.Context, d *db.WebhookDelivery) error
}

// JobQueue is the slice of the job queue the dispatcher needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Dispatcher fans events out to subscribed webhooks. FireEvent's contract
// is enqueue-don't-await: the caller is done once delivery jobs are
// durably recorded, and the delivery worker owns everything after that.
type Dispatcher struct {
	store  Store
	jobs   JobQueue
	logger *zap.Logger
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(store Store, jobs JobQueue, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, jobs: jobs, logger: logger}
}

// FireEvent creates one pending delivery per matching webhook and enqueues
// its delivery job. It never blocks on delivery and never propagates
// delivery errors to the caller; a failed fan-out is logged and dropped so
// tracking endpoints and the send worker stay unaffected.
func (d *Dispatcher) FireEvent(ctx context.Context, eventType string, payload any, scope Scope) {
	webhooks, err := d.store.ListMatchingWebhooks(ctx, scope.UserID, eventType, scope.CampaignID)
	if err != nil {
		d.logger.Error("failed to look up webhooks for event",
			zap.String("event", eventType),
			zap.String("user_id", scope.UserID.String()),
			zap.Error(err),
		)
		return
	}
	if len(webhooks) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to marshal event payload",
			zap.String("event", eventType),
			zap.Error(err),
		)
		return
	}

	for _, w := range webhooks {
		delivery := &db.WebhookDelivery{
			ID:        uuid.New(),
			WebhookID: w.ID,
			EventType: eventType,
			Payload:   body,
			Status:    db.DeliveryPending,
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			d.logger.Error("failed to create webhook delivery",
				zap.String("webhook_id", w.ID.String()),
				zap.String("event", eventType),
				zap.Error(err),
			)
			continue
		}

		maxRetries := w.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		if err := d.jobs.Enqueue(ctx, queue.NewDeliverWebhookJob(delivery.ID, maxRetries)); err != nil {
			d.logger.Error("failed to enqueue webhook delivery",
				zap.String("delivery_id", delivery.ID.String()),
				zap.Error(err),
			)
			continue
		}
	}

	metrics.RecordEventFired(eventType)
}

// envelope is the wire format POSTed to webhook endpoints. ID is the
// delivery id; consumers de-duplicate on it because delivery is
// at-least-once.
type envelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func buildEnvelope(d *db.WebhookDelivery) ([]byte, error) {
	body, err := json.Marshal(envelope{
		ID:        d.ID.String(),
		Event:     d.EventType,
		Timestamp: time.Now().UTC(),
		Data:      d.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook envelope: %w", err)
	}
	return body, nil
}
