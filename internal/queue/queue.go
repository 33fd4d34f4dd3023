// Package queue is the durable job queue backing campaign dispatch and
// webhook delivery. Jobs live in a Postgres table; workers claim them with
// FOR UPDATE SKIP LOCKED, which gives at-most-one consumer per job without
// any other locking. Delayed execution (retry backoff, batch staggering)
// is a run_at timestamp; priority is an ordering column.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job kinds. Payload is a tagged variant: each kind owns a typed payload.
const (
	KindSendEmail      = "send_email"
	KindDeliverWebhook = "deliver_webhook"
)

// Priorities. Lower sorts first.
const (
	PriorityHigh   = 0
	PriorityNormal = 1
	PriorityLow    = 2
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ParsePriority maps the API's priority names onto ordering values.
func ParsePriority(s string) (int, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority: %q", s)
}

// PriorityName is the inverse of ParsePriority, for logs and metrics.
func PriorityName(p int) string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Job is one unit of asynchronous work: a single send attempt chain or a
// single webhook delivery. CampaignID is set on send jobs so pausing or
// cancelling a campaign can sweep its pending jobs in one statement.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Status      string          `json:"status"`
	RunAt       time.Time       `json:"run_at"`
	CampaignID  *uuid.UUID      `json:"campaign_id,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SendEmailPayload is the payload of a send_email job.
type SendEmailPayload struct {
	CampaignID  uuid.UUID `json:"campaign_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
}

// DeliverWebhookPayload is the payload of a deliver_webhook job.
type DeliverWebhookPayload struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
}

// NewSendEmailJob builds a send job for one recipient.
func NewSendEmailJob(campaignID, recipientID uuid.UUID, priority, maxAttempts int, runAt time.Time) *Job {
	payload, _ := json.Marshal(SendEmailPayload{CampaignID: campaignID, RecipientID: recipientID})
	return &Job{
		ID:          uuid.New(),
		Kind:        KindSendEmail,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Status:      StatusPending,
		RunAt:       runAt,
		CampaignID:  &campaignID,
	}
}

// NewDeliverWebhookJob builds a delivery job for one webhook delivery record.
func NewDeliverWebhookJob(deliveryID uuid.UUID, maxAttempts int) *Job {
	payload, _ := json.Marshal(DeliverWebhookPayload{DeliveryID: deliveryID})
	return &Job{
		ID:          uuid.New(),
		Kind:        KindDeliverWebhook,
		Payload:     payload,
		Priority:    PriorityNormal,
		MaxAttempts: maxAttempts,
		Status:      StatusPending,
		RunAt:       time.Now(),
	}
}

// Backoff returns the delay before attempt n (1-based): base doubled per
// prior attempt, capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
