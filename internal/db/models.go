package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Campaign is one bulk-send operation: one content payload, many recipients.
type Campaign struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Status         string     `json:"status"`
	Subject        string     `json:"subject"`
	FromName       string     `json:"from_name"`
	FromEmail      string     `json:"from_email"`
	ReplyTo        string     `json:"reply_to,omitempty"`
	HTMLBody       string     `json:"html_body,omitempty"`
	TextBody       string     `json:"text_body,omitempty"`
	ContentType    string     `json:"content_type"`
	RecipientCount int        `json:"recipient_count"`
	SentCount      int        `json:"sent_count"`
	FailedCount    int        `json:"failed_count"`
	OpenedCount    int        `json:"opened_count"`
	ClickedCount   int        `json:"clicked_count"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Recipient tracks one (campaign, email address) pairing through the send
// lifecycle. TrackingID is the opaque token embedded in pixel and click URLs.
type Recipient struct {
	ID            uuid.UUID  `json:"id"`
	CampaignID    uuid.UUID  `json:"campaign_id"`
	ContactID     *uuid.UUID `json:"contact_id,omitempty"`
	Email         string     `json:"email"`
	Status        string     `json:"status"`
	TrackingID    uuid.UUID  `json:"tracking_id"`
	Attempt       int        `json:"attempt"`
	OpenCount     int        `json:"open_count"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	FirstName     string     `json:"first_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	Company       string     `json:"company,omitempty"`
	CustomField1  string     `json:"custom_field_1,omitempty"`
	CustomField2  string     `json:"custom_field_2,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Webhook is a tenant-registered endpoint notified of platform events.
type Webhook struct {
	ID             uuid.UUID   `json:"id"`
	UserID         uuid.UUID   `json:"user_id"`
	URL            string      `json:"url"`
	Events         []string    `json:"events"`
	Secret         string      `json:"-"`
	AuthType       string      `json:"auth_type,omitempty"`
	AuthHeader     string      `json:"auth_header,omitempty"`
	AuthValue      string      `json:"-"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	MaxRetries     int         `json:"max_retries"`
	IsActive       bool        `json:"is_active"`
	CampaignIDs    []uuid.UUID `json:"campaign_ids,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// WebhookDelivery is one event notification owed to one webhook. Terminal at
// delivered, or failed after exhausting the webhook's max retries.
type WebhookDelivery struct {
	ID            uuid.UUID       `json:"id"`
	WebhookID     uuid.UUID       `json:"webhook_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempt       int             `json:"attempt"`
	Status        string          `json:"status"`
	ResponseCode  *int            `json:"response_code,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Webhook delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// CampaignStats aggregates recipient counters for dashboards.
type CampaignStats struct {
	CampaignID uuid.UUID      `json:"campaign_id"`
	Status     string         `json:"status"`
	Counts     map[string]int `json:"counts"`
}
