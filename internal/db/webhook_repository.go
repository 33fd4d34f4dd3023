package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// WebhookRepository handles webhook registrations and their delivery records.
type WebhookRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewWebhookRepository creates a webhook repository.
func NewWebhookRepository(db *DB, logger *zap.Logger) *WebhookRepository {
	return &WebhookRepository{db: db, logger: logger}
}

const webhookColumns = `
	id, user_id, url, events, secret, auth_type, auth_header, auth_value,
	timeout_seconds, max_retries, is_active, campaign_ids, created_at, updated_at
`

func scanWebhook(row pgx.Row) (*Webhook, error) {
	var w Webhook
	err := row.Scan(
		&w.ID, &w.UserID, &w.URL, &w.Events, &w.Secret, &w.AuthType,
		&w.AuthHeader, &w.AuthValue, &w.TimeoutSeconds, &w.MaxRetries,
		&w.IsActive, &w.CampaignIDs, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWebhook inserts a new webhook registration.
func (r *WebhookRepository) CreateWebhook(ctx context.Context, w *Webhook) error {
	query := `
		INSERT INTO webhooks (
			id, user_id, url, events, secret, auth_type, auth_header,
			auth_value, timeout_seconds, max_retries, is_active, campaign_ids
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		w.ID, w.UserID, w.URL, w.Events, w.Secret, w.AuthType, w.AuthHeader,
		w.AuthValue, w.TimeoutSeconds, w.MaxRetries, w.IsActive, w.CampaignIDs,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}

	r.logger.Info("webhook registered",
		zap.String("webhook_id", w.ID.String()),
		zap.String("url", w.URL),
		zap.Strings("events", w.Events),
	)
	return nil
}

// GetWebhook retrieves a webhook by ID.
func (r *WebhookRepository) GetWebhook(ctx context.Context, id uuid.UUID) (*Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	w, err := scanWebhook(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query webhook: %w", err)
	}
	return w, nil
}

// ListMatchingWebhooks returns the active webhooks owned by userID that
// subscribe to eventType. Webhooks scoped to specific campaigns only match
// when campaignID is in their scope; an empty scope matches everything.
func (r *WebhookRepository) ListMatchingWebhooks(ctx context.Context, userID uuid.UUID, eventType string, campaignID *uuid.UUID) ([]*Webhook, error) {
	query := `SELECT ` + webhookColumns + `
		FROM webhooks
		WHERE user_id = $1
		  AND is_active
		  AND $2 = ANY(events)
		  AND (campaign_ids = '{}' OR campaign_ids IS NULL OR $3::uuid = ANY(campaign_ids))
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, eventType, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query matching webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}

	return webhooks, nil
}

// CreateDelivery inserts a pending delivery record for one webhook.
func (r *WebhookRepository) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (id, webhook_id, event_type, payload, attempt, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		d.ID, d.WebhookID, d.EventType, d.Payload, d.Attempt, d.Status,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves a delivery by ID.
func (r *WebhookRepository) GetDelivery(ctx context.Context, id uuid.UUID) (*WebhookDelivery, error) {
	query := `
		SELECT id, webhook_id, event_type, payload, attempt, status,
		       response_code, last_error, last_attempt_at, next_retry_at, created_at
		FROM webhook_deliveries WHERE id = $1
	`

	var d WebhookDelivery
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&d.ID, &d.WebhookID, &d.EventType, &d.Payload, &d.Attempt, &d.Status,
		&d.ResponseCode, &d.LastError, &d.LastAttemptAt, &d.NextRetryAt, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("webhook delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query webhook delivery: %w", err)
	}
	return &d, nil
}

// RecordDeliveryAttempt persists the outcome of one delivery attempt.
// nextRetryAt is set only when another attempt is scheduled.
func (r *WebhookRepository) RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, status string, attempt int, responseCode *int, lastError *string, nextRetryAt *time.Time) error {
	query := `
		UPDATE webhook_deliveries
		SET status = $1, attempt = $2, response_code = $3, last_error = $4,
		    last_attempt_at = NOW(), next_retry_at = $5
		WHERE id = $6
	`

	result, err := r.db.Pool().Exec(ctx, query, status, attempt, responseCode, lastError, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("webhook delivery %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDeliveriesByWebhook returns delivery attempt history, newest first.
func (r *WebhookRepository) ListDeliveriesByWebhook(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*WebhookDelivery, error) {
	query := `
		SELECT id, webhook_id, event_type, payload, attempt, status,
		       response_code, last_error, last_attempt_at, next_retry_at, created_at
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, webhookID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		err := rows.Scan(
			&d.ID, &d.WebhookID, &d.EventType, &d.Payload, &d.Attempt, &d.Status,
			&d.ResponseCode, &d.LastError, &d.LastAttemptAt, &d.NextRetryAt, &d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	return deliveries, nil
}
