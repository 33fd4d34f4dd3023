package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/state"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// CampaignRepository handles campaign and recipient persistence. All status
// changes go through compare-and-set statements so the status check and the
// mutation are a single unit.
type CampaignRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCampaignRepository creates a campaign repository.
func NewCampaignRepository(db *DB, logger *zap.Logger) *CampaignRepository {
	return &CampaignRepository{db: db, logger: logger}
}

const campaignColumns = `
	id, user_id, status, subject, from_name, from_email, reply_to,
	html_body, text_body, content_type, recipient_count, sent_count,
	failed_count, opened_count, clicked_count, started_at, completed_at,
	created_at, updated_at
`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID, &c.UserID, &c.Status, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLBody, &c.TextBody, &c.ContentType,
		&c.RecipientCount, &c.SentCount, &c.FailedCount, &c.OpenedCount,
		&c.ClickedCount, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCampaign retrieves a campaign by ID.
func (r *CampaignRepository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// ActivateCampaign moves a draft or scheduled campaign to sending and stamps
// started_at. The status gate in the WHERE clause is the serialization point
// that prevents queueing the same campaign twice: the second caller matches
// zero rows. Returns the campaign's current status when the gate rejects.
func (r *CampaignRepository) ActivateCampaign(ctx context.Context, id uuid.UUID) (bool, string, error) {
	query := `
		UPDATE campaigns
		SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, state.CampaignSending, id, state.ActivateSources())
	if err != nil {
		return false, "", fmt.Errorf("activate campaign: %w", err)
	}
	if result.RowsAffected() > 0 {
		return true, state.CampaignSending, nil
	}

	c, err := r.GetCampaign(ctx, id)
	if err != nil {
		return false, "", err
	}
	return false, c.Status, nil
}

// RevertCampaignActivation unwinds a dispatch that failed after the
// activation CAS: the campaign drops back to its pre-activation status and
// any recipients already marked queued fall back to pending, in one
// transaction so a half-reverted campaign is never visible.
func (r *CampaignRepository) RevertCampaignActivation(ctx context.Context, id uuid.UUID, previousStatus string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin revert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET status = $1, started_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, previousStatus, id, state.CampaignSending)
	if err != nil {
		return fmt.Errorf("revert campaign status: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE recipients
		SET status = $1, updated_at = NOW()
		WHERE campaign_id = $2 AND status = $3
	`, state.RecipientPending, id, state.RecipientQueued)
	if err != nil {
		return fmt.Errorf("revert queued recipients: %w", err)
	}

	return tx.Commit(ctx)
}

// transitionCampaign applies a CAS status change and reports whether it won.
func (r *CampaignRepository) transitionCampaign(ctx context.Context, id uuid.UUID, from []string, to, extra string) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = $1, updated_at = NOW()` + extra + `
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition campaign to %s: %w", to, err)
	}
	return result.RowsAffected() > 0, nil
}

// PauseCampaign moves sending -> paused.
func (r *CampaignRepository) PauseCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transitionCampaign(ctx, id, []string{state.CampaignSending}, state.CampaignPaused, "")
}

// ResumeCampaign moves paused -> sending.
func (r *CampaignRepository) ResumeCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transitionCampaign(ctx, id, []string{state.CampaignPaused}, state.CampaignSending, "")
}

// CompleteCampaign moves sending -> completed and stamps completed_at.
func (r *CampaignRepository) CompleteCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transitionCampaign(ctx, id, []string{state.CampaignSending}, state.CampaignCompleted, ", completed_at = NOW()")
}

// CancelCampaign moves any non-terminal status to cancelled.
func (r *CampaignRepository) CancelCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	from := []string{state.CampaignDraft, state.CampaignScheduled, state.CampaignSending, state.CampaignPaused}
	return r.transitionCampaign(ctx, id, from, state.CampaignCancelled, "")
}

// IncrementCampaignCounter atomically bumps one of the aggregate counters.
// Out-of-order worker completions are fine; increments commute.
func (r *CampaignRepository) IncrementCampaignCounter(ctx context.Context, id uuid.UUID, counter string) error {
	var column string
	switch counter {
	case "sent":
		column = "sent_count"
	case "failed":
		column = "failed_count"
	case "opened":
		column = "opened_count"
	case "clicked":
		column = "clicked_count"
	default:
		return fmt.Errorf("unknown campaign counter: %s", counter)
	}

	query := fmt.Sprintf(`UPDATE campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, column, column)
	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

// CampaignStats returns the recipient status breakdown for a campaign.
func (r *CampaignRepository) CampaignStats(ctx context.Context, id uuid.UUID) (*CampaignStats, error) {
	c, err := r.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE campaign_id = $1 GROUP BY status`, id)
	if err != nil {
		return nil, fmt.Errorf("query recipient stats: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{"total": 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		counts[status] = n
		counts["total"] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats rows: %w", err)
	}

	return &CampaignStats{CampaignID: id, Status: c.Status, Counts: counts}, nil
}

const recipientColumns = `
	id, campaign_id, contact_id, email, status, tracking_id, attempt,
	open_count, failure_reason, first_name, last_name, company,
	custom_field_1, custom_field_2, sent_at, opened_at, created_at, updated_at
`

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var rec Recipient
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.Email, &rec.Status,
		&rec.TrackingID, &rec.Attempt, &rec.OpenCount, &rec.FailureReason,
		&rec.FirstName, &rec.LastName, &rec.Company, &rec.CustomField1,
		&rec.CustomField2, &rec.SentAt, &rec.OpenedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecipient retrieves a recipient by ID.
func (r *CampaignRepository) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id = $1`

	rec, err := scanRecipient(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}
	return rec, nil
}

// GetRecipientByTrackingID resolves the opaque token from pixel/click URLs.
func (r *CampaignRepository) GetRecipientByTrackingID(ctx context.Context, trackingID uuid.UUID) (*Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE tracking_id = $1`

	rec, err := scanRecipient(r.db.Pool().QueryRow(ctx, query, trackingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tracking id %s: %w", trackingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient by tracking id: %w", err)
	}
	return rec, nil
}

// ListPendingRecipients returns the recipients a campaign still owes a send.
func (r *CampaignRepository) ListPendingRecipients(ctx context.Context, campaignID uuid.UUID) ([]*Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM recipients
		WHERE campaign_id = $1 AND status = $2
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, state.RecipientPending)
	if err != nil {
		return nil, fmt.Errorf("query pending recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	return recipients, nil
}

// MarkRecipientQueued moves pending -> queued before the job is enqueued.
func (r *CampaignRepository) MarkRecipientQueued(ctx context.Context, id uuid.UUID) error {
	return r.transitionRecipient(ctx, id, []string{state.RecipientPending}, state.RecipientQueued, "")
}

// MarkRecipientSent records a successful send attempt.
func (r *CampaignRepository) MarkRecipientSent(ctx context.Context, id uuid.UUID, attempt int) error {
	query := `
		UPDATE recipients
		SET status = $1, attempt = $2, sent_at = NOW(), failure_reason = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, state.RecipientSent, attempt, id, state.RecipientQueued)
	if err != nil {
		return fmt.Errorf("mark recipient sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("recipient %s not in queued state: %w", id, state.ErrInvalidTransition)
	}
	return nil
}

// MarkRecipientFailed records a terminal send failure with its reason.
func (r *CampaignRepository) MarkRecipientFailed(ctx context.Context, id uuid.UUID, attempt int, reason string) error {
	query := `
		UPDATE recipients
		SET status = $1, attempt = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, state.RecipientFailed, attempt, reason, id, state.RecipientQueued)
	if err != nil {
		return fmt.Errorf("mark recipient failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("recipient %s not in queued state: %w", id, state.ErrInvalidTransition)
	}
	return nil
}

// RecordRecipientAttempt bumps the attempt counter when a retry is scheduled.
func (r *CampaignRepository) RecordRecipientAttempt(ctx context.Context, id uuid.UUID, attempt int, reason string) error {
	query := `
		UPDATE recipients
		SET attempt = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3
	`
	if _, err := r.db.Pool().Exec(ctx, query, attempt, reason, id); err != nil {
		return fmt.Errorf("record recipient attempt: %w", err)
	}
	return nil
}

// RecordOpen registers a tracking-pixel hit. Returns true on the first open
// so the caller can bump the campaign's unique-open counter.
func (r *CampaignRepository) RecordOpen(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE recipients
		SET open_count = open_count + 1,
		    opened_at = COALESCE(opened_at, NOW()),
		    status = CASE WHEN status = ANY($1) THEN $2 ELSE status END,
		    updated_at = NOW()
		WHERE id = $3
		RETURNING open_count
	`

	fromStatuses := []string{state.RecipientSent, state.RecipientDelivered}

	var openCount int
	err := r.db.Pool().QueryRow(ctx, query, fromStatuses, state.RecipientOpened, id).Scan(&openCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("record open: %w", err)
	}
	return openCount == 1, nil
}

// RecordClick registers a click redirect. Returns true when this click moved
// the recipient into the clicked state for the first time. A click implies
// the message was opened, so sent/delivered/opened all advance to clicked.
func (r *CampaignRepository) RecordClick(ctx context.Context, id uuid.UUID) (bool, error) {
	fromStatuses := []string{state.RecipientSent, state.RecipientDelivered, state.RecipientOpened}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE recipients
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, state.RecipientClicked, id, fromStatuses)
	if err != nil {
		return false, fmt.Errorf("record click: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Unsubscribe marks a recipient unsubscribed from any non-terminal state.
func (r *CampaignRepository) Unsubscribe(ctx context.Context, id uuid.UUID) error {
	from := []string{
		state.RecipientPending, state.RecipientQueued, state.RecipientSent,
		state.RecipientDelivered, state.RecipientOpened, state.RecipientClicked,
	}
	return r.transitionRecipient(ctx, id, from, state.RecipientUnsubscribed, "")
}

func (r *CampaignRepository) transitionRecipient(ctx context.Context, id uuid.UUID, from []string, to, extra string) error {
	query := `
		UPDATE recipients
		SET status = $1, updated_at = NOW()` + extra + `
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("transition recipient to %s: %w", to, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("recipient %s cannot move to %s: %w", id, to, state.ErrInvalidTransition)
	}
	return nil
}

// CountUnfinishedRecipients returns how many recipients have not reached a
// terminal send outcome. Zero means the campaign can complete.
func (r *CampaignRepository) CountUnfinishedRecipients(ctx context.Context, campaignID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM recipients
		WHERE campaign_id = $1 AND status = ANY($2)
	`

	var n int
	err := r.db.Pool().QueryRow(ctx, query, campaignID,
		[]string{state.RecipientPending, state.RecipientQueued}).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unfinished recipients: %w", err)
	}
	return n, nil
}
