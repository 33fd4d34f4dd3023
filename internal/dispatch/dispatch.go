// Package dispatch turns a campaign into per-recipient send jobs. It owns
// the campaign-level status transitions around queueing: the activation
// compare-and-set in the repository is the only concurrency guard needed,
// because a second QueueCampaign call finds the campaign already sending.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/metrics"
	"github.com/mailburst/mailburst/internal/queue"
	"github.com/mailburst/mailburst/internal/state"
)

var (
	// ErrCampaignNotFound is returned when the campaign does not exist.
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrNoRecipients is returned when a campaign has nobody to send to.
	ErrNoRecipients = errors.New("no recipients to send to")
	// ErrInvalidState wraps every rejected status transition.
	ErrInvalidState = errors.New("invalid campaign state")
)

// CampaignStore is the slice of the campaign repository dispatch needs.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ActivateCampaign(ctx context.Context, id uuid.UUID) (bool, string, error)
	PauseCampaign(ctx context.Context, id uuid.UUID) (bool, error)
	ResumeCampaign(ctx context.Context, id uuid.UUID) (bool, error)
	CancelCampaign(ctx context.Context, id uuid.UUID) (bool, error)
	RevertCampaignActivation(ctx context.Context, id uuid.UUID, previousStatus string) error
	ListPendingRecipients(ctx context.Context, campaignID uuid.UUID) ([]*db.Recipient, error)
	MarkRecipientQueued(ctx context.Context, id uuid.UUID) error
}

// JobQueue is the slice of the job queue dispatch needs.
type JobQueue interface {
	EnqueueBatch(ctx context.Context, jobs []*queue.Job) error
	CancelByCampaign(ctx context.Context, campaignID uuid.UUID) (int64, error)
}

// Options tune one QueueCampaign call.
type Options struct {
	BatchSize           int           // recipients per batch, default 50
	Priority            string        // high | normal | low
	DelayBetweenBatches time.Duration // staggers batch run_at to self-throttle
}

// Result reports what QueueCampaign did.
type Result struct {
	QueuedCount int `json:"queued_count"`
}

// Service is the queueing half of campaign dispatch.
type Service struct {
	store       CampaignStore
	jobs        JobQueue
	logger      *zap.Logger
	maxAttempts int
}

// New creates a dispatch service. maxAttempts bounds each recipient's
// send retry chain.
func New(store CampaignStore, jobs JobQueue, maxAttempts int, logger *zap.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		store:       store,
		jobs:        jobs,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// QueueCampaign enqueues one send job per pending recipient and moves the
// campaign to sending. The status is prechecked on the read so a sending
// campaign reports the transition error rather than an empty recipient
// list; recipients are checked before the activation CAS so a campaign
// with nobody to mail keeps its current status. The CAS remains the
// serialization point against concurrent callers.
func (s *Service) QueueCampaign(ctx context.Context, campaignID uuid.UUID, opts Options) (*Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	priority, err := queue.ParsePriority(opts.Priority)
	if err != nil {
		return nil, err
	}

	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	if err := state.Activate(campaign.Status); err != nil {
		return nil, fmt.Errorf("%w: campaign cannot be sent in status %q", ErrInvalidState, campaign.Status)
	}

	recipients, err := s.store.ListPendingRecipients(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	activated, currentStatus, err := s.store.ActivateCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !activated {
		return nil, fmt.Errorf("%w: campaign cannot be sent in status %q", ErrInvalidState, currentStatus)
	}

	jobs := make([]*queue.Job, 0, len(recipients))
	now := time.Now()
	for i, rec := range recipients {
		if err := s.store.MarkRecipientQueued(ctx, rec.ID); err != nil {
			s.revertActivation(ctx, campaignID, campaign.Status)
			return nil, fmt.Errorf("mark recipient %s queued: %w", rec.ID, err)
		}

		runAt := now
		if opts.DelayBetweenBatches > 0 {
			runAt = now.Add(time.Duration(i/opts.BatchSize) * opts.DelayBetweenBatches)
		}
		jobs = append(jobs, queue.NewSendEmailJob(campaignID, rec.ID, priority, s.maxAttempts, runAt))
	}

	if err := s.jobs.EnqueueBatch(ctx, jobs); err != nil {
		s.revertActivation(ctx, campaignID, campaign.Status)
		return nil, fmt.Errorf("enqueue send jobs: %w", err)
	}

	for range jobs {
		metrics.RecordEmailQueued(queue.PriorityName(priority))
	}

	s.logger.Info("campaign queued",
		zap.String("campaign_id", campaignID.String()),
		zap.String("owner", campaign.UserID.String()),
		zap.Int("queued", len(jobs)),
		zap.String("priority", queue.PriorityName(priority)),
		zap.Int("batch_size", opts.BatchSize),
	)

	return &Result{QueuedCount: len(jobs)}, nil
}

// revertActivation unwinds a dispatch that failed after winning the
// activation CAS. Without it the campaign would sit in sending with no
// jobs (or a pending recipient that never resolves) and could neither
// complete nor be re-queued.
func (s *Service) revertActivation(ctx context.Context, campaignID uuid.UUID, previousStatus string) {
	if err := s.store.RevertCampaignActivation(ctx, campaignID, previousStatus); err != nil {
		s.logger.Error("failed to revert campaign activation",
			zap.String("campaign_id", campaignID.String()),
			zap.String("previous_status", previousStatus),
			zap.Error(err),
		)
	}
}

// Pause stops a sending campaign. Pending jobs stay queued; workers skip
// them while the campaign is paused.
func (s *Service) Pause(ctx context.Context, campaignID uuid.UUID) error {
	paused, err := s.store.PauseCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !paused {
		return s.transitionError(ctx, campaignID, "paused")
	}
	s.logger.Info("campaign paused", zap.String("campaign_id", campaignID.String()))
	return nil
}

// Resume restarts a paused campaign; its queued jobs become eligible again.
func (s *Service) Resume(ctx context.Context, campaignID uuid.UUID) error {
	resumed, err := s.store.ResumeCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !resumed {
		return s.transitionError(ctx, campaignID, "resumed")
	}
	s.logger.Info("campaign resumed", zap.String("campaign_id", campaignID.String()))
	return nil
}

// Cancel terminates a campaign and sweeps its pending jobs from the queue.
func (s *Service) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	cancelled, err := s.store.CancelCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !cancelled {
		return s.transitionError(ctx, campaignID, "cancelled")
	}

	if _, err := s.jobs.CancelByCampaign(ctx, campaignID); err != nil {
		// The campaign is already cancelled; stray jobs are discarded by
		// the worker's status check.
		s.logger.Warn("failed to sweep pending jobs for cancelled campaign",
			zap.String("campaign_id", campaignID.String()),
			zap.Error(err),
		)
	}

	s.logger.Info("campaign cancelled", zap.String("campaign_id", campaignID.String()))
	return nil
}

func (s *Service) transitionError(ctx context.Context, campaignID uuid.UUID, verb string) error {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrCampaignNotFound
		}
		return err
	}
	return fmt.Errorf("%w: campaign cannot be %s in status %q", ErrInvalidState, verb, campaign.Status)
}
