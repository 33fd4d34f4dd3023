// Package tracking serves the open pixel, click redirect, and unsubscribe
// endpoints embedded in outgoing emails.
package tracking

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/metrics"
	"github.com/mailburst/mailburst/internal/webhook"
)

// pixel is a 1x1 transparent PNG.
var pixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// Store is the repository slice the tracking handlers need.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	GetRecipientByTrackingID(ctx context.Context, trackingID uuid.UUID) (*db.Recipient, error)
	RecordOpen(ctx context.Context, id uuid.UUID) (bool, error)
	RecordClick(ctx context.Context, id uuid.UUID) (bool, error)
	Unsubscribe(ctx context.Context, id uuid.UUID) error
	IncrementCampaignCounter(ctx context.Context, id uuid.UUID, counter string) error
}

// EventDispatcher fires engagement events at registered webhooks.
type EventDispatcher interface {
	FireEvent(ctx context.Context, eventType string, payload any, scope webhook.Scope)
}

// Handler serves the tracking routes.
type Handler struct {
	store  Store
	events EventDispatcher
	logger *zap.Logger
}

// NewHandler creates a tracking handler.
func NewHandler(store Store, events EventDispatcher, logger *zap.Logger) *Handler {
	return &Handler{store: store, events: events, logger: logger}
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/tracking/open", h.Open)
	r.Get("/track/click/{trackingID}", h.Click)
	r.Post("/track/click/{trackingID}", h.Click)
	r.Get("/unsubscribe/{token}", h.Unsubscribe)
	r.Post("/unsubscribe/{token}", h.Unsubscribe)
}

// Open serves the open pixel. It always returns the image with 200, no
// matter what the token resolves to: a broken image in the recipient's
// mail client is never acceptable, and an error status would leak whether
// a token exists.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	defer h.servePixel(w)

	trackingID, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		return
	}

	ctx := r.Context()
	recipient, err := h.store.GetRecipientByTrackingID(ctx, trackingID)
	if err != nil {
		return
	}

	firstOpen, err := h.store.RecordOpen(ctx, recipient.ID)
	if err != nil {
		h.logger.Error("failed to record open",
			zap.String("recipient_id", recipient.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordTrackingHit("open")

	if firstOpen {
		h.recordEngagement(ctx, recipient, "opened", webhook.EventEmailOpened)
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}

// Click records a click and redirects to the original destination. The
// redirect happens even when the token is unknown or tracking fails; the
// link must keep working regardless.
func (h *Handler) Click(w http.ResponseWriter, r *http.Request) {
	// Query parsing already unescaped the wrapped target once.
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}

	defer http.Redirect(w, r, target, http.StatusFound)

	trackingID, err := uuid.Parse(chi.URLParam(r, "trackingID"))
	if err != nil {
		return
	}

	ctx := r.Context()
	recipient, err := h.store.GetRecipientByTrackingID(ctx, trackingID)
	if err != nil {
		return
	}

	firstClick, err := h.store.RecordClick(ctx, recipient.ID)
	if err != nil {
		h.logger.Error("failed to record click",
			zap.String("recipient_id", recipient.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordTrackingHit("click")

	if firstClick {
		h.recordEngagement(ctx, recipient, "clicked", webhook.EventEmailClicked)
	}
}

// Unsubscribe marks the recipient unsubscribed and confirms with a plain
// page. The token is the recipient's tracking id.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	trackingID, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, "invalid unsubscribe token", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	recipient, err := h.store.GetRecipientByTrackingID(ctx, trackingID)
	if err != nil {
		// Do not reveal whether the token exists.
		h.confirm(w)
		return
	}

	if err := h.store.Unsubscribe(ctx, recipient.ID); err != nil {
		h.logger.Error("failed to unsubscribe recipient",
			zap.String("recipient_id", recipient.ID.String()),
			zap.Error(err),
		)
		h.confirm(w)
		return
	}
	metrics.RecordTrackingHit("unsubscribe")

	h.recordEngagement(ctx, recipient, "", webhook.EventEmailUnsubscribed)
	h.confirm(w)
}

func (h *Handler) confirm(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body><h1>You have been unsubscribed.</h1><p>You will no longer receive emails from this sender.</p></body></html>"))
}

// recordEngagement bumps the campaign counter and fires the webhook event.
// counter may be empty when no campaign-level counter exists for the event.
func (h *Handler) recordEngagement(ctx context.Context, recipient *db.Recipient, counter, event string) {
	campaign, err := h.store.GetCampaign(ctx, recipient.CampaignID)
	if err != nil {
		h.logger.Error("failed to load campaign for engagement event",
			zap.String("campaign_id", recipient.CampaignID.String()),
			zap.Error(err),
		)
		return
	}

	if counter != "" {
		if err := h.store.IncrementCampaignCounter(ctx, campaign.ID, counter); err != nil {
			h.logger.Error("failed to increment engagement counter",
				zap.String("counter", counter),
				zap.Error(err),
			)
		}
	}

	h.events.FireEvent(ctx, event, map[string]any{
		"campaign_id":  campaign.ID,
		"recipient_id": recipient.ID,
		"email":        recipient.Email,
	}, webhook.Scope{UserID: campaign.UserID, CampaignID: &campaign.ID})
}
