package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/dispatch"
	"github.com/mailburst/mailburst/internal/mailer"
	"github.com/mailburst/mailburst/internal/queue"
	"github.com/mailburst/mailburst/internal/webhook"
)

// CampaignDispatcher defines the interface for campaign send operations
type CampaignDispatcher interface {
	QueueCampaign(ctx context.Context, campaignID uuid.UUID, opts dispatch.Options) (*dispatch.Result, error)
	Pause(ctx context.Context, campaignID uuid.UUID) error
	Resume(ctx context.Context, campaignID uuid.UUID) error
	Cancel(ctx context.Context, campaignID uuid.UUID) error
}

// CampaignStore defines the campaign read operations the API needs
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	CampaignStats(ctx context.Context, id uuid.UUID) (*db.CampaignStats, error)
}

// WebhookStore defines the webhook database operations the API needs
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *db.Webhook) error
	GetWebhook(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	ListDeliveriesByWebhook(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*db.WebhookDelivery, error)
}

// SendRequest represents the body of a campaign send request
type SendRequest struct {
	Priority            string `json:"priority,omitempty"`
	BatchSize           int    `json:"batch_size,omitempty"`
	DelayBetweenBatches int    `json:"delay_between_batches_seconds,omitempty"`
}

// WebhookRequest represents the body of a webhook registration
type WebhookRequest struct {
	URL            string   `json:"url"`
	Events         []string `json:"events"`
	Secret         string   `json:"secret,omitempty"`
	AuthHeader     string   `json:"auth_header,omitempty"`
	AuthValue      string   `json:"auth_value,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	CampaignIDs    []string `json:"campaign_ids,omitempty"`
}

// SMTPTestRequest represents the body of an SMTP connection test
type SMTPTestRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// EmailTestRequest represents the body of a test email send. When SMTP
// settings are supplied the send goes through a one-off transport instead
// of the configured one.
type EmailTestRequest struct {
	Recipients []string         `json:"recipients"`
	Subject    string           `json:"subject"`
	FromName   string           `json:"from_name,omitempty"`
	FromEmail  string           `json:"from_email"`
	HTMLBody   string           `json:"html_body,omitempty"`
	TextBody   string           `json:"text_body,omitempty"`
	SMTP       *SMTPTestRequest `json:"smtp,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

var validEvents = map[string]bool{
	webhook.EventEmailSent:         true,
	webhook.EventEmailFailed:       true,
	webhook.EventEmailOpened:       true,
	webhook.EventEmailClicked:      true,
	webhook.EventEmailUnsubscribed: true,
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	dispatcher CampaignDispatcher
	campaigns  CampaignStore
	webhooks   WebhookStore
	sender     mailer.Sender // nil if no transport configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, dispatcher CampaignDispatcher, campaigns CampaignStore, webhooks WebhookStore, sender mailer.Sender) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		campaigns:  campaigns,
		webhooks:   webhooks,
		sender:     sender,
	}
}

// SendCampaign handles POST /v1/campaigns/{id}/send
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	var req SendRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	if req.Priority != "" {
		if _, err := queue.ParsePriority(req.Priority); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority", "priority must be high, normal, or low")
			return
		}
	}

	result, err := h.dispatcher.QueueCampaign(ctx, campaignID, dispatch.Options{
		BatchSize:           req.BatchSize,
		Priority:            req.Priority,
		DelayBetweenBatches: time.Duration(req.DelayBetweenBatches) * time.Second,
	})
	if err != nil {
		h.writeDispatchError(w, err, "send campaign")
		return
	}

	h.logger.Info("campaign send accepted",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("queued_count", result.QueuedCount),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(result)
}

// PauseCampaign handles POST /v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "paused", h.dispatcher.Pause)
}

// ResumeCampaign handles POST /v1/campaigns/{id}/resume
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "sending", h.dispatcher.Resume)
}

// CancelCampaign handles POST /v1/campaigns/{id}/cancel
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancelled", h.dispatcher.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, resulting string, op func(context.Context, uuid.UUID) error) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	if err := op(r.Context(), campaignID); err != nil {
		h.writeDispatchError(w, err, "transition campaign")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     campaignID.String(),
		"status": resulting,
	})
}

// GetCampaignStats handles GET /v1/campaigns/{id}/stats
func (h *Handler) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	stats, err := h.campaigns.CampaignStats(ctx, campaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
			return
		}
		h.logger.Error("failed to get campaign stats",
			zap.Error(err),
			zap.String("campaign_id", campaignID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get campaign stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user", "X-User-ID header must be a valid UUID")
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.URL == "" || len(req.Events) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "url and events are required")
		return
	}
	for _, ev := range req.Events {
		if !validEvents[ev] {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event type",
				"events must be email.sent, email.failed, email.opened, email.clicked, or email.unsubscribed")
			return
		}
	}

	if err := webhook.ValidateURL(req.URL); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_url", "Webhook URL rejected", err.Error())
		return
	}

	campaignIDs := make([]uuid.UUID, 0, len(req.CampaignIDs))
	for _, raw := range req.CampaignIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign_ids", "campaign_ids must be valid UUIDs")
			return
		}
		campaignIDs = append(campaignIDs, id)
	}

	hook := &db.Webhook{
		ID:             uuid.New(),
		UserID:         userID,
		URL:            req.URL,
		Events:         req.Events,
		Secret:         req.Secret,
		AuthHeader:     req.AuthHeader,
		AuthValue:      req.AuthValue,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
		IsActive:       true,
		CampaignIDs:    campaignIDs,
	}

	if err := h.webhooks.CreateWebhook(ctx, hook); err != nil {
		h.logger.Error("failed to create webhook",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("url", req.URL),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create webhook", "")
		return
	}

	h.logger.Info("webhook registered",
		zap.String("id", hook.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Strings("events", req.Events),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(hook)
}

// GetWebhook handles GET /v1/webhooks/{id}
func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	webhookID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid webhook ID", "ID must be a valid UUID")
		return
	}

	hook, err := h.webhooks.GetWebhook(ctx, webhookID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Webhook not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(hook)
}

// ListWebhookDeliveries handles GET /v1/webhooks/{id}/deliveries?limit=20&offset=0
func (h *Handler) ListWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	webhookID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid webhook ID", "ID must be a valid UUID")
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	deliveries, err := h.webhooks.ListDeliveriesByWebhook(ctx, webhookID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list webhook deliveries",
			zap.Error(err),
			zap.String("webhook_id", webhookID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   deliveries,
		"limit":  limit,
		"offset": offset,
		"count":  len(deliveries),
	})
}

// TestSMTP handles POST /api/smtp/test
// Verifies connectivity and credentials without sending anything.
func (h *Handler) TestSMTP(w http.ResponseWriter, r *http.Request) {
	var req SMTPTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid SMTP settings", "host and a valid port are required")
		return
	}

	sender := mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:        req.Host,
		Port:        req.Port,
		Username:    req.Username,
		Password:    req.Password,
		Secure:      req.Secure,
		DialTimeout: 10 * time.Second,
	}, h.logger)

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := sender.Verify(ctx); err != nil {
		h.logger.Info("smtp test failed",
			zap.String("host", req.Host),
			zap.Int("port", req.Port),
			zap.Error(err),
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
	})
}

// TestEmail handles POST /api/email/test
// Sends a one-off email to up to 5 recipients through the configured transport.
func (h *Handler) TestEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EmailTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	sender := h.sender
	if req.SMTP != nil {
		if req.SMTP.Host == "" || req.SMTP.Port <= 0 || req.SMTP.Port > 65535 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid SMTP settings", "host and a valid port are required")
			return
		}
		sender = mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:        req.SMTP.Host,
			Port:        req.SMTP.Port,
			Username:    req.SMTP.Username,
			Password:    req.SMTP.Password,
			Secure:      req.SMTP.Secure,
			DialTimeout: 10 * time.Second,
		}, h.logger)
	}
	if sender == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no_transport", "No email transport configured", "")
		return
	}
	if len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", "at least one recipient is required")
		return
	}
	if len(req.Recipients) > 5 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Too many recipients", "a test send accepts at most 5 recipients")
		return
	}
	if req.Subject == "" || req.FromEmail == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "subject and from_email are required")
		return
	}
	if req.HTMLBody == "" && req.TextBody == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing body", "html_body or text_body is required")
		return
	}

	results := make([]map[string]interface{}, 0, len(req.Recipients))
	for _, to := range req.Recipients {
		msg := mailer.Message{
			From:     req.FromEmail,
			FromName: req.FromName,
			To:       to,
			Subject:  req.Subject,
			HTML:     req.HTMLBody,
			Text:     req.TextBody,
		}

		entry := map[string]interface{}{"recipient": to}
		if err := msg.Validate(); err != nil {
			entry["success"] = false
			entry["error"] = err.Error()
		} else if messageID, err := sender.Send(ctx, msg); err != nil {
			entry["success"] = false
			entry["error"] = err.Error()
		} else {
			entry["success"] = true
			entry["message_id"] = messageID
		}
		results = append(results, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"results": results,
	})
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, dispatch.ErrCampaignNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
	case errors.Is(err, dispatch.ErrNoRecipients):
		h.writeError(w, http.StatusUnprocessableEntity, "no_recipients", "Campaign has no pending recipients", "")
	case errors.Is(err, dispatch.ErrInvalidState):
		h.writeError(w, http.StatusConflict, "invalid_state", "Campaign is in the wrong state", err.Error())
	default:
		h.logger.Error("failed to "+op, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed", "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
