package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/db"
	"github.com/mailburst/mailburst/internal/dispatch"
	"github.com/mailburst/mailburst/internal/mailer"
	"github.com/mailburst/mailburst/internal/webhook"
)

type stubSender struct {
	failFor string
	sent    []mailer.Message
}

func (s *stubSender) Verify(context.Context) error { return nil }

func (s *stubSender) Send(_ context.Context, msg mailer.Message) (string, error) {
	if msg.To == s.failFor {
		return "", fmt.Errorf("mailbox unavailable")
	}
	s.sent = append(s.sent, msg)
	return uuid.NewString(), nil
}

type fakeDispatcher struct {
	queueErr      error
	transitionErr error
	lastOpts      dispatch.Options
	queuedCount   int
}

func (f *fakeDispatcher) QueueCampaign(_ context.Context, _ uuid.UUID, opts dispatch.Options) (*dispatch.Result, error) {
	f.lastOpts = opts
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return &dispatch.Result{QueuedCount: f.queuedCount}, nil
}

func (f *fakeDispatcher) Pause(context.Context, uuid.UUID) error  { return f.transitionErr }
func (f *fakeDispatcher) Resume(context.Context, uuid.UUID) error { return f.transitionErr }
func (f *fakeDispatcher) Cancel(context.Context, uuid.UUID) error { return f.transitionErr }

type fakeCampaignStore struct {
	stats    *db.CampaignStats
	statsErr error
}

func (f *fakeCampaignStore) GetCampaign(context.Context, uuid.UUID) (*db.Campaign, error) {
	return nil, db.ErrNotFound
}

func (f *fakeCampaignStore) CampaignStats(context.Context, uuid.UUID) (*db.CampaignStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.stats, nil
}

type fakeWebhookStore struct {
	created    *db.Webhook
	createErr  error
	hook       *db.Webhook
	deliveries []*db.WebhookDelivery
	lastLimit  int
	lastOffset int
}

func (f *fakeWebhookStore) CreateWebhook(_ context.Context, w *db.Webhook) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = w
	return nil
}

func (f *fakeWebhookStore) GetWebhook(context.Context, uuid.UUID) (*db.Webhook, error) {
	if f.hook == nil {
		return nil, db.ErrNotFound
	}
	return f.hook, nil
}

func (f *fakeWebhookStore) ListDeliveriesByWebhook(_ context.Context, _ uuid.UUID, limit, offset int) ([]*db.WebhookDelivery, error) {
	f.lastLimit = limit
	f.lastOffset = offset
	return f.deliveries, nil
}

func newRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/campaigns/{id}/send", h.SendCampaign)
		r.Post("/campaigns/{id}/pause", h.PauseCampaign)
		r.Post("/campaigns/{id}/resume", h.ResumeCampaign)
		r.Post("/campaigns/{id}/cancel", h.CancelCampaign)
		r.Get("/campaigns/{id}/stats", h.GetCampaignStats)
		r.Post("/webhooks", h.CreateWebhook)
		r.Get("/webhooks/{id}", h.GetWebhook)
		r.Get("/webhooks/{id}/deliveries", h.ListWebhookDeliveries)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSendCampaign(t *testing.T) {
	campaignID := uuid.New()

	tests := []struct {
		name       string
		path       string
		body       string
		queueErr   error
		wantStatus int
		wantType   string
	}{
		{
			name:       "accepted",
			path:       "/v1/campaigns/" + campaignID.String() + "/send",
			body:       `{"priority":"high","batch_size":100}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "accepted without body",
			path:       "/v1/campaigns/" + campaignID.String() + "/send",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "bad campaign id",
			path:       "/v1/campaigns/not-a-uuid/send",
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "bad priority",
			path:       "/v1/campaigns/" + campaignID.String() + "/send",
			body:       `{"priority":"urgent"}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "malformed json",
			path:       "/v1/campaigns/" + campaignID.String() + "/send",
			body:       `{"priority":`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "not found",
			path:       "/v1/campaigns/" + campaignID.String() + "/send",
			queueErr:   dispatch.ErrCampaignNotFound,
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
		},
		{
			name:       "no recipients",
			path:       "/v1/campaigns/" + campaignID.String() + "/send",
			queueErr:   dispatch.ErrNoRecipients,
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   "no_recipients",
		},
		{
			name:       "wrong state",
			path:       "/v1/campaigns/" + campaignID.String() + "/send",
			queueErr:   fmt.Errorf("%w: campaign cannot be sent in status %q", dispatch.ErrInvalidState, "completed"),
			wantStatus: http.StatusConflict,
			wantType:   "invalid_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disp := &fakeDispatcher{queueErr: tt.queueErr, queuedCount: 42}
			h := NewHandler(zap.NewNop(), disp, &fakeCampaignStore{}, &fakeWebhookStore{}, nil)
			rec := doJSON(t, newRouter(h), http.MethodPost, tt.path, tt.body, nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted {
				var result dispatch.Result
				if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if result.QueuedCount != 42 {
					t.Errorf("queued_count = %d, want 42", result.QueuedCount)
				}
				return
			}
			var problem ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
				t.Fatalf("decode problem: %v", err)
			}
			if problem.Type != tt.wantType {
				t.Errorf("problem type = %q, want %q", problem.Type, tt.wantType)
			}
		})
	}
}

func TestSendCampaignOptions(t *testing.T) {
	disp := &fakeDispatcher{queuedCount: 1}
	h := NewHandler(zap.NewNop(), disp, &fakeCampaignStore{}, &fakeWebhookStore{}, nil)
	path := "/v1/campaigns/" + uuid.NewString() + "/send"
	body := `{"priority":"low","batch_size":50,"delay_between_batches_seconds":120}`

	rec := doJSON(t, newRouter(h), http.MethodPost, path, body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	if disp.lastOpts.Priority != "low" || disp.lastOpts.BatchSize != 50 {
		t.Errorf("options not forwarded: %+v", disp.lastOpts)
	}
	if disp.lastOpts.DelayBetweenBatches.Seconds() != 120 {
		t.Errorf("delay = %v, want 2m", disp.lastOpts.DelayBetweenBatches)
	}
}

func TestCampaignTransitions(t *testing.T) {
	campaignID := uuid.New()

	tests := []struct {
		name       string
		action     string
		err        error
		wantStatus int
		wantResult string
	}{
		{"pause ok", "pause", nil, http.StatusOK, "paused"},
		{"resume ok", "resume", nil, http.StatusOK, "sending"},
		{"cancel ok", "cancel", nil, http.StatusOK, "cancelled"},
		{"pause conflict", "pause", fmt.Errorf("%w: nope", dispatch.ErrInvalidState), http.StatusConflict, ""},
		{"resume not found", "resume", dispatch.ErrCampaignNotFound, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disp := &fakeDispatcher{transitionErr: tt.err}
			h := NewHandler(zap.NewNop(), disp, &fakeCampaignStore{}, &fakeWebhookStore{}, nil)
			path := "/v1/campaigns/" + campaignID.String() + "/" + tt.action

			rec := doJSON(t, newRouter(h), http.MethodPost, path, "", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantResult != "" {
				var resp map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if resp["status"] != tt.wantResult {
					t.Errorf("status field = %q, want %q", resp["status"], tt.wantResult)
				}
				if resp["id"] != campaignID.String() {
					t.Errorf("id field = %q, want %q", resp["id"], campaignID)
				}
			}
		})
	}
}

func TestGetCampaignStats(t *testing.T) {
	campaignID := uuid.New()
	store := &fakeCampaignStore{stats: &db.CampaignStats{
		CampaignID: campaignID,
		Status:     "sending",
		Counts:     map[string]int{"sent": 10, "failed": 1},
	}}
	h := NewHandler(zap.NewNop(), &fakeDispatcher{}, store, &fakeWebhookStore{}, nil)

	rec := doJSON(t, newRouter(h), http.MethodGet, "/v1/campaigns/"+campaignID.String()+"/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	var stats db.CampaignStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Counts["sent"] != 10 {
		t.Errorf("sent count = %d, want 10", stats.Counts["sent"])
	}

	store.statsErr = db.ErrNotFound
	rec = doJSON(t, newRouter(h), http.MethodGet, "/v1/campaigns/"+campaignID.String()+"/stats", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing campaign status = %d, want 404", rec.Code)
	}
}

func TestCreateWebhook(t *testing.T) {
	userID := uuid.NewString()
	auth := map[string]string{"X-User-ID": userID}

	tests := []struct {
		name       string
		body       string
		headers    map[string]string
		wantStatus int
		wantType   string
	}{
		{
			name:       "created",
			body:       `{"url":"https://hooks.example.com/incoming","events":["email.sent","email.opened"],"secret":"s3cret"}`,
			headers:    auth,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing user header",
			body:       `{"url":"https://hooks.example.com/incoming","events":["email.sent"]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "missing url",
			body:       `{"events":["email.sent"]}`,
			headers:    auth,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "no events",
			body:       `{"url":"https://hooks.example.com/incoming","events":[]}`,
			headers:    auth,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "unknown event",
			body:       `{"url":"https://hooks.example.com/incoming","events":["email.bounced"]}`,
			headers:    auth,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "loopback url rejected",
			body:       `{"url":"http://127.0.0.1:9999/hook","events":["email.sent"]}`,
			headers:    auth,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_url",
		},
		{
			name:       "private network rejected",
			body:       `{"url":"http://10.0.0.5/hook","events":["email.sent"]}`,
			headers:    auth,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_url",
		},
		{
			name:       "bad campaign ids",
			body:       `{"url":"https://hooks.example.com/incoming","events":["email.sent"],"campaign_ids":["nope"]}`,
			headers:    auth,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeWebhookStore{}
			h := NewHandler(zap.NewNop(), &fakeDispatcher{}, &fakeCampaignStore{}, store, nil)
			rec := doJSON(t, newRouter(h), http.MethodPost, "/v1/webhooks", tt.body, tt.headers)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusCreated {
				if store.created == nil {
					t.Fatal("webhook not persisted")
				}
				if !store.created.IsActive {
					t.Error("new webhook should be active")
				}
				if store.created.UserID.String() != userID {
					t.Errorf("user_id = %s, want %s", store.created.UserID, userID)
				}
				if len(store.created.Events) != 2 || store.created.Events[0] != webhook.EventEmailSent {
					t.Errorf("events = %v", store.created.Events)
				}
				return
			}
			if store.created != nil {
				t.Error("rejected request must not persist a webhook")
			}
			var problem ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
				t.Fatalf("decode problem: %v", err)
			}
			if problem.Type != tt.wantType {
				t.Errorf("problem type = %q, want %q", problem.Type, tt.wantType)
			}
		})
	}
}

func TestGetWebhook(t *testing.T) {
	hook := &db.Webhook{ID: uuid.New(), URL: "https://hooks.example.com/a", Events: []string{webhook.EventEmailSent}}
	store := &fakeWebhookStore{hook: hook}
	h := NewHandler(zap.NewNop(), &fakeDispatcher{}, &fakeCampaignStore{}, store, nil)

	rec := doJSON(t, newRouter(h), http.MethodGet, "/v1/webhooks/"+hook.ID.String(), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}

	store.hook = nil
	rec = doJSON(t, newRouter(h), http.MethodGet, "/v1/webhooks/"+uuid.NewString(), "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown webhook status = %d, want 404", rec.Code)
	}
}

func TestListWebhookDeliveries(t *testing.T) {
	webhookID := uuid.New()
	store := &fakeWebhookStore{deliveries: []*db.WebhookDelivery{
		{ID: uuid.New(), WebhookID: webhookID, Status: db.DeliveryDelivered},
	}}
	h := NewHandler(zap.NewNop(), &fakeDispatcher{}, &fakeCampaignStore{}, store, nil)
	router := newRouter(h)
	base := "/v1/webhooks/" + webhookID.String() + "/deliveries"

	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", 20, 0},
		{"explicit", "?limit=50&offset=100", 50, 100},
		{"limit capped", "?limit=500", 20, 0},
		{"negative ignored", "?limit=-1&offset=-5", 20, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodGet, base+tt.query, "", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
			}
			if store.lastLimit != tt.wantLimit || store.lastOffset != tt.wantOffset {
				t.Errorf("limit/offset = %d/%d, want %d/%d", store.lastLimit, store.lastOffset, tt.wantLimit, tt.wantOffset)
			}
			var resp struct {
				Count int `json:"count"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Count != 1 {
				t.Errorf("count = %d, want 1", resp.Count)
			}
		})
	}
}

func TestTestEmailValidation(t *testing.T) {
	many := `["a@example.com","b@example.com","c@example.com","d@example.com","e@example.com","f@example.com"]`

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"no recipients", `{"recipients":[],"subject":"s","from_email":"f@example.com","text_body":"hi"}`, http.StatusBadRequest},
		{"too many recipients", `{"recipients":` + many + `,"subject":"s","from_email":"f@example.com","text_body":"hi"}`, http.StatusBadRequest},
		{"missing subject", `{"recipients":["a@example.com"],"from_email":"f@example.com","text_body":"hi"}`, http.StatusBadRequest},
		{"missing body", `{"recipients":["a@example.com"],"subject":"s","from_email":"f@example.com"}`, http.StatusBadRequest},
	}

	sender := &stubSender{}
	h := NewHandler(zap.NewNop(), &fakeDispatcher{}, &fakeCampaignStore{}, &fakeWebhookStore{}, sender)
	router := chi.NewRouter()
	router.Post("/api/email/test", h.TestEmail)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/email/test", tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestTestEmailResults(t *testing.T) {
	sender := &stubSender{failFor: "bad@example.com"}
	h := NewHandler(zap.NewNop(), &fakeDispatcher{}, &fakeCampaignStore{}, &fakeWebhookStore{}, sender)
	router := chi.NewRouter()
	router.Post("/api/email/test", h.TestEmail)

	body := `{"recipients":["ok@example.com","bad@example.com"],"subject":"s","from_email":"f@example.com","text_body":"hi"}`
	rec := doJSON(t, router, http.MethodPost, "/api/email/test", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Results []struct {
			Recipient string `json:"recipient"`
			Success   bool   `json:"success"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	if !resp.Results[0].Success || resp.Results[1].Success {
		t.Errorf("unexpected outcomes: %+v", resp.Results)
	}
	if resp.Results[1].Error == "" {
		t.Error("failed send should carry an error message")
	}
}

func TestTestEmailNoTransport(t *testing.T) {
	h := NewHandler(zap.NewNop(), &fakeDispatcher{}, &fakeCampaignStore{}, &fakeWebhookStore{}, nil)
	router := chi.NewRouter()
	router.Post("/api/email/test", h.TestEmail)

	body := `{"recipients":["a@example.com"],"subject":"s","from_email":"f@example.com","text_body":"hi"}`
	rec := doJSON(t, router, http.MethodPost, "/api/email/test", body, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
