package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{"normal", PriorityNormal, false},
		{"", PriorityNormal, false},
		{"low", PriorityLow, false},
		{"urgent", 0, true},
	}

	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePriority(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePriority(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPriorityNameRoundTrip(t *testing.T) {
	for _, name := range []string{"high", "normal", "low"} {
		p, err := ParsePriority(name)
		if err != nil {
			t.Fatalf("ParsePriority(%q): %v", name, err)
		}
		if got := PriorityName(p); got != name {
			t.Errorf("PriorityName(%d) = %q, want %q", p, got, name)
		}
	}
}

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	limit := 15 * time.Minute

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute}, // capped
		{20, 15 * time.Minute},
		{0, 30 * time.Second}, // clamped to first attempt
	}

	for _, tt := range tests {
		if got := Backoff(base, limit, tt.attempt); got != tt.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNewSendEmailJob(t *testing.T) {
	campaignID := uuid.New()
	recipientID := uuid.New()
	runAt := time.Now().Add(time.Minute)

	job := NewSendEmailJob(campaignID, recipientID, PriorityHigh, 5, runAt)

	if job.Kind != KindSendEmail {
		t.Errorf("kind = %q", job.Kind)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %q", job.Status)
	}
	if job.CampaignID == nil || *job.CampaignID != campaignID {
		t.Error("campaign id not set for sweep queries")
	}
	if !job.RunAt.Equal(runAt) {
		t.Errorf("run_at = %v, want %v", job.RunAt, runAt)
	}

	var payload SendEmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.CampaignID != campaignID || payload.RecipientID != recipientID {
		t.Errorf("payload = %+v", payload)
	}
}

func TestNewDeliverWebhookJob(t *testing.T) {
	deliveryID := uuid.New()

	job := NewDeliverWebhookJob(deliveryID, 3)

	if job.Kind != KindDeliverWebhook {
		t.Errorf("kind = %q", job.Kind)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", job.MaxAttempts)
	}
	if job.CampaignID != nil {
		t.Error("delivery jobs are not swept by campaign")
	}

	var payload DeliverWebhookPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.DeliveryID != deliveryID {
		t.Errorf("payload = %+v", payload)
	}
}
