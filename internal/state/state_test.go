package state

import (
	"errors"
	"testing"
)

func TestCampaignTransitions(t *testing.T) {
	tests := []struct {
		name string
		op   func(string) error
		from string
		ok   bool
	}{
		{"activate from draft", Activate, CampaignDraft, true},
		{"activate from scheduled", Activate, CampaignScheduled, true},
		{"activate from sending", Activate, CampaignSending, false},
		{"activate from completed", Activate, CampaignCompleted, false},
		{"activate from cancelled", Activate, CampaignCancelled, false},

		{"pause from sending", Pause, CampaignSending, true},
		{"pause from draft", Pause, CampaignDraft, false},
		{"pause from paused", Pause, CampaignPaused, false},

		{"resume from paused", Resume, CampaignPaused, true},
		{"resume from sending", Resume, CampaignSending, false},
		{"resume from cancelled", Resume, CampaignCancelled, false},

		{"complete from sending", Complete, CampaignSending, true},
		{"complete from paused", Complete, CampaignPaused, false},

		{"cancel from sending", Cancel, CampaignSending, true},
		{"cancel from paused", Cancel, CampaignPaused, true},
		{"cancel from scheduled", Cancel, CampaignScheduled, true},
		{"cancel from completed", Cancel, CampaignCompleted, false},
		{"cancel from cancelled", Cancel, CampaignCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op(tt.from)
			if tt.ok && err != nil {
				t.Errorf("expected transition to be legal, got %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected transition to be rejected")
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("error should wrap ErrInvalidTransition, got %v", err)
				}
			}
		})
	}
}

func TestActivateSources(t *testing.T) {
	sources := ActivateSources()
	if len(sources) != 2 {
		t.Fatalf("got %v", sources)
	}
	if sources[0] != CampaignDraft || sources[1] != CampaignScheduled {
		t.Errorf("got %v", sources)
	}
}

func TestRecipientTransition(t *testing.T) {
	legal := []struct{ from, to string }{
		{RecipientPending, RecipientQueued},
		{RecipientQueued, RecipientSent},
		{RecipientQueued, RecipientFailed},
		{RecipientSent, RecipientOpened},
		{RecipientSent, RecipientBounced},
		{RecipientOpened, RecipientClicked},
		{RecipientOpened, RecipientUnsubscribed},
	}
	for _, tr := range legal {
		if err := RecipientTransition(tr.from, tr.to); err != nil {
			t.Errorf("%s -> %s should be legal: %v", tr.from, tr.to, err)
		}
	}

	illegal := []struct{ from, to string }{
		{RecipientPending, RecipientSent},
		{RecipientSent, RecipientQueued},
		{RecipientFailed, RecipientSent},
		{RecipientUnsubscribed, RecipientSent},
	}
	for _, tr := range illegal {
		if err := RecipientTransition(tr.from, tr.to); err == nil {
			t.Errorf("%s -> %s should be rejected", tr.from, tr.to)
		}
	}
}

func TestTerminalRecipient(t *testing.T) {
	if TerminalRecipient(RecipientQueued) {
		t.Error("queued is not terminal")
	}
	if TerminalRecipient(RecipientPending) {
		t.Error("pending is not terminal")
	}
	for _, s := range []string{RecipientFailed, RecipientBounced, RecipientComplained, RecipientUnsubscribed} {
		if !TerminalRecipient(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
}
