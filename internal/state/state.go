// Package state centralizes campaign and recipient status transitions.
// Handlers and workers never write status fields directly; they ask this
// package whether a transition is legal and the repositories apply it with
// a compare-and-set, so illegal states are unreachable from ad hoc writes.
package state

import (
	"errors"
	"fmt"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// Recipient statuses.
const (
	RecipientPending      = "pending"
	RecipientQueued       = "queued"
	RecipientSent         = "sent"
	RecipientDelivered    = "delivered"
	RecipientFailed       = "failed"
	RecipientOpened       = "opened"
	RecipientClicked      = "clicked"
	RecipientBounced      = "bounced"
	RecipientComplained   = "complained"
	RecipientUnsubscribed = "unsubscribed"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid status transition")

func invalid(kind, from, to string) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}

// ActivateSources are the statuses a campaign may be queued from. The
// repositories use this set in the activation compare-and-set, which is the
// sole guard against double-queueing a campaign.
func ActivateSources() []string {
	return []string{CampaignDraft, CampaignScheduled}
}

// Activate validates draft|scheduled -> sending.
func Activate(from string) error {
	if from != CampaignDraft && from != CampaignScheduled {
		return invalid("campaign", from, CampaignSending)
	}
	return nil
}

// Pause validates sending -> paused.
func Pause(from string) error {
	if from != CampaignSending {
		return invalid("campaign", from, CampaignPaused)
	}
	return nil
}

// Resume validates paused -> sending.
func Resume(from string) error {
	if from != CampaignPaused {
		return invalid("campaign", from, CampaignSending)
	}
	return nil
}

// Complete validates sending -> completed.
func Complete(from string) error {
	if from != CampaignSending {
		return invalid("campaign", from, CampaignCompleted)
	}
	return nil
}

// Cancel validates the transition to cancelled. Completed and cancelled
// campaigns are terminal.
func Cancel(from string) error {
	switch from {
	case CampaignDraft, CampaignScheduled, CampaignSending, CampaignPaused:
		return nil
	}
	return invalid("campaign", from, CampaignCancelled)
}

// recipientNext maps each recipient status to its legal successors.
var recipientNext = map[string]map[string]bool{
	RecipientPending: {
		RecipientQueued:       true,
		RecipientUnsubscribed: true,
	},
	RecipientQueued: {
		RecipientQueued:       true, // retry loop
		RecipientSent:         true,
		RecipientDelivered:    true,
		RecipientFailed:       true,
		RecipientUnsubscribed: true,
	},
	RecipientSent: {
		RecipientDelivered:    true,
		RecipientOpened:       true,
		RecipientClicked:      true,
		RecipientBounced:      true,
		RecipientComplained:   true,
		RecipientUnsubscribed: true,
	},
	RecipientDelivered: {
		RecipientOpened:       true,
		RecipientClicked:      true,
		RecipientBounced:      true,
		RecipientComplained:   true,
		RecipientUnsubscribed: true,
	},
	RecipientOpened: {
		RecipientClicked:      true,
		RecipientComplained:   true,
		RecipientUnsubscribed: true,
	},
	RecipientClicked: {
		RecipientComplained:   true,
		RecipientUnsubscribed: true,
	},
}

// RecipientTransition validates a recipient status change. Failed, bounced,
// complained and unsubscribed are terminal.
func RecipientTransition(from, to string) error {
	if next, ok := recipientNext[from]; ok && next[to] {
		return nil
	}
	return invalid("recipient", from, to)
}

// TerminalRecipient reports whether a recipient status ends the send
// lifecycle for campaign-completion accounting.
func TerminalRecipient(status string) bool {
	switch status {
	case RecipientPending, RecipientQueued:
		return false
	}
	return true
}
