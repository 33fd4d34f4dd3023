// Package mailer is the stateless email transport boundary. A Sender sends
// exactly one message per call and reports the outcome; retry policy lives
// with the send worker, not here.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
)

// Message is one fully rendered email ready for transport.
type Message struct {
	From     string
	FromName string
	To       string
	ReplyTo  string
	Subject  string
	HTML     string
	Text     string
}

// Validate rejects messages the transport would refuse anyway.
func (m Message) Validate() error {
	if m.To == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidRecipient)
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, m.To)
	}
	if m.From == "" {
		return errors.New("message missing from address")
	}
	if m.Subject == "" && m.HTML == "" && m.Text == "" {
		return errors.New("message has no content")
	}
	return nil
}

// Sender sends one message at a time over a configured transport.
type Sender interface {
	// Verify opens a connection to the transport endpoint and confirms
	// authentication succeeds.
	Verify(ctx context.Context) error
	// Send delivers one message and returns the transport message ID.
	Send(ctx context.Context, msg Message) (string, error)
}

// ErrInvalidRecipient marks permanently undeliverable addresses.
var ErrInvalidRecipient = errors.New("invalid recipient address")
