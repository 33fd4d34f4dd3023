package mailer

import (
	"context"
	"errors"
	"net"
	"net/textproto"
)

// Permanent reports whether a send error can never succeed on retry.
// Anything ambiguous is treated as transient so a job is never lost to a
// misclassified error: the retry budget bounds the damage.
func Permanent(err error) bool {
	if err == nil {
		return false
	}

	// Malformed addresses never deliver.
	if errors.Is(err, ErrInvalidRecipient) {
		return true
	}

	// Timeouts and connection errors are infrastructure trouble.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	// SMTP 5xx replies are permanent rejections (bad mailbox, policy).
	// 4xx replies ask the client to try again later.
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 500 && protoErr.Code < 600
	}

	return false
}
