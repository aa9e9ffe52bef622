package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/campushub/go-comms-backend/internal/domain"
)

// Sender pushes one rendered notification to an external provider. A nil
// return means the provider accepted the message. Implementations must be
// safe for concurrent use and must respect ctx cancellation; the pool
// applies the per-call deadline.
type Sender interface {
	Send(ctx context.Context, item *domain.NotificationItem) error
}

// permanentError marks a sender failure that retrying cannot fix (invalid
// recipient, hard bounce, revoked device token). Senders wrap such failures
// with Permanent; everything else is treated as transient.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool resolves the item terminally instead of
// retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, item *domain.NotificationItem) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, item *domain.NotificationItem) error {
	return f(ctx, item)
}

// LogSender is the development sender: it structured-logs the delivery and
// reports success. Useful locally and in tests; production wires real
// provider clients per channel.
func LogSender(channel domain.Channel) Sender {
	return SenderFunc(func(ctx context.Context, item *domain.NotificationItem) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("send cancelled: %w", err)
		}
		log.Info().
			Str("channel", string(channel)).
			Str("item_id", item.ID).
			Str("user_id", item.UserID).
			Str("template", item.TemplateName).
			Str("subject", item.Subject).
			Msg("notification delivered (log sender)")
		return nil
	})
}

// InAppSender delivers in-app notifications. The item row itself is the
// in-app inbox entry, so "sending" is a no-op acknowledgement: marking the
// item sent makes it visible to the user's notification feed.
func InAppSender() Sender {
	return SenderFunc(func(ctx context.Context, _ *domain.NotificationItem) error {
		return ctx.Err()
	})
}
