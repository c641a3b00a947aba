// Package collab declares the collaborator contracts the real-time core
// consumes but does not implement: content moderation, out-of-band
// notification sinks, and a payment gateway contract that nothing in this
// module calls.
package collab

import (
	"context"

	"github.com/linkwithmentor/platform/infrastructure/store"
)

// Moderator classifies message bodies. Implementations must be synchronous
// with bounded latency; callers time-box the call.
type Moderator interface {
	ModerateText(ctx context.Context, body string) (store.ModerationStatus, error)
}

// EmailSink delivers email notifications, fire-and-forget from the core.
type EmailSink interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSink delivers SMS notifications.
type SMSSink interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSink delivers push notifications.
type PushSink interface {
	SendPush(ctx context.Context, userID, title, body string) error
}

// PaymentGateway declares the payment operations. Nothing in this module
// implements or calls it; the booking saga reaches the payment service
// through HTTP actions. Operations must be idempotent; the coordinator
// retries at-least-once.
type PaymentGateway interface {
	Charge(ctx context.Context, idempotencyKey string, amountCents int64, currency, customerID string) (string, error)
	Refund(ctx context.Context, chargeID string) error
	Payout(ctx context.Context, idempotencyKey string, amountCents int64, currency, accountID string) (string, error)
	VerifyWebhook(payload []byte, signature string) error
	GetStatus(ctx context.Context, chargeID string) (string, error)
}
