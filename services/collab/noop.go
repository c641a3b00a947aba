package collab

import (
	"context"

	"github.com/linkwithmentor/platform/infrastructure/store"
)

// ApproveAllModerator approves everything. Used when the moderation service
// is not deployed and in tests.
type ApproveAllModerator struct{}

func (ApproveAllModerator) ModerateText(_ context.Context, _ string) (store.ModerationStatus, error) {
	return store.ModerationApproved, nil
}

// NopEmailSink drops email sends.
type NopEmailSink struct{}

func (NopEmailSink) SendEmail(_ context.Context, _, _, _ string) error { return nil }

// NopSMSSink drops SMS sends.
type NopSMSSink struct{}

func (NopSMSSink) SendSMS(_ context.Context, _, _ string) error { return nil }

// NopPushSink drops push sends.
type NopPushSink struct{}

func (NopPushSink) SendPush(_ context.Context, _, _, _ string) error { return nil }
