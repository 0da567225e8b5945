package billing

import "context"

// NoopGuard is used when billing is switched off. Every send is allowed.
type NoopGuard struct{}

func (NoopGuard) ReserveCredits(_ context.Context, req ReserveRequest) (ReserveResult, error) {
	if req.NotificationID == "" {
		return ReserveResult{}, ErrMissingNotificationID
	}
	return ReserveResult{Success: true}, nil
}

func (NoopGuard) ConfirmCreditsUsed(context.Context, string) error { return nil }

func (NoopGuard) RefundCredits(context.Context, string) error { return nil }
