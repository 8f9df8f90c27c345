package arbiter

import (
	"context"
	"time"
)

// LoginWithApproval retries an approved login until the local snapshot
// catches up with the approver's write.
//
// Backoff is short first (the write usually lands quickly) and steady after:
// 500ms, then 1s per attempt by default. The attempt cap turns an approver
// write that never propagates into ErrApprovalSyncTimeout instead of an
// unbounded wait. Cancellable via ctx.
func (a *Arbiter) LoginWithApproval(ctx context.Context, username, password, approvedToken string) (LoginResult, error) {
	delay := a.retryInitialDelay

	for attempt := 1; attempt <= a.retryMaxAttempts; attempt++ {
		res, err := a.AttemptLogin(ctx, username, password, approvedToken)
		if err != nil {
			return res, err
		}
		if res.Outcome != OutcomeSyncPending {
			return res, nil
		}

		a.log.Debug("arbiter.approval.sync_pending", "attempt", attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return LoginResult{Outcome: OutcomeSyncPending}, ctx.Err()
		case <-timer.C:
		}
		delay = a.retrySteadyDelay
	}

	return LoginResult{Outcome: OutcomeSyncPending}, ErrApprovalSyncTimeout
}
