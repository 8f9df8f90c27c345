package arbiter

import (
	"context"
	"encoding/json"
	"fmt"

	"lectern/internal/directory"
)

// Approve resolves a PENDING request in the challenger's favor.
//
// Two independent writes, deliberately not a transaction: first the request
// status, then the target user's token. Subscribers may observe them in
// either order; the SYNC_PENDING path in AttemptLogin absorbs the window.
// An approver holding the account's current session has just invalidated it
// and should expect a forced logout.
func (a *Arbiter) Approve(ctx context.Context, requestID string) error {
	req, ok := a.snap.RequestByID(requestID)
	if !ok {
		return fmt.Errorf("approve %s: %w", requestID, ErrRequestNotFound)
	}
	if req.Status.Terminal() {
		return fmt.Errorf("approve %s: %w", requestID, ErrRequestResolved)
	}

	if err := a.patchRequestStatus(ctx, requestID, directory.StatusApproved); err != nil {
		return fmt.Errorf("approve %s: %w", requestID, err)
	}
	if err := a.patchUserToken(ctx, req.UserID, req.NewSessionToken); err != nil {
		return fmt.Errorf("approve %s: rotate token: %w", requestID, err)
	}

	a.log.Info("arbiter.request.approved", "request_id", requestID, "user_id", req.UserID)
	return nil
}

// Reject resolves a PENDING request against the challenger.
// Only the request document is touched; the user record stays as it was.
func (a *Arbiter) Reject(ctx context.Context, requestID string) error {
	req, ok := a.snap.RequestByID(requestID)
	if !ok {
		return fmt.Errorf("reject %s: %w", requestID, ErrRequestNotFound)
	}
	if req.Status.Terminal() {
		return fmt.Errorf("reject %s: %w", requestID, ErrRequestResolved)
	}

	if err := a.patchRequestStatus(ctx, requestID, directory.StatusRejected); err != nil {
		return fmt.Errorf("reject %s: %w", requestID, err)
	}

	a.log.Info("arbiter.request.rejected", "request_id", requestID, "user_id", req.UserID)
	return nil
}

// ApplyRequests feeds a loginRequests snapshot into the arbiter and resolves
// any waiters whose request reached a terminal status.
func (a *Arbiter) ApplyRequests(requests []directory.LoginRequest) {
	a.snap.SetRequests(requests)

	type resolution struct {
		id     string
		status directory.Status
		chans  []chan directory.Status
	}

	var resolutions []resolution

	a.mu.Lock()
	for _, r := range requests {
		if !r.Status.Terminal() {
			continue
		}
		if _, done := a.resolved[r.ID]; done {
			continue
		}
		a.resolved[r.ID] = struct{}{}

		res := resolution{id: r.ID, status: r.Status, chans: a.waiters[r.ID]}
		delete(a.waiters, r.ID)
		resolutions = append(resolutions, res)
	}
	a.mu.Unlock()

	for _, res := range resolutions {
		for _, ch := range res.chans {
			ch <- res.status
		}
		if a.onRequestResolved != nil {
			a.onRequestResolved(res.id, res.status)
		}
	}
}

// AwaitDecision blocks until the request leaves PENDING or ctx is done.
// Abandoning the wait does not retract the request from the store; a late
// approval can still rotate the account's token with no one watching.
func (a *Arbiter) AwaitDecision(ctx context.Context, requestID string) (directory.Status, error) {
	ch := make(chan directory.Status, 1)

	// The terminal check and the waiter registration must sit in one critical
	// section: a snapshot applied between the two would record the resolution
	// with no waiter attached, and later snapshots skip already-resolved ids.
	a.mu.Lock()
	if req, ok := a.snap.RequestByID(requestID); ok && req.Status.Terminal() {
		a.resolved[requestID] = struct{}{}
		a.mu.Unlock()
		return req.Status, nil
	}
	a.waiters[requestID] = append(a.waiters[requestID], ch)
	a.mu.Unlock()

	defer a.removeWaiter(requestID, ch)

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Arbiter) removeWaiter(requestID string, ch chan directory.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()

	chans := a.waiters[requestID]
	for i, c := range chans {
		if c == ch {
			a.waiters[requestID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(a.waiters[requestID]) == 0 {
		delete(a.waiters, requestID)
	}
}

func (a *Arbiter) patchRequestStatus(ctx context.Context, requestID string, status directory.Status) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return a.writer.Patch(ctx, directory.CollectionLoginRequests, requestID, map[string]json.RawMessage{
		"status": raw,
	})
}
