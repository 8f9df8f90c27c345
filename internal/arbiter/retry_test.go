package arbiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginWithApproval_SucceedsOnceSnapshotCatchesUp(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedAlice(t, store, "tok-stale")

	d := newDevice(t, store)
	d.sync(t, store)

	// The approver's write lands mid-retry.
	var delivered atomic.Bool
	go func() {
		time.Sleep(5 * time.Millisecond)
		u := store.user(t, "u-alice")
		u.SessionToken = "tok-approved"
		store.seedUser(t, u)
		d.sync(t, store)
		delivered.Store(true)
	}()

	res, err := d.arb.LoginWithApproval(context.Background(), "alice", "pw-alice", "tok-approved")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.True(t, delivered.Load())
}

func TestLoginWithApproval_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedAlice(t, store, "tok-stale")

	d := newDevice(t, store) // snapshot never updates
	d.sync(t, store)

	res, err := d.arb.LoginWithApproval(context.Background(), "alice", "pw-alice", "tok-never-arrives")
	assert.ErrorIs(t, err, ErrApprovalSyncTimeout)
	assert.Equal(t, OutcomeSyncPending, res.Outcome)
}

func TestLoginWithApproval_Cancellable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedAlice(t, store, "tok-stale")

	d := newDevice(t, store, func(cfg *Config) {
		cfg.RetryInitialDelay = time.Hour
		cfg.RetrySteadyDelay = time.Hour
	})
	d.sync(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := d.arb.LoginWithApproval(ctx, "alice", "pw-alice", "tok-never-arrives")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoginWithApproval_TerminalFailurePassesThrough(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedAlice(t, store, "tok-stale")

	d := newDevice(t, store)
	d.sync(t, store)

	res, err := d.arb.LoginWithApproval(context.Background(), "alice", "wrong-pw", "tok-x")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.ErrorIs(t, res.Reason, ErrInvalidPassword)
}
