// Package arbiter enforces at-most-one active session per STANDARD account.
//
// All coordination happens through the replicated record store: a login
// attempt consults the latest local snapshot, conflicts produce a PENDING
// login request, and an approver's writes eventually propagate to every
// subscriber. The arbiter never holds locks across clients; the
// User.sessionToken field is protected only by optimistic overwrite, and two
// simultaneous fresh logins can both briefly succeed until the next snapshot
// reconciles one of them out. That is an accepted property of the protocol,
// not a defect to be fixed with locking.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"lectern/internal/directory"
	"lectern/internal/localcache"
)

// RecordWriter is the mutation surface of the record store used by the arbiter.
type RecordWriter interface {
	Put(ctx context.Context, collection, id string, doc json.RawMessage) error
	Patch(ctx context.Context, collection, id string, fields map[string]json.RawMessage) error
}

// SessionCache is the durable local marker storage (survives restarts).
type SessionCache interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Outcome classifies the result of a login attempt.
type Outcome int

const (
	// OutcomeSuccess means the session was adopted and persisted locally.
	OutcomeSuccess Outcome = iota
	// OutcomeSyncPending means an approval retry found the local snapshot
	// still behind the approver's write. Transient; retry with backoff.
	OutcomeSyncPending
	// OutcomePendingRequest means a login request was created and the caller
	// must wait for an approver's decision.
	OutcomePendingRequest
	// OutcomeFailure means a terminal credential failure; see LoginResult.Reason.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeSyncPending:
		return "SYNC_PENDING"
	case OutcomePendingRequest:
		return "PENDING_REQUEST"
	case OutcomeFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// LoginResult is the answer to one login attempt.
type LoginResult struct {
	Outcome Outcome

	// User is set on OutcomeSuccess.
	User directory.User

	// RequestID and NewSessionToken are set on OutcomePendingRequest. The
	// challenger keeps NewSessionToken to retry with once approved.
	RequestID       string
	NewSessionToken string

	// Reason is ErrUserNotFound or ErrInvalidPassword on OutcomeFailure.
	Reason error
}

// Config wires the arbiter's collaborators.
type Config struct {
	Writer RecordWriter
	Cache  SessionCache
	Log    *slog.Logger

	// OnForcedLogout fires when another device's session preempts the local one.
	OnForcedLogout func(live directory.User)
	// OnRequestResolved fires once per request when it reaches a terminal status.
	OnRequestResolved func(requestID string, status directory.Status)

	// RestoreTimeout bounds the wait for the first users snapshot (default 5s).
	RestoreTimeout time.Duration

	// Backoff for the approval retry loop (defaults 500ms initial, 1s steady,
	// 20 attempts).
	RetryInitialDelay time.Duration
	RetrySteadyDelay  time.Duration
	RetryMaxAttempts  int
}

type session struct {
	user  directory.User
	token string
}

// Arbiter is the client-side session arbitration controller.
type Arbiter struct {
	writer RecordWriter
	cache  SessionCache
	log    *slog.Logger
	snap   *Snapshot

	onForcedLogout    func(directory.User)
	onRequestResolved func(string, directory.Status)

	restoreTimeout    time.Duration
	retryInitialDelay time.Duration
	retrySteadyDelay  time.Duration
	retryMaxAttempts  int

	// Seam for deterministic tokens in tests.
	newToken func() (string, error)

	mu       sync.Mutex
	current  *session
	waiters  map[string][]chan directory.Status
	resolved map[string]struct{}
}

// New constructs an Arbiter. Writer and Cache are required.
func New(cfg Config) (*Arbiter, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("arbiter: nil writer")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("arbiter: nil cache")
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = 5 * time.Second
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = 500 * time.Millisecond
	}
	if cfg.RetrySteadyDelay <= 0 {
		cfg.RetrySteadyDelay = time.Second
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 20
	}

	return &Arbiter{
		writer:            cfg.Writer,
		cache:             cfg.Cache,
		log:               cfg.Log,
		snap:              NewSnapshot(),
		onForcedLogout:    cfg.OnForcedLogout,
		onRequestResolved: cfg.OnRequestResolved,
		restoreTimeout:    cfg.RestoreTimeout,
		retryInitialDelay: cfg.RetryInitialDelay,
		retrySteadyDelay:  cfg.RetrySteadyDelay,
		retryMaxAttempts:  cfg.RetryMaxAttempts,
		newToken:          NewSessionToken,
		waiters:           make(map[string][]chan directory.Status),
		resolved:          make(map[string]struct{}),
	}, nil
}

// Snapshot exposes the arbiter's record view for read-only callers (CLI listing).
func (a *Arbiter) Snapshot() *Snapshot { return a.snap }

// Current returns the active local session, if any.
func (a *Arbiter) Current() (directory.User, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return directory.User{}, "", false
	}
	return a.current.user, a.current.token, true
}

// AttemptLogin runs one arbitration pass for a credential pair.
//
// approvedToken is non-empty only on a retry after an approval notification:
// the attempt then succeeds exactly when the snapshot's stored token already
// equals it, and reports OutcomeSyncPending while the snapshot lags behind.
func (a *Arbiter) AttemptLogin(ctx context.Context, username, password, approvedToken string) (LoginResult, error) {
	if err := ctx.Err(); err != nil {
		return LoginResult{}, err
	}

	candidate, ok := a.snap.UserByUsername(username)
	if !ok {
		return LoginResult{Outcome: OutcomeFailure, Reason: ErrUserNotFound}, nil
	}
	if candidate.Password != password {
		return LoginResult{Outcome: OutcomeFailure, Reason: ErrInvalidPassword}, nil
	}

	if approvedToken != "" {
		if candidate.SessionToken == approvedToken {
			a.adopt(candidate, approvedToken)
			return LoginResult{Outcome: OutcomeSuccess, User: candidate}, nil
		}
		// The approver's write has not reached this snapshot yet.
		return LoginResult{Outcome: OutcomeSyncPending}, nil
	}

	// Admins never queue: they overwrite any existing token.
	if candidate.Role != directory.RoleAdmin && candidate.SessionToken != "" {
		return a.createRequest(ctx, candidate)
	}

	return a.acquire(ctx, candidate)
}

// createRequest persists a PENDING login request with a pre-generated token.
// No User record is touched.
func (a *Arbiter) createRequest(ctx context.Context, candidate directory.User) (LoginResult, error) {
	now := time.Now().UTC()

	id, err := directory.NewID(now)
	if err != nil {
		return LoginResult{}, fmt.Errorf("login request id: %w", err)
	}
	token, err := a.newToken()
	if err != nil {
		return LoginResult{}, err
	}

	doc, err := directory.EncodeLoginRequest(directory.LoginRequest{
		ID:              id,
		UserID:          candidate.ID,
		Username:        candidate.Username,
		NewSessionToken: token,
		Status:          directory.StatusPending,
		CreatedAt:       now,
		Timestamp:       now.UnixMilli(),
	})
	if err != nil {
		return LoginResult{}, err
	}

	if err := a.writer.Put(ctx, directory.CollectionLoginRequests, id, doc); err != nil {
		return LoginResult{}, fmt.Errorf("create login request: %w", err)
	}

	a.log.Info("arbiter.request.created", "request_id", id, "user_id", candidate.ID)
	return LoginResult{Outcome: OutcomePendingRequest, RequestID: id, NewSessionToken: token}, nil
}

// acquire generates a fresh token and writes it to the user record. This is
// the optimistic "compare-and-swap" acquire: last writer wins.
func (a *Arbiter) acquire(ctx context.Context, candidate directory.User) (LoginResult, error) {
	token, err := a.newToken()
	if err != nil {
		return LoginResult{}, err
	}

	if err := a.patchUserToken(ctx, candidate.ID, token); err != nil {
		return LoginResult{}, fmt.Errorf("acquire session: %w", err)
	}

	candidate.SessionToken = token
	a.adopt(candidate, token)

	a.log.Info("arbiter.session.acquired", "user_id", candidate.ID)
	return LoginResult{Outcome: OutcomeSuccess, User: candidate}, nil
}

// adopt records the session locally and persists the durable marker.
// Cache failures are logged, not fatal: the in-memory session stands.
func (a *Arbiter) adopt(user directory.User, token string) {
	a.mu.Lock()
	a.current = &session{user: user, token: token}
	a.mu.Unlock()

	if err := a.cache.Set(localcache.KeySessionUserID, user.ID); err != nil {
		a.log.Warn("arbiter.cache.set.fail", "key", localcache.KeySessionUserID, "err", err)
	}
	if err := a.cache.Set(localcache.KeySessionToken, token); err != nil {
		a.log.Warn("arbiter.cache.set.fail", "key", localcache.KeySessionToken, "err", err)
	}
}

// Logout clears the user's stored token (best effort) and unconditionally
// tears down the local session.
func (a *Arbiter) Logout(ctx context.Context) {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()

	if cur != nil {
		if err := a.patchUserToken(ctx, cur.user.ID, ""); err != nil {
			// Local consistency wins over store confirmation.
			a.log.Warn("arbiter.logout.clear_token.fail", "user_id", cur.user.ID, "err", err)
		}
	}

	a.teardownLocal()
	a.log.Info("arbiter.session.ended")
}

// Restore attempts silent session restoration from the durable marker.
// It waits (bounded) for the first users snapshot; without one it surfaces a
// connectivity error instead of hanging or restoring blind.
func (a *Arbiter) Restore(ctx context.Context) (directory.User, bool, error) {
	select {
	case <-a.snap.Ready():
	case <-time.After(a.restoreTimeout):
		return directory.User{}, false, ErrStoreUnavailable
	case <-ctx.Done():
		return directory.User{}, false, ctx.Err()
	}

	userID, err := a.cache.Get(localcache.KeySessionUserID)
	if err != nil || strings.TrimSpace(userID) == "" {
		return directory.User{}, false, nil
	}
	token, err := a.cache.Get(localcache.KeySessionToken)
	if err != nil || token == "" {
		return directory.User{}, false, nil
	}

	user, ok := a.snap.UserByID(userID)
	if !ok {
		a.clearMarker()
		return directory.User{}, false, nil
	}

	// Admins skip strict token verification; everyone else must still hold
	// the live token.
	if user.Role != directory.RoleAdmin && user.SessionToken != token {
		a.clearMarker()
		a.log.Info("arbiter.restore.stale_marker", "user_id", userID)
		return directory.User{}, false, nil
	}

	a.mu.Lock()
	a.current = &session{user: user, token: token}
	a.mu.Unlock()

	a.log.Info("arbiter.session.restored", "user_id", userID)
	return user, true, nil
}

// ApplyUsers feeds a users snapshot into the arbiter. The forced-logout
// watcher runs on every snapshot: a non-admin local session whose live token
// is non-empty and different has been preempted by another device.
func (a *Arbiter) ApplyUsers(users []directory.User) {
	a.snap.SetUsers(users)

	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()

	if cur == nil {
		return
	}

	live, ok := a.snap.UserByID(cur.user.ID)
	if !ok {
		return
	}

	if live.Role != directory.RoleAdmin && live.SessionToken != "" && live.SessionToken != cur.token {
		a.teardownLocal()
		a.log.Info("arbiter.session.preempted", "user_id", live.ID)
		if a.onForcedLogout != nil {
			a.onForcedLogout(live)
		}
		return
	}

	if live.SessionToken == cur.token {
		// Same session: merge other field changes (role, access list) into
		// the locally held user without logging out.
		a.mu.Lock()
		if a.current != nil && a.current.user.ID == live.ID {
			a.current.user = live
		}
		a.mu.Unlock()
	}
}

func (a *Arbiter) teardownLocal() {
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
	a.clearMarker()
}

func (a *Arbiter) clearMarker() {
	if err := a.cache.Remove(localcache.KeySessionUserID); err != nil {
		a.log.Warn("arbiter.cache.remove.fail", "key", localcache.KeySessionUserID, "err", err)
	}
	if err := a.cache.Remove(localcache.KeySessionToken); err != nil {
		a.log.Warn("arbiter.cache.remove.fail", "key", localcache.KeySessionToken, "err", err)
	}
}

func (a *Arbiter) patchUserToken(ctx context.Context, userID, token string) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return a.writer.Patch(ctx, directory.CollectionUsers, userID, map[string]json.RawMessage{
		"sessionToken": raw,
	})
}
