package arbiter

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to user-facing messages).
var (
	// Terminal login failures. Never retried.
	ErrUserNotFound    = errors.New("user_not_found")
	ErrInvalidPassword = errors.New("invalid_password")

	// ErrRequestNotFound is returned when a request id is unknown to the snapshot.
	ErrRequestNotFound = errors.New("request_not_found")
	// ErrRequestResolved guards the terminal states: an APPROVED or REJECTED
	// request can never change status again.
	ErrRequestResolved = errors.New("request_already_resolved")
	// ErrRequestRejected reports a rejected login request to the waiting challenger.
	ErrRequestRejected = errors.New("request_rejected")

	// ErrStoreUnavailable is surfaced when the subscription has not delivered
	// any data within the bounded startup wait.
	ErrStoreUnavailable = errors.New("record_store_unavailable")

	// ErrApprovalSyncTimeout is returned when the bounded retry loop gives up
	// before the local snapshot catches up with an approval.
	ErrApprovalSyncTimeout = errors.New("approval_sync_timeout")
)
