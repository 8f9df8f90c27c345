// Package directory defines the typed records stored in the shared record
// store: user accounts and login requests. Documents are stored as generic
// JSON; this package owns their field layout and validation.
package directory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Collection names in the record store.
const (
	CollectionUsers         = "users"
	CollectionLoginRequests = "loginRequests"
)

// Role classifies an account. ADMIN accounts bypass session arbitration.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleStandard Role = "STANDARD"
)

// ParseRole maps a stored role string to a Role.
// Unknown values decode as STANDARD so a malformed document never grants
// admin privileges.
func ParseRole(s string) Role {
	if strings.TrimSpace(s) == string(RoleAdmin) {
		return RoleAdmin
	}
	return RoleStandard
}

// Status is the lifecycle state of a login request.
// PENDING is the only non-terminal state; APPROVED and REJECTED are final.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// User is one account document in the users collection.
// Field names are wire-stable; other components patch individual fields
// (most notably sessionToken) by these names.
type User struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Password         string    `json:"password"`
	Role             Role      `json:"role"`
	SessionToken     string    `json:"sessionToken"`
	AllowedFolderIDs []string  `json:"allowedFolderIds,omitempty"`
	AddedAt          time.Time `json:"addedAt"`
}

// Validate checks the structural invariants of a user document.
func (u User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidInput)
	}
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("%w: missing username", ErrInvalidInput)
	}
	return nil
}

// LoginRequest is one pending-login document in the loginRequests collection.
// The challenger pre-generates NewSessionToken when creating the request; the
// approval flow copies it into the user document.
type LoginRequest struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Username        string    `json:"username"`
	NewSessionToken string    `json:"newSessionToken"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	Timestamp       int64     `json:"timestamp"`
}

// Validate checks the structural invariants of a login request document.
func (r LoginRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidInput)
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidInput)
	}
	if strings.TrimSpace(r.NewSessionToken) == "" {
		return fmt.Errorf("%w: missing newSessionToken", ErrInvalidInput)
	}
	switch r.Status {
	case StatusPending, StatusApproved, StatusRejected:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, r.Status)
	}
}

// NormalizeUsername performs case-insensitive canonicalization for lookups.
// Stored usernames keep their original casing.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ---- document codec ----

// DecodeUser parses a stored user document. The role falls back to STANDARD
// for unknown values.
func DecodeUser(doc json.RawMessage) (User, error) {
	var u User
	if err := json.Unmarshal(doc, &u); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	u.Role = ParseRole(string(u.Role))
	return u, nil
}

// EncodeUser serializes a user document for storage.
func EncodeUser(u User) (json.RawMessage, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(u)
}

// DecodeLoginRequest parses a stored login request document.
func DecodeLoginRequest(doc json.RawMessage) (LoginRequest, error) {
	var r LoginRequest
	if err := json.Unmarshal(doc, &r); err != nil {
		return LoginRequest{}, fmt.Errorf("decode login request: %w", err)
	}
	return r, nil
}

// EncodeLoginRequest serializes a login request document for storage.
func EncodeLoginRequest(r LoginRequest) (json.RawMessage, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}
