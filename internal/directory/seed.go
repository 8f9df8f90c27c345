package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/recordstore"
)

// SeedResult reports what EnsureDefaultAdmin did.
type SeedResult struct {
	Created bool
	// GeneratedPassword is set only when no password was configured and a
	// random one was generated. It is surfaced once so the operator can log in.
	GeneratedPassword string
}

// EnsureDefaultAdmin writes a default ADMIN user when the users collection is
// empty. An already-populated store is left untouched.
func EnsureDefaultAdmin(ctx context.Context, store recordstore.Store, log *slog.Logger, username, password string) (SeedResult, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		username = "admin"
	}

	existing, err := store.List(ctx, CollectionUsers)
	if err != nil {
		return SeedResult{}, fmt.Errorf("seed: list users: %w", err)
	}
	if len(existing) > 0 {
		return SeedResult{}, nil
	}

	var res SeedResult
	if strings.TrimSpace(password) == "" {
		password = recordstore.NewRandomHex(8)
		if password == "" {
			return SeedResult{}, fmt.Errorf("seed: generate password failed")
		}
		res.GeneratedPassword = password
	}

	now := time.Now().UTC()
	id, err := NewID(now)
	if err != nil {
		return SeedResult{}, fmt.Errorf("seed: new id: %w", err)
	}

	doc, err := EncodeUser(User{
		ID:       id,
		Username: username,
		Password: password,
		Role:     RoleAdmin,
		AddedAt:  now,
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("seed: encode admin: %w", err)
	}

	if _, err := store.Put(ctx, recordstore.PutInput{
		Collection: CollectionUsers,
		ID:         id,
		Doc:        doc,
		Now:        now,
	}); err != nil {
		return SeedResult{}, fmt.Errorf("seed: put admin: %w", err)
	}

	res.Created = true
	log.Info("seed.admin.created", "username", username, "user_id", id)
	return res, nil
}
