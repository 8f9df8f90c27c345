package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared by all Store implementations.
var (
	ErrNotFound     = errors.New("recordstore: not found")
	ErrInvalidInput = errors.New("recordstore: invalid input")
)

// StoredRecord is the canonical persisted document representation.
type StoredRecord struct {
	Collection string
	ID         string
	Doc        json.RawMessage
	UpdatedAt  time.Time
}

// Store persists and queries JSON documents grouped into collections.
//
// Requirements:
//   - Put is a full replace (create or overwrite, last writer wins)
//   - Patch is a shallow top-level field merge; ErrNotFound on a missing document
//   - Delete is idempotent
//   - List returns the full current record set of a collection, ordered by id
//
// There are no cross-document transactions. Multi-document protocols built on
// top of the store must tolerate observing intermediate states.
type Store interface {
	List(ctx context.Context, collection string) ([]StoredRecord, error)
	Get(ctx context.Context, collection, id string) (StoredRecord, error)
	Put(ctx context.Context, in PutInput) (StoredRecord, error)
	Patch(ctx context.Context, in PatchInput) (StoredRecord, error)
	Delete(ctx context.Context, collection, id string) error
	Close() error
}

// PutInput describes a full-replace write.
type PutInput struct {
	Collection string
	ID         string
	Doc        json.RawMessage
	Now        time.Time
}

// PatchInput describes a shallow merge of top-level fields into an existing document.
type PatchInput struct {
	Collection string
	ID         string
	Fields     map[string]json.RawMessage
	Now        time.Time
}
