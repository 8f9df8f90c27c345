package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the dev/test fallback when DB is not configured.
// It supports the full Store contract:
//   - Put: full replace
//   - Patch: shallow top-level merge, ErrNotFound on missing documents
//   - List: full record set ordered by id
type InMemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]StoredRecord
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		collections: make(map[string]map[string]StoredRecord),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// List returns the full current record set of a collection ordered by id.
func (s *InMemoryStore) List(ctx context.Context, collection string) ([]StoredRecord, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("%w: missing collection", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	coll := s.collections[collection]
	out := make([]StoredRecord, 0, len(coll))
	for _, r := range coll {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a single document or ErrNotFound.
func (s *InMemoryStore) Get(ctx context.Context, collection, id string) (StoredRecord, error) {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return StoredRecord{}, fmt.Errorf("%w: missing collection or id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return StoredRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.collections[collection][id]
	if !ok {
		return StoredRecord{}, ErrNotFound
	}
	return r, nil
}

// Put creates or fully replaces a document. Last writer wins.
func (s *InMemoryStore) Put(ctx context.Context, in PutInput) (StoredRecord, error) {
	if strings.TrimSpace(in.Collection) == "" || strings.TrimSpace(in.ID) == "" {
		return StoredRecord{}, fmt.Errorf("%w: missing collection or id", ErrInvalidInput)
	}
	if !json.Valid(in.Doc) {
		return StoredRecord{}, fmt.Errorf("%w: doc is not valid JSON", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return StoredRecord{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[in.Collection]
	if coll == nil {
		coll = make(map[string]StoredRecord)
		s.collections[in.Collection] = coll
	}

	r := StoredRecord{
		Collection: in.Collection,
		ID:         in.ID,
		Doc:        append(json.RawMessage(nil), in.Doc...),
		UpdatedAt:  now,
	}
	coll[in.ID] = r
	return r, nil
}

// Patch shallow-merges top-level fields into an existing document.
func (s *InMemoryStore) Patch(ctx context.Context, in PatchInput) (StoredRecord, error) {
	if strings.TrimSpace(in.Collection) == "" || strings.TrimSpace(in.ID) == "" {
		return StoredRecord{}, fmt.Errorf("%w: missing collection or id", ErrInvalidInput)
	}
	if len(in.Fields) == 0 {
		return StoredRecord{}, fmt.Errorf("%w: empty fields", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return StoredRecord{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.collections[in.Collection][in.ID]
	if !ok {
		return StoredRecord{}, ErrNotFound
	}

	merged, err := mergeShallow(existing.Doc, in.Fields)
	if err != nil {
		return StoredRecord{}, err
	}

	r := StoredRecord{
		Collection: in.Collection,
		ID:         in.ID,
		Doc:        merged,
		UpdatedAt:  now,
	}
	s.collections[in.Collection][in.ID] = r
	return r, nil
}

// Delete removes a document. Deleting a missing document is a no-op.
func (s *InMemoryStore) Delete(ctx context.Context, collection, id string) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: missing collection or id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.collections[collection], id)
	s.mu.Unlock()
	return nil
}

// mergeShallow replaces top-level keys of doc with the given fields.
// Nested objects are replaced wholesale, matching jsonb || semantics.
func mergeShallow(doc json.RawMessage, fields map[string]json.RawMessage) (json.RawMessage, error) {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(doc, &base); err != nil {
		return nil, fmt.Errorf("merge: existing doc is not an object: %w", err)
	}
	if base == nil {
		base = make(map[string]json.RawMessage, len(fields))
	}
	for k, v := range fields {
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: field %q is not valid JSON", ErrInvalidInput, k)
		}
		base[k] = v
	}
	return json.Marshal(base)
}
