// Package recordstore contains Lectern's replicated record store: document
// persistence, per-collection snapshot fanout, and the WebSocket gateway.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Patch runs inside a transaction holding a per-document advisory lock so a
//   shallow merge never interleaves with a concurrent merge of the same document.
// - Put and Delete are single statements; last writer wins, matching the
//   store's accepted consistency model.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "lectern").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("recordstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("recordstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "lectern",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("recordstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// List returns the full current record set of a collection ordered by id.
func (s *PostgresStore) List(ctx context.Context, collection string) ([]StoredRecord, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("recordstore: nil store")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("%w: missing collection", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	documents := pgIdent(s.schema, "documents")

	rows, err := s.pool.Query(ctx,
		`SELECT collection, id, doc, updated_at
		   FROM `+documents+`
		  WHERE collection = $1
		  ORDER BY id ASC`,
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]StoredRecord, 0, 64)
	for rows.Next() {
		var r StoredRecord
		if err := rows.Scan(&r.Collection, &r.ID, &r.Doc, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a single document or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (StoredRecord, error) {
	if s == nil || s.pool == nil {
		return StoredRecord{}, errors.New("recordstore: nil store")
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return StoredRecord{}, fmt.Errorf("%w: missing collection or id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return StoredRecord{}, err
	}

	documents := pgIdent(s.schema, "documents")

	var r StoredRecord
	err := s.pool.QueryRow(ctx,
		`SELECT collection, id, doc, updated_at
		   FROM `+documents+`
		  WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&r.Collection, &r.ID, &r.Doc, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredRecord{}, ErrNotFound
	}
	if err != nil {
		return StoredRecord{}, err
	}
	return r, nil
}

// Put creates or fully replaces a document. Last writer wins.
func (s *PostgresStore) Put(ctx context.Context, in PutInput) (StoredRecord, error) {
	if s == nil || s.pool == nil {
		return StoredRecord{}, errors.New("recordstore: nil store")
	}
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

	documents := pgIdent(s.schema, "documents")

	var r StoredRecord
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+documents+` (collection, id, doc, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, id)
		 DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
		 RETURNING collection, id, doc, updated_at`,
		in.Collection, in.ID, in.Doc, now,
	).Scan(&r.Collection, &r.ID, &r.Doc, &r.UpdatedAt)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("put document: %w", err)
	}
	return r, nil
}

// Patch shallow-merges top-level fields into an existing document.
func (s *PostgresStore) Patch(ctx context.Context, in PatchInput) (StoredRecord, error) {
	if s == nil || s.pool == nil {
		return StoredRecord{}, errors.New("recordstore: nil store")
	}
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

	fieldsJSON, err := json.Marshal(in.Fields)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return StoredRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	documents := pgIdent(s.schema, "documents")

	// Serialize merges per document so two concurrent patches never lose
	// each other's fields. hashtextextended reduces collision risk vs hashtext.
	lockKey := in.Collection + "/" + in.ID
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return StoredRecord{}, fmt.Errorf("advisory lock: %w", err)
	}

	var r StoredRecord
	err = tx.QueryRow(ctx,
		`UPDATE `+documents+`
		    SET doc = doc || $3::jsonb,
		        updated_at = $4
		  WHERE collection = $1 AND id = $2
		RETURNING collection, id, doc, updated_at`,
		in.Collection, in.ID, fieldsJSON, now,
	).Scan(&r.Collection, &r.ID, &r.Doc, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredRecord{}, ErrNotFound
	}
	if err != nil {
		return StoredRecord{}, fmt.Errorf("patch document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return StoredRecord{}, err
	}
	return r, nil
}

// Delete removes a document. Deleting a missing document is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("recordstore: nil store")
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: missing collection or id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	documents := pgIdent(s.schema, "documents")

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM `+documents+` WHERE collection = $1 AND id = $2`,
		collection, id,
	); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
