package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when LECTERN_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_PutGetListDelete(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	collection := "it-users-" + NewRandomHex(6)

	put, err := store.Put(ctx, PutInput{
		Collection: collection,
		ID:         "u1",
		Doc:        json.RawMessage(`{"username":"amira","role":"STANDARD","sessionToken":""}`),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if put.UpdatedAt.IsZero() {
		t.Fatalf("put: expected non-zero updated_at")
	}

	got, err := store.Get(ctx, collection, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	var doc map[string]string
	if err := json.Unmarshal(got.Doc, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["username"] != "amira" {
		t.Fatalf("doc mismatch: %+v", doc)
	}

	all, err := store.List(ctx, collection)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != "u1" {
		t.Fatalf("list mismatch: %+v", all)
	}

	if err := store.Delete(ctx, collection, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, collection, "u1"); err != nil {
		t.Fatalf("second delete must succeed: %v", err)
	}
	if _, err := store.Get(ctx, collection, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPostgresStore_PatchShallowMerge_NotFound(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	collection := "it-reqs-" + NewRandomHex(6)

	if _, err := store.Put(ctx, PutInput{
		Collection: collection,
		ID:         "r1",
		Doc:        json.RawMessage(`{"userId":"u1","status":"PENDING","newSessionToken":"abc123xyz"}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	patched, err := store.Patch(ctx, PatchInput{
		Collection: collection,
		ID:         "r1",
		Fields:     map[string]json.RawMessage{"status": json.RawMessage(`"APPROVED"`)},
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}

	var doc map[string]string
	if err := json.Unmarshal(patched.Doc, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["status"] != "APPROVED" || doc["userId"] != "u1" || doc["newSessionToken"] != "abc123xyz" {
		t.Fatalf("shallow merge mismatch: %+v", doc)
	}

	_, err = store.Patch(ctx, PatchInput{
		Collection: collection,
		ID:         "missing",
		Fields:     map[string]json.RawMessage{"status": json.RawMessage(`"APPROVED"`)},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ConcurrentPatches_NoLostFields(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	collection := "it-merge-" + NewRandomHex(6)

	if _, err := store.Put(ctx, PutInput{
		Collection: collection,
		ID:         "d1",
		Doc:        json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	const n = 16

	var wg sync.WaitGroup
	wg.Add(n)

	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()

			key := fmt.Sprintf("f%d", i)
			_, err := store.Patch(ctx, PatchInput{
				Collection: collection,
				ID:         "d1",
				Fields:     map[string]json.RawMessage{key: json.RawMessage(`1`)},
			})
			if err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent patch error: %v", err)
	}

	got, err := store.Get(ctx, collection, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	var doc map[string]int
	if err := json.Unmarshal(got.Doc, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(doc) != n {
		t.Fatalf("expected %d merged fields, got %d: %+v", n, len(doc), doc)
	}
}

// ---- test helpers ----

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("LECTERN_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: LECTERN_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse LECTERN_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "lectern_it_" + strings.ToLower(NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	documents := pgIdent(schema, "documents")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  collection TEXT NOT NULL,
  id         TEXT NOT NULL,
  doc        JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_collection_id
  ON %s (collection, id ASC);
`, documents, documents)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
