package recordclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"lectern/internal/recordstore"
	v1 "lectern/shared/contracts/recordstore/v1"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	g := recordstore.NewWSGateway(log, recordstore.NewHub(log), recordstore.NewInMemoryStore(), nil)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

func mustDialClient(t *testing.T, ctx context.Context, srv *httptest.Server) *Client {
	t.Helper()

	wsURL := "ws" + srv.URL[len("http"):]
	c, err := Dial(ctx, wsURL, Options{
		Log:       slog.New(slog.DiscardHandler),
		OpTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_HandshakeAssignsSessionID(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := mustDialClient(t, ctx, srv)
	if c.SessionID() == "" {
		t.Fatalf("expected session id from hello_ack")
	}
}

func TestClient_PutGetDelete(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := mustDialClient(t, ctx, srv)

	doc := json.RawMessage(`{"username":"amira","role":"STANDARD"}`)
	if err := c.Put(ctx, "users", "u1", doc); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, found, err := c.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || rec.ID != "u1" {
		t.Fatalf("expected u1, got found=%v rec=%+v", found, rec)
	}

	if err := c.Delete(ctx, "users", "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, found, err = c.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if found {
		t.Fatalf("expected u1 gone after delete")
	}

	// Deleting again is a no-op, not an error.
	if err := c.Delete(ctx, "users", "u1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestClient_PatchMissingIsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := mustDialClient(t, ctx, srv)

	err := c.Patch(ctx, "users", "missing", map[string]json.RawMessage{
		"sessionToken": json.RawMessage(`""`),
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not_found server error, got %v", err)
	}
}

func TestClient_SnapshotsReachHandler(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	writer := mustDialClient(t, ctx, srv)
	watcher := mustDialClient(t, ctx, srv)

	snaps := make(chan []v1.Record, 8)
	watcher.OnSnapshot("users", func(records []v1.Record) {
		snaps <- records
	})
	if err := watcher.Subscribe(ctx, "users"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Initial snapshot is empty.
	select {
	case records := <-snaps:
		if len(records) != 0 {
			t.Fatalf("expected empty initial snapshot, got %d records", len(records))
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for initial snapshot")
	}

	if err := writer.Put(ctx, "users", "u1", json.RawMessage(`{"username":"amira"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	select {
	case records := <-snaps:
		if len(records) != 1 || records[0].ID != "u1" {
			t.Fatalf("expected snapshot with u1, got %+v", records)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for post-put snapshot")
	}
}

func TestClient_OpsFailAfterClose(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := mustDialClient(t, ctx, srv)
	_ = c.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done not closed after Close")
	}

	err := c.Put(ctx, "users", "u1", json.RawMessage(`{}`))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
