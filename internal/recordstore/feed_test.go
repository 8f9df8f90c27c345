package recordstore

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	v1 "lectern/shared/contracts/recordstore/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFeed_BroadcastReachesMembers(t *testing.T) {
	t.Parallel()

	f := NewFeed(testLogger(), "users")

	a := NewClient("sess-a", 8)
	b := NewClient("sess-b", 8)
	f.Join(a)
	f.Join(b)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeSnapshot, ID: "e1", TS: time.Now(), Payload: json.RawMessage(`{}`)}
	f.Broadcast(env)

	for _, c := range []*Client{a, b} {
		select {
		case got := <-c.Send:
			if got.ID != "e1" {
				t.Fatalf("%s: envelope mismatch: %s", c.SessionID, got.ID)
			}
		default:
			t.Fatalf("%s: expected a broadcast envelope", c.SessionID)
		}
	}
}

func TestFeed_BroadcastDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	f := NewFeed(testLogger(), "users")

	// Queue of size 1: the second broadcast must be dropped, not block.
	slow := NewClient("sess-slow", 1)
	f.Join(slow)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeSnapshot, ID: "e1", TS: time.Now()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Broadcast(env)
		f.Broadcast(env)
		f.Broadcast(env)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a full subscriber queue")
	}

	if got := len(slow.Send); got != 1 {
		t.Fatalf("expected 1 queued envelope, got %d", got)
	}
}

func TestFeed_BroadcastSkipsClosedClients(t *testing.T) {
	t.Parallel()

	f := NewFeed(testLogger(), "users")

	c := NewClient("sess-c", 8)
	f.Join(c)
	c.Close()

	f.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeSnapshot, ID: "e1", TS: time.Now()})

	if got := len(c.Send); got != 0 {
		t.Fatalf("closed client must not receive broadcasts, got %d", got)
	}
}

func TestHub_LeaveAllRemovesFromEveryFeed(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())

	c := NewClient("sess-x", 8)
	h.GetOrCreateFeed("users").Join(c)
	h.GetOrCreateFeed("loginRequests").Join(c)

	h.LeaveAll("sess-x")

	h.GetOrCreateFeed("users").Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeSnapshot, ID: "e1", TS: time.Now()})
	h.GetOrCreateFeed("loginRequests").Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeSnapshot, ID: "e2", TS: time.Now()})

	if got := len(c.Send); got != 0 {
		t.Fatalf("left client must not receive broadcasts, got %d", got)
	}
}
