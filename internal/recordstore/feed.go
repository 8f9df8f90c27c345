package recordstore

import (
	"log/slog"
	"sync"

	v1 "lectern/shared/contracts/recordstore/v1"
)

// Feed is the in-memory subscriber set of one collection.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure). Dropping a snapshot is
//   safe because every snapshot carries the full record set, so the next one
//   fully supersedes it.
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Feed struct {
	log        *slog.Logger
	Collection string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewFeed constructs a collection feed.
func NewFeed(log *slog.Logger, collection string) *Feed {
	return &Feed{
		log:        log,
		Collection: collection,
		members:    make(map[string]*Client),
	}
}

// Join adds a client to the subscriber set.
func (f *Feed) Join(client *Client) {
	if f == nil || client == nil || client.SessionID == "" {
		return
	}

	f.mu.Lock()
	f.members[client.SessionID] = client
	f.mu.Unlock()

	f.log.Info("feed.subscriber.join", "collection", f.Collection, "session_id", client.SessionID)
}

// Leave removes a client from the subscriber set.
// Unlike connection teardown, it does not close the client: one connection may
// stay subscribed to other collections.
func (f *Feed) Leave(sessionID string) {
	if f == nil || sessionID == "" {
		return
	}

	f.mu.Lock()
	_, ok := f.members[sessionID]
	delete(f.members, sessionID)
	f.mu.Unlock()

	if ok {
		f.log.Info("feed.subscriber.leave", "collection", f.Collection, "session_id", sessionID)
	}
}

// Broadcast fanouts an envelope to all subscribers.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (f *Feed) Broadcast(env v1.Envelope) {
	if f == nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, m := range f.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole feed.
		}
	}
}
