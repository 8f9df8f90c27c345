package recordstore

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory collection feeds and provides stable feed handles.
// It is intentionally minimal: persistence lives behind Store.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	feeds map[string]*Feed
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		feeds: make(map[string]*Feed),
	}
}

// GetOrCreateFeed returns a stable in-memory feed handle for a collection.
func (h *Hub) GetOrCreateFeed(collection string) *Feed {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, ok := h.feeds[collection]; ok {
		return f
	}

	f := NewFeed(h.log, collection)
	h.feeds[collection] = f
	return f
}

// LeaveAll removes a session from every feed. Called on connection teardown.
func (h *Hub) LeaveAll(sessionID string) {
	h.mu.RLock()
	feeds := make([]*Feed, 0, len(h.feeds))
	for _, f := range h.feeds {
		feeds = append(feeds, f)
	}
	h.mu.RUnlock()

	for _, f := range feeds {
		f.Leave(sessionID)
	}
}
