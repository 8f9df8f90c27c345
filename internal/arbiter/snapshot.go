package arbiter

import (
	"sync"

	"lectern/internal/directory"
)

// Snapshot is the eventually-consistent local view of the users and
// loginRequests collections. It is written only by subscription callbacks and
// read synchronously by decision logic; there is no ambient global state.
type Snapshot struct {
	mu       sync.RWMutex
	users    map[string]directory.User
	requests map[string]directory.LoginRequest

	readyOnce sync.Once
	ready     chan struct{}
}

// NewSnapshot constructs an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		users:    make(map[string]directory.User),
		requests: make(map[string]directory.LoginRequest),
		ready:    make(chan struct{}),
	}
}

// Ready returns a channel closed after the first users record set arrives.
// Session restoration waits on it with a bounded timeout.
func (s *Snapshot) Ready() <-chan struct{} {
	return s.ready
}

// SetUsers replaces the users view with a full record set.
func (s *Snapshot) SetUsers(users []directory.User) {
	s.mu.Lock()
	s.users = make(map[string]directory.User, len(users))
	for _, u := range users {
		s.users[u.ID] = u
	}
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
}

// SetRequests replaces the loginRequests view with a full record set.
func (s *Snapshot) SetRequests(requests []directory.LoginRequest) {
	s.mu.Lock()
	s.requests = make(map[string]directory.LoginRequest, len(requests))
	for _, r := range requests {
		s.requests[r.ID] = r
	}
	s.mu.Unlock()
}

// UserByID returns the user with the given id from the current view.
func (s *Snapshot) UserByID(id string) (directory.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	return u, ok
}

// UserByUsername returns the user whose normalized username matches.
func (s *Snapshot) UserByUsername(username string) (directory.User, bool) {
	norm := directory.NormalizeUsername(username)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if directory.NormalizeUsername(u.Username) == norm {
			return u, true
		}
	}
	return directory.User{}, false
}

// RequestByID returns the login request with the given id from the current view.
func (s *Snapshot) RequestByID(id string) (directory.LoginRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	return r, ok
}

// PendingRequests returns the requests still awaiting a decision.
func (s *Snapshot) PendingRequests() []directory.LoginRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]directory.LoginRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if r.Status == directory.StatusPending {
			out = append(out, r)
		}
	}
	return out
}
