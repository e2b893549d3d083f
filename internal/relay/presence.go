package relay

import (
	"sort"
	"sync"
	"time"

	"redline/api/internal/anchor"
)

// CursorUpdate is the payload of a cursor-update event: where one reviewer
// currently is within the document.
type CursorUpdate struct {
	User  string            `json:"user"`
	Topic string            `json:"topic"`
	Caret anchor.Descriptor `json:"caret,omitempty"`
}

// Roster tracks who is active in a room. A peer that has not sent a cursor
// update within the TTL is considered gone; there is no explicit leave
// signal, eviction happens lazily on read.
type Roster struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	peers map[string]peerState
}

type peerState struct {
	lastSeen time.Time
	cursor   CursorUpdate
}

func NewRoster(ttl time.Duration) *Roster {
	return &Roster{ttl: ttl, now: time.Now, peers: make(map[string]peerState)}
}

// Observe records a cursor update, refreshing the peer's liveness.
func (r *Roster) Observe(cu CursorUpdate) {
	if cu.User == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[cu.User] = peerState{lastSeen: r.now(), cursor: cu}
}

// Active returns the users currently considered present, sorted by name.
func (r *Roster) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	users := make([]string, 0, len(r.peers))
	for u := range r.peers {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Cursors returns the latest cursor of each active peer within a topic.
func (r *Roster) Cursors(topic string) []CursorUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	var cursors []CursorUpdate
	for _, p := range r.peers {
		if p.cursor.Topic == topic {
			cursors = append(cursors, p.cursor)
		}
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].User < cursors[j].User })
	return cursors
}

func (r *Roster) evictLocked() {
	cutoff := r.now().Add(-r.ttl)
	for u, p := range r.peers {
		if p.lastSeen.Before(cutoff) {
			delete(r.peers, u)
		}
	}
}
