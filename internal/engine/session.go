package engine

import (
	"sort"
	"sync"

	"archive/server/internal/codec"
	"archive/server/internal/conn"
)

// Session is the server-side record for one terminated transport session.
// Mutable fields are guarded by the owning Engine's lock; the connection id
// and Conn pointer are immutable for the session's lifetime.
type Session struct {
	Conn *conn.Conn

	authenticated bool
	playerID      int64
	roomID        string
	props         map[string]codec.Value
}

// ID returns the server-assigned connection id.
func (s *Session) ID() uint64 { return s.Conn.ID() }

// SessionInfo is a point-in-time snapshot of one session, used by the REST
// API and the CLI.
type SessionInfo struct {
	ID            uint64 `json:"id"`
	RemoteAddr    string `json:"remote_addr"`
	Authenticated bool   `json:"authenticated"`
	PlayerID      int64  `json:"player_id,omitempty"`
	RoomID        string `json:"room_id,omitempty"`
	Pending       int    `json:"pending_acks"`
}

// registry is the process-wide connection id → session mapping. Connection
// ids are never reused within a process.
type registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uint64]*Session)}
}

func (r *registry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *registry) lookup(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) unregister(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// each calls fn for every registered session, in id order.
func (r *registry) each(fn func(*Session)) {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	out := make([]*Session, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, r.sessions[id])
	}
	r.mu.RUnlock()

	for _, s := range out {
		fn(s)
	}
}
