package relay

import (
	"errors"
	"sort"
	"sync"
)

// ErrDuplicateSession is returned by Registry.Add for an id already present.
var ErrDuplicateSession = errors.New("relay: duplicate session id")

// Registry is the set of sessions known to a server, keyed by session id.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// Add inserts s.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.id]; exists {
		return ErrDuplicateSession
	}
	r.sessions[s.id] = s
	return nil
}

// Remove deletes the session with the given id and reports whether it was
// present.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions ordered by id. The slice is owned
// by the caller; later registry changes do not affect it.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Active returns the snapshot filtered to sessions in StateActive.
func (r *Registry) Active() []*Session {
	all := r.Snapshot()
	active := all[:0]
	for _, s := range all {
		if s.State() == StateActive {
			active = append(active, s)
		}
	}
	return active
}

// Nicknames lists the nicknames of active sessions in id order.
func (r *Registry) Nicknames() []string {
	active := r.Active()
	names := make([]string, 0, len(active))
	for _, s := range active {
		names = append(names, s.Nickname())
	}
	return names
}
