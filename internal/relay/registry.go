package relay

import "sync"

// Registry is the process-wide mapping from session id to Session. It is the
// only structure shared across sessions; every operation is linearizable
// under a single mutex. Sessions do not hold references back to the
// registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new Session under id. Creating over an existing id is
// permitted only after the prior entry has been deleted; the registry does
// not itself detect collisions.
func (r *Registry) Create(id, connectionID string, cfg SessionConfig) *Session {
	s := newSession(id, connectionID, cfg)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// Get returns the Session registered under id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Has reports whether a session is registered under id.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Delete runs the session's cleanup and removes it from the registry.
// No-op when id is not registered.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.Cleanup()
	}
}

// Remove unregisters id without running the session's cleanup, for callers
// that need removal and cleanup decoupled. Reports whether id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// All returns a snapshot of the registered sessions.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Cleanup tears down and removes every registered session.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cleanup()
	}
}
