// Package hub tracks live sessions in the Registry, the only piece of shared
// mutable state in the relay.
package hub

import (
	"errors"
	"sync"
)

// ErrDuplicateConnection is returned by Add when a connection handle is
// already registered. Handles are generated server-side, so this indicates a
// broken transport layer; the offending registration is dropped and the
// registry is left untouched.
var ErrDuplicateConnection = errors.New("connection handle already registered")

// Registry maps connection handles to live sessions. All methods are safe for
// concurrent use, though in normal operation only the hub's event loop
// mutates it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its connection handle.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.id]; exists {
		return ErrDuplicateConnection
	}
	r.sessions[s.id] = s
	return nil
}

// Remove deletes the session registered under handle and returns it. Removing
// an unknown handle is a no-op and returns nil; disconnect notifications may
// race with registry state during teardown.
func (r *Registry) Remove(handle string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[handle]
	if !ok {
		return nil
	}
	delete(r.sessions, handle)
	return s
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions. The slice is a copy; the registry
// may change as soon as the lock is released.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
