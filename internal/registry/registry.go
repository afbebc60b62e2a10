// Package registry maps authenticated identities to their live
// transport session. It is the only shared in-process mutable structure
// in the messaging core: everything else delegates consistency to the
// storage layer.
package registry

import (
	"context"
	"sync"

	"github.com/sioree/messaging/internal/wire"
)

// Session is a live, addressable transport connection for one identity,
// able to receive pushed wire events. Implementations must be safe for
// concurrent Send calls.
type Session interface {
	Identity() string
	Send(ctx context.Context, evt wire.Event) error
}

// Registry holds at most one authoritative session per identity.
// Construct one per process and inject it; it is never a package-level
// singleton, so tests build a fresh registry each time.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Register installs or overwrites the entry for the session's identity.
// A reconnect supersedes the prior entry immediately; the superseded
// transport is left to its own teardown.
func (r *Registry) Register(s Session) {
	r.mu.Lock()
	r.sessions[s.Identity()] = s
	r.mu.Unlock()
}

// Unregister removes the identity's entry only if the stored handle is
// still s. A stale disconnect arriving after a reconnect must not evict
// the newer session. Reports whether an entry was removed.
func (r *Registry) Unregister(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Identity()]; ok && cur == s {
		delete(r.sessions, s.Identity())
		return true
	}
	return false
}

// Lookup returns the live session for identity, if any. Non-blocking.
func (r *Registry) Lookup(identity string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
