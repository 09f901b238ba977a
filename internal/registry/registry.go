package registry

import (
	"sync"

	"log/slog"
)

// Handle is the live delivery endpoint for one connected user. Implemented by
// the session actor.
type Handle interface {
	UserID() string
	Deliver(payload []byte) error
	Threads() []string
}

// Registry is the process-wide map from user identity to the active session.
// At most one entry per user; a reconnect overwrites the previous entry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]Handle),
	}
}

// Register installs h as the active session for its user, replacing any prior
// entry. The displaced handle (if any) is returned so the caller can close it.
func (r *Registry) Register(h Handle) (Handle, bool) {
	r.mu.Lock()
	prev, replaced := r.sessions[h.UserID()]
	r.sessions[h.UserID()] = h
	r.mu.Unlock()

	if replaced {
		slog.Info("Session replaced on reconnect", "userID", h.UserID())
	}
	return prev, replaced
}

// Remove deletes the entry for userID, but only if it still points at h.
// A session that was displaced by a reconnect must not remove its successor.
func (r *Registry) Remove(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[userID]; ok && cur == h {
		delete(r.sessions, userID)
		return true
	}
	return false
}

// Lookup returns the active session for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.sessions[userID]
	return h, ok
}

// Len returns the number of connected users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current handles. The slice is a copy; the handles are live.
func (r *Registry) Snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	return handles
}
