package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry holds the live import sessions of a process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// Start returns the session for importID, creating it if needed.
func (r *Registry) Start(importID, userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[importID]; ok {
		return s
	}
	s := newSession(importID, userID, r.now)
	r.sessions[importID] = s
	return s
}

// Get looks up a session.
func (r *Registry) Get(importID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[importID]
	return s, ok
}

// Cancel flags a session as cancelled. It reports false if the session is
// unknown.
func (r *Registry) Cancel(importID string) bool {
	s, ok := r.Get(importID)
	if !ok {
		return false
	}
	s.Cancel()
	zap.L().Info("session: cancel requested", zap.String("import_id", importID))
	return true
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GC drops sessions that have not changed for maxAge and returns how many
// were removed.
func (r *Registry) GC(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.idleSince().Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		zap.L().Debug("session: gc", zap.Int("removed", removed), zap.Int("remaining", len(r.sessions)))
	}
	return removed
}
