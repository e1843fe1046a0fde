package session

import (
	"errors"
	"sync"
)

// ErrRegistryFull is returned by [Registry.Add] when the configured session
// limit is reached.
var ErrRegistryFull = errors.New("session: registry full")

// Registry is the concurrent map of live sessions, addressable by session id
// and by device id. It replaces any notion of shared global connection
// tables; a session not in the registry does not exist.
type Registry struct {
	mu       sync.RWMutex
	max      int
	sessions map[string]*Session
	byDevice map[string]*Session
}

// NewRegistry creates a Registry. max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		max:      max,
		sessions: make(map[string]*Session),
		byDevice: make(map[string]*Session),
	}
}

// Add registers a session. A second session for the same device replaces the
// first in the device index; the caller is expected to have torn the old one
// down.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		return ErrRegistryFull
	}
	r.sessions[s.ID] = s
	r.byDevice[s.DeviceID] = s
	return nil
}

// Get looks a session up by its id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetByDevice looks a session up by the device it serves.
func (r *Registry) GetByDevice(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDevice[deviceID]
	return s, ok
}

// Remove drops a session from both indexes. The device index entry is only
// removed if it still points at this session, so a replacement registered
// before the old connection finished tearing down is not clobbered.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if cur, ok := r.byDevice[s.DeviceID]; ok && cur.ID == id {
		delete(r.byDevice, s.DeviceID)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every live session. fn must not call back into the
// Registry.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		fn(s)
	}
}
