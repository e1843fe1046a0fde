// Package memstore is the in-memory [store.Store] used in development and
// tests. Everything is lost on restart.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/auricle-ai/auricle/internal/store"
	"github.com/auricle-ai/auricle/pkg/types"
)

// Store keeps all records in maps guarded by one mutex. Safe for concurrent
// use.
type Store struct {
	mu       sync.Mutex
	devices  map[string]*store.Device
	history  map[string][]types.Message
	codes    map[string]*store.PairingCode
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		devices: make(map[string]*store.Device),
		history: make(map[string][]types.Message),
		codes:   make(map[string]*store.PairingCode),
		now:     time.Now,
	}
}

// Device implements [store.DeviceStore].
func (s *Store) Device(_ context.Context, id string) (*store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// Bind implements [store.DeviceStore].
func (s *Store) Bind(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		s.devices[id] = &store.Device{
			ID:        id,
			State:     store.StateOffline,
			CreatedAt: s.now(),
		}
	}
	delete(s.codes, id)
	return nil
}

// SetOnline implements [store.DeviceStore].
func (s *Store) SetOnline(_ context.Context, id string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	if online {
		d.State = store.StateOnline
		d.LastLogin = s.now()
	} else {
		d.State = store.StateOffline
	}
	return nil
}

// AppendMessages implements [store.ConversationStore].
func (s *Store) AppendMessages(_ context.Context, deviceID string, msgs []types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[deviceID] = append(s.history[deviceID], msgs...)
	return nil
}

// History implements [store.ConversationStore].
func (s *Store) History(_ context.Context, deviceID string, limit int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.history[deviceID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]types.Message, len(all))
	copy(out, all)
	return out, nil
}

// ClearHistory implements [store.ConversationStore].
func (s *Store) ClearHistory(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, deviceID)
	return nil
}

// PairingCode implements [store.PairingStore].
func (s *Store) PairingCode(_ context.Context, deviceID string) (*store.PairingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	cp.PromptAudio = append([][]byte(nil), c.PromptAudio...)
	return &cp, nil
}

// SavePairingCode implements [store.PairingStore].
func (s *Store) SavePairingCode(_ context.Context, code *store.PairingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.codes[code.DeviceID] = &cp
	return nil
}

// CachePromptAudio implements [store.PairingStore].
func (s *Store) CachePromptAudio(_ context.Context, deviceID string, frames [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	c.PromptAudio = append([][]byte(nil), frames...)
	return nil
}

// Close implements [store.Store].
func (s *Store) Close() error { return nil }
