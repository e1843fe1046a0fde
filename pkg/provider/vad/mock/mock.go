// Package mock provides a scripted vad.Model for tests and dry runs.
package mock

import (
	"fmt"
	"sync"

	"github.com/auricle-ai/auricle/pkg/provider/vad"
)

// Model replays a fixed list of probabilities, one per Infer call. Once the
// script is exhausted it keeps returning the last value, or 0 if the script
// is empty.
type Model struct {
	mu     sync.Mutex
	script []float32
	pos    int
	window int
	closed bool
}

var _ vad.Model = (*Model)(nil)

// New creates a scripted Model. The window size matches the silero model.
func New(script ...float32) *Model {
	return &Model{script: script, window: 512}
}

// WindowSize implements vad.Model.
func (m *Model) WindowSize() int { return m.window }

// Infer implements vad.Model.
func (m *Model) Infer(samples []float32, prior vad.State) (float32, vad.State, error) {
	if len(samples) != m.window {
		return 0, prior, fmt.Errorf("%w: got %d, want %d", vad.ErrWindowSize, len(samples), m.window)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) == 0 {
		return 0, prior, nil
	}
	prob := m.script[m.pos]
	if m.pos < len(m.script)-1 {
		m.pos++
	}
	return prob, prior, nil
}

// Calls reports how many Infer calls have consumed script entries.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Close implements vad.Model.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
