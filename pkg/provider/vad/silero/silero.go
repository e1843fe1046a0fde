// Package silero implements vad.Model around the Silero VAD recurrent
// network. The network itself runs behind the Runner interface so the native
// inference runtime (an ONNX session) stays out of this package; tests and
// alternative runtimes inject their own Runner.
package silero

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/auricle-ai/auricle/pkg/provider/vad"
)

// WindowSamples is the fixed Silero input window at 16 kHz.
const WindowSamples = 512

// Runner executes a single forward pass of the Silero network.
//
// input holds vad.ContextSize context samples followed by WindowSamples new
// samples. state holds the flattened H and C tensors (2 * vad.StateSize
// values, H first). Implementations must be safe for concurrent use.
type Runner interface {
	Run(input []float32, state []float32) (prob float32, next []float32, err error)
	Close() error
}

// Model implements vad.Model using an injected Runner.
type Model struct {
	runner Runner

	mu     sync.Mutex
	closed bool
}

var _ vad.Model = (*Model)(nil)

// New creates a Model backed by runner.
func New(runner Runner) (*Model, error) {
	if runner == nil {
		return nil, fmt.Errorf("silero: runner must not be nil")
	}
	return &Model{runner: runner}, nil
}

// WindowSize implements vad.Model.
func (m *Model) WindowSize() int { return WindowSamples }

// Infer implements vad.Model. A wrong-sized window returns
// vad.ErrWindowSize; runner failures are logged and converted to the neutral
// no-speech signal with prior state returned unchanged.
func (m *Model) Infer(samples []float32, prior vad.State) (float32, vad.State, error) {
	if len(samples) != WindowSamples {
		return 0, prior, fmt.Errorf("%w: got %d, want %d", vad.ErrWindowSize, len(samples), WindowSamples)
	}

	input := make([]float32, 0, vad.ContextSize+WindowSamples)
	if len(prior.Context) == 0 {
		input = append(input, make([]float32, vad.ContextSize)...)
	} else {
		input = append(input, prior.Context...)
	}
	input = append(input, samples...)

	state := make([]float32, 2*vad.StateSize)
	copy(state[:vad.StateSize], prior.H[:])
	copy(state[vad.StateSize:], prior.C[:])

	prob, nextState, err := m.runner.Run(input, state)
	if err != nil {
		slog.Error("silero: inference failed", "err", err)
		return 0, prior, nil
	}
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}

	next := vad.State{Context: make([]float32, vad.ContextSize)}
	if len(nextState) >= 2*vad.StateSize {
		copy(next.H[:], nextState[:vad.StateSize])
		copy(next.C[:], nextState[vad.StateSize:2*vad.StateSize])
	}
	copy(next.Context, samples[WindowSamples-vad.ContextSize:])

	return prob, next, nil
}

// Close implements vad.Model.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.runner.Close()
}
