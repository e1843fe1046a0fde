// Package energy provides a dependency-free vad.Model based on RMS signal
// energy. It needs no native inference runtime and is the default model for
// development setups; production deployments should prefer the silero model.
//
// The probability it reports is a squashed RMS level, not a calibrated speech
// likelihood, but it behaves correctly against the segmentation pipeline's
// threshold and hangover logic.
package energy

import (
	"fmt"
	"math"

	"github.com/auricle-ai/auricle/pkg/provider/vad"
)

// defaultReference is the RMS level mapped to probability 0.5. Chosen for
// 16 kHz speech at typical device microphone gain.
const defaultReference = 0.015

// Model implements vad.Model on RMS energy. It keeps no internal state; the
// vad.State it returns carries only the rolling context for interface parity.
type Model struct {
	reference float64
	window    int
}

var _ vad.Model = (*Model)(nil)

// Option is a functional option for configuring a Model.
type Option func(*Model)

// WithReference sets the RMS level mapped to probability 0.5.
func WithReference(level float64) Option {
	return func(m *Model) { m.reference = level }
}

// New creates an energy Model with the same window size as the silero model
// so the two are interchangeable in configuration.
func New(opts ...Option) *Model {
	m := &Model{reference: defaultReference, window: 512}
	for _, o := range opts {
		o(m)
	}
	return m
}

// WindowSize implements vad.Model.
func (m *Model) WindowSize() int { return m.window }

// Infer implements vad.Model.
func (m *Model) Infer(samples []float32, prior vad.State) (float32, vad.State, error) {
	if len(samples) != m.window {
		return 0, prior, fmt.Errorf("%w: got %d, want %d", vad.ErrWindowSize, len(samples), m.window)
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	// Squash the level so reference maps to 0.5 and louder signals approach 1.
	prob := rms / (rms + m.reference)

	next := vad.State{Context: make([]float32, vad.ContextSize)}
	copy(next.Context, samples[len(samples)-vad.ContextSize:])
	return float32(prob), next, nil
}

// Close implements vad.Model. It is a no-op.
func (m *Model) Close() error { return nil }
