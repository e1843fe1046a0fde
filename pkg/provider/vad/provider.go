// Package vad defines the Model interface for Voice Activity Detection
// backends.
//
// A VAD model wraps a frame-level speech classifier (e.g., Silero VAD or a
// simple energy detector) behind a stateless-call/explicit-state contract:
// each Infer call receives the recurrent state produced by the previous call
// and returns the next one. The per-session state lives with the session, so
// one Model instance can serve many concurrent audio streams.
//
// VAD is synchronous by design: Infer returns immediately with a probability,
// making it suitable for the low-latency pipeline stage that gates STT input.
//
// Implementations must be safe for concurrent use across sessions.
package vad

import "errors"

// StateSize is the width of each recurrent state tensor.
const StateSize = 128

// ContextSize is the number of trailing samples carried between windows as
// model context.
const ContextSize = 64

// ErrWindowSize is returned by Infer when the sample slice does not match the
// model's fixed window size. This is a caller contract violation, not an
// inference failure, and always fails fast.
var ErrWindowSize = errors.New("vad: sample count does not match model window size")

// State is the recurrent state threaded through successive Infer calls for
// one audio stream. The zero value is the defined reset state; sessions must
// start from it and return to it after each completed utterance.
type State struct {
	// H and C are the two recurrent state tensors from the previous
	// inference call.
	H [StateSize]float32
	C [StateSize]float32

	// Context holds up to ContextSize trailing samples of the previous
	// window, prepended to the next model input.
	Context []float32
}

// Model is the abstraction over any VAD backend.
//
// Implementations must be safe for concurrent use: multiple sessions may call
// Infer simultaneously, each with its own State.
type Model interface {
	// Infer classifies one fixed-length window of float32 samples in [-1, 1)
	// and returns the speech probability in [0, 1] together with the next
	// recurrent state.
	//
	// A sample slice whose length differs from WindowSize returns
	// ErrWindowSize. An internal inference failure is not an error: the
	// model returns probability 0 with prior unchanged, so a single bad
	// window cannot wedge a session.
	Infer(samples []float32, prior State) (prob float32, next State, err error)

	// WindowSize is the fixed number of samples per Infer call, derived
	// from the model's sample rate and frame size.
	WindowSize() int

	// Close releases resources held by the model. Calling Close more than
	// once is safe and returns nil.
	Close() error
}
