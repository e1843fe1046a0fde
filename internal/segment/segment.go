// Package segment turns per-window speech probabilities into discrete
// utterance lifecycle events.
//
// A [Detector] sits between the Opus decode step and the recognition stream:
// it windows decoded PCM to the VAD model's input size, threads the model's
// recurrent state through successive calls, and debounces the raw
// probability signal with a hangover counter so short dips below the
// threshold do not chop one utterance into many.
package segment

import (
	"sync"

	"github.com/auricle-ai/auricle/pkg/audio"
	"github.com/auricle-ai/auricle/pkg/provider/vad"
)

// Kind identifies an utterance lifecycle event.
type Kind int

const (
	// Start marks the first speech window of a new utterance.
	Start Kind = iota
	// Continue carries a further audio chunk of the open utterance.
	Continue
	// End closes the utterance. It carries no audio.
	End
	// Error reports a decode or inference failure. It carries no audio
	// and changes no detector state; consumers must treat it as a no-op
	// for the utterance lifecycle, not as End.
	Error
)

// String returns the event kind name for logging.
func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Continue:
		return "continue"
	case End:
		return "end"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one utterance lifecycle notification. PCM holds the processed
// little-endian int16 audio for Start and Continue and is empty for End and
// Error.
type Event struct {
	Kind Kind
	PCM  []byte
}

// Tuning defaults for the probability debounce.
const (
	// DefaultThreshold is the speech probability above which a window
	// counts as voiced.
	DefaultThreshold = 0.5
	// DefaultHangover is how many consecutive sub-threshold windows end
	// an open utterance.
	DefaultHangover = 15
)

// Option configures a [Detector].
type Option func(*Detector)

// WithThreshold overrides the speech probability threshold.
func WithThreshold(t float32) Option {
	return func(d *Detector) { d.threshold = t }
}

// WithHangover overrides the number of consecutive quiet windows that close
// an utterance.
func WithHangover(n int) Option {
	return func(d *Detector) { d.hangover = n }
}

// Detector is the per-session utterance state machine. Decoded PCM goes in
// through [Detector.Process]; lifecycle events come out through the handler
// passed to [New], invoked synchronously on the calling goroutine.
//
// Safe for concurrent use, though a session's frames normally arrive
// serially. The handler must not call back into the Detector.
type Detector struct {
	model     vad.Model
	handler   func(Event)
	threshold float32
	hangover  int

	mu      sync.Mutex
	state   vad.State
	pending []byte
	active  bool
	quiet   int
}

// New creates a Detector over the given VAD model. Every emitted event is
// passed to handler.
func New(model vad.Model, handler func(Event), opts ...Option) *Detector {
	d := &Detector{
		model:     model,
		handler:   handler,
		threshold: DefaultThreshold,
		hangover:  DefaultHangover,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process feeds decoded PCM bytes into the state machine. Input shorter than
// one model window is buffered until enough samples accumulate; input longer
// than one window is classified window by window.
func (d *Detector) Process(pcm []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, pcm...)
	windowBytes := d.model.WindowSize() * 2
	for len(d.pending) >= windowBytes {
		chunk := make([]byte, windowBytes)
		copy(chunk, d.pending[:windowBytes])
		d.pending = d.pending[windowBytes:]

		prob, next, err := d.model.Infer(audio.BytesToFloat32(chunk), d.state)
		if err != nil {
			d.handler(Event{Kind: Error})
			continue
		}
		d.state = next
		d.classifyLocked(prob, chunk)
	}
}

// Fail emits an Error event without touching any state. The caller uses it
// when the audio could not be decoded at all.
func (d *Detector) Fail() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler(Event{Kind: Error})
}

// Reset restores the zero VAD state and discards any buffered samples and
// open utterance. Called when a session starts listening and on teardown.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = vad.State{}
	d.pending = nil
	d.active = false
	d.quiet = 0
}

// Active reports whether an utterance is currently open.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Detector) classifyLocked(prob float32, chunk []byte) {
	if prob >= d.threshold {
		d.quiet = 0
		if !d.active {
			d.active = true
			d.handler(Event{Kind: Start, PCM: chunk})
			return
		}
		d.handler(Event{Kind: Continue, PCM: chunk})
		return
	}

	if !d.active {
		return
	}
	d.quiet++
	if d.quiet >= d.hangover {
		d.active = false
		d.quiet = 0
		d.state = vad.State{}
		d.handler(Event{Kind: End})
		return
	}
	// Still inside the hangover window: keep the audio, the speaker may
	// just be pausing.
	d.handler(Event{Kind: Continue, PCM: chunk})
}
