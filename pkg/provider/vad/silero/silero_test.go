package silero

import (
	"errors"
	"testing"

	"github.com/auricle-ai/auricle/pkg/provider/vad"
)

// stubRunner records its inputs and returns canned outputs.
type stubRunner struct {
	prob    float32
	err     error
	inputs  [][]float32
	states  [][]float32
	closed  int
	nextOut []float32
}

func (r *stubRunner) Run(input []float32, state []float32) (float32, []float32, error) {
	r.inputs = append(r.inputs, input)
	r.states = append(r.states, state)
	if r.err != nil {
		return 0, nil, r.err
	}
	out := r.nextOut
	if out == nil {
		out = make([]float32, 2*vad.StateSize)
		for i := range out {
			out[i] = 0.5
		}
	}
	return r.prob, out, nil
}

func (r *stubRunner) Close() error {
	r.closed++
	return nil
}

func window(v float32) []float32 {
	s := make([]float32, WindowSamples)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestInferRejectsWrongWindowSize(t *testing.T) {
	t.Parallel()
	m, err := New(&stubRunner{prob: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 1, WindowSamples - 1, WindowSamples + 1, 2 * WindowSamples} {
		_, _, err := m.Infer(make([]float32, n), vad.State{})
		if !errors.Is(err, vad.ErrWindowSize) {
			t.Errorf("n=%d: got err %v, want ErrWindowSize", n, err)
		}
	}
}

func TestInferReturnsProbabilityAndNextState(t *testing.T) {
	t.Parallel()
	r := &stubRunner{prob: 0.73}
	m, _ := New(r)

	prob, next, err := m.Infer(window(0.1), vad.State{})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if prob != 0.73 {
		t.Errorf("prob: got %f, want 0.73", prob)
	}
	if next.H[0] != 0.5 || next.C[vad.StateSize-1] != 0.5 {
		t.Errorf("next state not populated from runner output: H[0]=%f C[last]=%f", next.H[0], next.C[vad.StateSize-1])
	}
	if len(next.Context) != vad.ContextSize {
		t.Fatalf("context length: got %d, want %d", len(next.Context), vad.ContextSize)
	}
	// Context must be the trailing samples of the input window.
	for _, v := range next.Context {
		if v != 0.1 {
			t.Fatalf("context sample: got %f, want 0.1", v)
		}
	}
}

func TestInferThreadsStateBetweenCalls(t *testing.T) {
	t.Parallel()
	r := &stubRunner{prob: 0.5}
	m, _ := New(r)

	_, next, err := m.Infer(window(0.2), vad.State{})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = m.Infer(window(0.3), next)
	if err != nil {
		t.Fatal(err)
	}

	// The second call's input must begin with the first call's context.
	secondInput := r.inputs[1]
	if len(secondInput) != vad.ContextSize+WindowSamples {
		t.Fatalf("input length: got %d", len(secondInput))
	}
	for i := 0; i < vad.ContextSize; i++ {
		if secondInput[i] != 0.2 {
			t.Fatalf("input[%d]: got %f, want context sample 0.2", i, secondInput[i])
		}
	}
	// And its state must be the runner's previous output.
	if r.states[1][0] != 0.5 {
		t.Errorf("state not threaded: got %f, want 0.5", r.states[1][0])
	}
}

func TestInferNeutralOnRunnerFailure(t *testing.T) {
	t.Parallel()
	r := &stubRunner{err: errors.New("native runtime fell over")}
	m, _ := New(r)

	prior := vad.State{Context: window(0.4)[:vad.ContextSize]}
	prior.H[3] = 0.9

	prob, next, err := m.Infer(window(0.1), prior)
	if err != nil {
		t.Fatalf("runner failure must not surface as error, got %v", err)
	}
	if prob != 0 {
		t.Errorf("prob: got %f, want neutral 0", prob)
	}
	if next.H[3] != 0.9 {
		t.Errorf("state must be unchanged on failure: H[3]=%f, want 0.9", next.H[3])
	}
}

func TestInferClampsProbability(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ in, want float32 }{
		{-0.5, 0},
		{1.5, 1},
		{0.4, 0.4},
	} {
		m, _ := New(&stubRunner{prob: tc.in})
		prob, _, err := m.Infer(window(0), vad.State{})
		if err != nil {
			t.Fatal(err)
		}
		if prob != tc.want {
			t.Errorf("prob %f: got %f, want %f", tc.in, prob, tc.want)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	r := &stubRunner{}
	m, _ := New(r)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if r.closed != 1 {
		t.Errorf("runner closed %d times, want 1", r.closed)
	}
}
