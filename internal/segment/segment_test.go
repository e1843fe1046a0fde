package segment

import (
	"sync"
	"testing"

	"github.com/auricle-ai/auricle/pkg/provider/vad"
	"github.com/auricle-ai/auricle/pkg/provider/vad/mock"
)

const windowBytes = 512 * 2

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Kind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func pcmWindows(n int) []byte {
	return make([]byte, n*windowBytes)
}

// ---- lifecycle ----

func TestStartContinueEnd(t *testing.T) {
	t.Parallel()

	// Three voiced windows, then silence long enough to pass the
	// hangover.
	script := []float32{0.9, 0.8, 0.7, 0.1}
	col := &collector{}
	d := New(mock.New(script...), col.handle, WithHangover(3))

	d.Process(pcmWindows(6))

	kinds := col.kinds()
	want := []Kind{Start, Continue, Continue, Continue, Continue, End}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %v, want %v (all: %v)", i, kinds[i], want[i], kinds)
		}
	}
	if d.Active() {
		t.Error("utterance should be closed after End")
	}
}

func TestStartCarriesAudio(t *testing.T) {
	t.Parallel()
	col := &collector{}
	d := New(mock.New(0.9), col.handle)

	d.Process(pcmWindows(1))

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.events) != 1 {
		t.Fatalf("expected one event, got %d", len(col.events))
	}
	if col.events[0].Kind != Start {
		t.Fatalf("kind = %v, want Start", col.events[0].Kind)
	}
	if len(col.events[0].PCM) != windowBytes {
		t.Errorf("Start PCM length = %d, want %d", len(col.events[0].PCM), windowBytes)
	}
}

func TestHangoverToleratesShortDips(t *testing.T) {
	t.Parallel()

	// A two-window dip inside a hangover of three must not end the
	// utterance.
	script := []float32{0.9, 0.1, 0.1, 0.9}
	col := &collector{}
	d := New(mock.New(script...), col.handle, WithHangover(3))

	d.Process(pcmWindows(4))

	for _, k := range col.kinds() {
		if k == End {
			t.Fatal("utterance ended during a dip shorter than the hangover")
		}
	}
	if !d.Active() {
		t.Error("utterance should still be open")
	}
}

func TestEndEventCarriesNoAudio(t *testing.T) {
	t.Parallel()
	col := &collector{}
	d := New(mock.New(0.9, 0.0), col.handle, WithHangover(1))

	d.Process(pcmWindows(2))

	col.mu.Lock()
	defer col.mu.Unlock()
	last := col.events[len(col.events)-1]
	if last.Kind != End {
		t.Fatalf("last event = %v, want End", last.Kind)
	}
	if len(last.PCM) != 0 {
		t.Errorf("End event carries %d bytes of audio, want none", len(last.PCM))
	}
}

func TestSilenceEmitsNothing(t *testing.T) {
	t.Parallel()
	col := &collector{}
	d := New(mock.New(0.0), col.handle)

	d.Process(pcmWindows(8))

	if kinds := col.kinds(); len(kinds) != 0 {
		t.Errorf("silence produced events: %v", kinds)
	}
}

// ---- buffering ----

func TestPartialWindowsBuffered(t *testing.T) {
	t.Parallel()
	col := &collector{}
	d := New(mock.New(0.9), col.handle)

	// Device frames are 960 samples; the model window is 512. The first
	// frame yields one window with 448 samples left over.
	frame := make([]byte, 960*2)
	d.Process(frame)
	if got := len(col.kinds()); got != 1 {
		t.Fatalf("one frame should yield one window event, got %d", got)
	}
	d.Process(frame)
	if got := len(col.kinds()); got != 3 {
		t.Fatalf("two frames hold 1920 samples, expected 3 window events, got %d", got)
	}
}

func TestResetDiscardsBufferAndUtterance(t *testing.T) {
	t.Parallel()
	col := &collector{}
	d := New(mock.New(0.9), col.handle)

	d.Process(pcmWindows(1))
	if !d.Active() {
		t.Fatal("expected an open utterance")
	}

	d.Reset()
	if d.Active() {
		t.Error("Reset must close the open utterance")
	}

	// A half window buffered before Reset must not leak into the next
	// utterance.
	d.Process(make([]byte, windowBytes/2))
	before := len(col.kinds())
	d.Reset()
	d.Process(make([]byte, windowBytes/2))
	if got := len(col.kinds()); got != before {
		t.Errorf("buffered samples survived Reset: %d events, want %d", got, before)
	}
}

// ---- errors ----

type failingModel struct{}

func (failingModel) Infer(samples []float32, prior vad.State) (float32, vad.State, error) {
	return 0, prior, vad.ErrWindowSize
}
func (failingModel) WindowSize() int { return 512 }
func (failingModel) Close() error    { return nil }

func TestInferenceFailureEmitsErrorWithoutStateChange(t *testing.T) {
	t.Parallel()
	col := &collector{}
	d := New(failingModel{}, col.handle)

	d.Process(pcmWindows(2))

	kinds := col.kinds()
	if len(kinds) != 2 {
		t.Fatalf("expected one Error per failed window, got %v", kinds)
	}
	for _, k := range kinds {
		if k != Error {
			t.Fatalf("kind = %v, want Error", k)
		}
	}
	if d.Active() {
		t.Error("a failed window must not open an utterance")
	}
}

func TestFailEmitsError(t *testing.T) {
	t.Parallel()
	col := &collector{}
	d := New(mock.New(0.9), col.handle)

	d.Process(pcmWindows(1))
	d.Fail()

	kinds := col.kinds()
	if kinds[len(kinds)-1] != Error {
		t.Fatalf("last event = %v, want Error", kinds[len(kinds)-1])
	}
	if !d.Active() {
		t.Error("Fail must not close the open utterance")
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	cases := map[Kind]string{Start: "start", Continue: "continue", End: "end", Error: "error", Kind(42): "unknown"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
