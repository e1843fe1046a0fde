package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auricle-ai/auricle/internal/devicetool"
	"github.com/auricle-ai/auricle/internal/observe"
	"github.com/auricle-ai/auricle/internal/protocol"
	"github.com/auricle-ai/auricle/internal/sentence"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/internal/store/memstore"
	"github.com/auricle-ai/auricle/internal/worker"
	"github.com/auricle-ai/auricle/pkg/provider/llm"
	llmmock "github.com/auricle-ai/auricle/pkg/provider/llm/mock"
	ttsmock "github.com/auricle-ai/auricle/pkg/provider/tts/mock"
	"github.com/auricle-ai/auricle/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *observe.Metrics {
	return observe.DefaultMetrics()
}

// wire records the outbound stream in arrival order and plays the device
// side of the tool channel.
type wire struct {
	mu         sync.Mutex
	sess       *session.Session
	rpcHandler func(req protocol.RPCRequest) *protocol.RPCResponse
	texts      [][]byte
	order      []string // "text:<payload>" / "frame:<payload>" interleaving
}

func (w *wire) WriteText(_ context.Context, data []byte) error {
	w.mu.Lock()
	w.texts = append(w.texts, data)
	w.order = append(w.order, "text:"+string(data))
	handler := w.rpcHandler
	w.mu.Unlock()

	if handler != nil {
		var env struct {
			Type    string              `json:"type"`
			Payload protocol.RPCRequest `json:"payload"`
		}
		if json.Unmarshal(data, &env) == nil && env.Type == protocol.TypeMCP {
			go func() {
				if resp := handler(env.Payload); resp != nil {
					w.sess.Resolve(resp.ID, resp)
				}
			}()
		}
	}
	return nil
}

func (w *wire) WriteBinary(_ context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order = append(w.order, "frame:"+string(data))
	return nil
}

func (w *wire) ttsMessages(t *testing.T) []protocol.TTSMessage {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []protocol.TTSMessage
	for _, data := range w.texts {
		var msg protocol.TTSMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.Type == protocol.TypeTTS {
			out = append(out, msg)
		}
	}
	return out
}

type harness struct {
	orch   *Orchestrator
	sess   *session.Session
	bridge *devicetool.Bridge
	wire   *wire
	llm    *llmmock.Provider
	tts    *ttsmock.Provider
	store  *memstore.Store
}

func newHarness(t *testing.T, llmProvider *llmmock.Provider, ttsProvider *ttsmock.Provider) *harness {
	t.Helper()
	w := &wire{}
	sess := session.New("dev-1", w, nil)
	w.sess = sess
	st := memstore.New()
	orch := New(llmProvider, ttsProvider, st, worker.NewPool(8, nil), Config{
		SystemPrompt: "You are a friendly speaker.",
		MaxHistory:   10,
		Voice:        types.VoiceProfile{ID: "mock-voice"},
	}, nil, nil)
	return &harness{
		orch:   orch,
		sess:   sess,
		bridge: devicetool.NewBridge(sess, devicetool.WithTimeout(2*time.Second)),
		wire:   w,
		llm:    llmProvider,
		tts:    ttsProvider,
		store:  st,
	}
}

func chunksFor(text string) []llm.Chunk {
	// Stream in small tokens like a real model.
	var chunks []llm.Chunk
	for len(text) > 0 {
		n := 4
		if n > len(text) {
			n = len(text)
		}
		chunks = append(chunks, llm.Chunk{Text: text[:n]})
		text = text[n:]
	}
	return append(chunks, llm.Chunk{FinishReason: "stop"})
}

// ---- delivery ----

func TestTurnDeliversFragmentsInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		&llmmock.Provider{StreamChunks: chunksFor("First sentence here. Second one follows.")},
		ttsmock.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.RunTurn(ctx, h.sess, h.bridge, "say two sentences"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	msgs := h.wire.ttsMessages(t)
	if len(msgs) != 3 {
		t.Fatalf("got %d tts envelopes, want 2 fragments + terminal: %+v", len(msgs), msgs)
	}
	if msgs[0].Text != "First sentence here." || !msgs[0].IsFirst {
		t.Errorf("first envelope = %+v", msgs[0])
	}
	if msgs[1].Text != "Second one follows." || msgs[1].IsFirst || msgs[1].IsLast {
		t.Errorf("second envelope = %+v", msgs[1])
	}
	if msgs[2].Text != "" || !msgs[2].IsLast {
		t.Errorf("terminal envelope = %+v", msgs[2])
	}

	// The mock synthesizer echoes text as audio, so each fragment's frame
	// must directly follow its envelope on the wire.
	h.wire.mu.Lock()
	defer h.wire.mu.Unlock()
	var cleaned []string
	for _, e := range h.wire.order {
		if strings.HasPrefix(e, "frame:") {
			cleaned = append(cleaned, e)
		} else {
			var msg protocol.TTSMessage
			_ = json.Unmarshal([]byte(strings.TrimPrefix(e, "text:")), &msg)
			if msg.Type == protocol.TypeTTS {
				cleaned = append(cleaned, "tts:"+msg.Text)
			}
		}
	}
	want := []string{
		"tts:First sentence here.",
		"frame:First sentence here.",
		"tts:Second one follows.",
		"frame:Second one follows.",
		"tts:",
	}
	if len(cleaned) != len(want) {
		t.Fatalf("wire order = %v, want %v", cleaned, want)
	}
	for i := range want {
		if cleaned[i] != want[i] {
			t.Fatalf("wire order[%d] = %q, want %q (all: %v)", i, cleaned[i], want[i], cleaned)
		}
	}
}

func TestTurnPersistsExchangeAsynchronously(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		&llmmock.Provider{StreamChunks: chunksFor("All good today.")},
		ttsmock.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.RunTurn(ctx, h.sess, h.bridge, "how are you"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := h.store.History(ctx, "dev-1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 2 {
			if msgs[0].Role != "user" || msgs[0].Content != "how are you" {
				t.Errorf("user message = %+v", msgs[0])
			}
			if msgs[1].Role != "assistant" || msgs[1].Content != "All good today." {
				t.Errorf("assistant message = %+v", msgs[1])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("exchange never persisted, history = %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHistoryFeedsPrompt(t *testing.T) {
	t.Parallel()
	llmProvider := &llmmock.Provider{StreamChunks: chunksFor("Again, hello.")}
	h := newHarness(t, llmProvider, ttsmock.New())

	ctx := context.Background()
	_ = h.store.AppendMessages(ctx, "dev-1", []types.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	})

	if err := h.orch.RunTurn(ctx, h.sess, h.bridge, "and now?"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	req := llmProvider.StreamCalls[0].Req
	if len(req.Messages) != 3 {
		t.Fatalf("prompt has %d messages, want history(2) + user(1): %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[0].Content != "earlier question" || req.Messages[2].Content != "and now?" {
		t.Errorf("prompt order wrong: %+v", req.Messages)
	}
	if req.SystemPrompt == "" {
		t.Error("system prompt not forwarded")
	}
}

// ---- failure tolerance ----

func TestSynthesisFailurePerFragmentTolerated(t *testing.T) {
	t.Parallel()
	ttsProvider := ttsmock.New()
	ttsProvider.FailOn = "Middle part fails." // yields no audio for that fragment
	h := newHarness(t,
		&llmmock.Provider{StreamChunks: chunksFor("Opening line works. Middle part fails. Closing line works.")},
		ttsProvider)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.RunTurn(ctx, h.sess, h.bridge, "speak"); err != nil {
		t.Fatalf("RunTurn must tolerate per-fragment synthesis failure: %v", err)
	}

	msgs := h.wire.ttsMessages(t)
	if len(msgs) != 4 {
		t.Fatalf("got %d envelopes, want all 3 fragments + terminal: %+v", len(msgs), msgs)
	}
	if msgs[1].Text != "Middle part fails." {
		t.Errorf("failed fragment's envelope missing: %+v", msgs)
	}
	if msgs[2].Text != "Closing line works." {
		t.Errorf("fragments after the failure were not delivered: %+v", msgs)
	}
}

func TestModelStartFailureSpeaksErrorFragment(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		&llmmock.Provider{StreamErr: context.DeadlineExceeded},
		ttsmock.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.RunTurn(ctx, h.sess, h.bridge, "hello"); err == nil {
		t.Fatal("RunTurn should report the model failure")
	}

	msgs := h.wire.ttsMessages(t)
	if len(msgs) == 0 {
		t.Fatal("no spoken error message delivered")
	}
	if msgs[0].Text != sentence.ErrorFragment {
		t.Errorf("error fragment = %q", msgs[0].Text)
	}
	if !msgs[0].IsLast {
		t.Error("error fragment should terminate the turn")
	}
}

func TestMidStreamErrorSpeaksErrorFragment(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		&llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Everything starts well enough here. "},
			{FinishReason: "error"},
		}},
		ttsmock.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.RunTurn(ctx, h.sess, h.bridge, "hello"); err == nil {
		t.Fatal("RunTurn should report the mid-stream failure")
	}

	var sawError bool
	for _, m := range h.wire.ttsMessages(t) {
		if m.Text == sentence.ErrorFragment {
			sawError = true
		}
	}
	if !sawError {
		t.Error("user never heard the failure message")
	}
}

// ---- tool calling ----

func TestToolCallLoop(t *testing.T) {
	t.Parallel()
	llmProvider := &llmmock.Provider{StreamScript: [][]llm.Chunk{
		{
			{ToolCalls: []types.ToolCall{{ID: "call_1", Name: "mcp_self_speaker_set_volume", Arguments: `{"volume":5}`}}},
			{FinishReason: "tool_calls"},
		},
		chunksFor("Volume is now five."),
	}}
	h := newHarness(t, llmProvider, ttsmock.New())

	var calledDevice bool
	h.wire.rpcHandler = func(req protocol.RPCRequest) *protocol.RPCResponse {
		switch req.Method {
		case "tools/list":
			result := map[string]any{"tools": []map[string]any{{
				"name":        "self.speaker.set_volume",
				"description": "set the speaker volume",
				"inputSchema": map[string]any{"type": "object"},
			}}}
			data, _ := json.Marshal(result)
			return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
		case "tools/call":
			calledDevice = true
			result := map[string]any{
				"content": []map[string]any{{"type": "text", "text": "volume changed"}},
			}
			data, _ := json.Marshal(result)
			return &protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
		}
		return &protocol.RPCResponse{ID: req.ID, Error: &protocol.RPCError{Code: -32601, Message: "unknown"}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bridge.DiscoverTools(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.RunTurn(ctx, h.sess, h.bridge, "set volume to five"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if !calledDevice {
		t.Fatal("device tool was never invoked")
	}
	if len(llmProvider.StreamCalls) != 2 {
		t.Fatalf("model called %d times, want 2 (tool round + answer)", len(llmProvider.StreamCalls))
	}

	second := llmProvider.StreamCalls[1].Req
	var toolMsg *types.Message
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatalf("no tool result in second request: %+v", second.Messages)
	}
	if toolMsg.Content != "volume changed" || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", toolMsg)
	}

	msgs := h.wire.ttsMessages(t)
	if len(msgs) == 0 || msgs[0].Text != "Volume is now five." {
		t.Errorf("final answer not spoken: %+v", msgs)
	}
}

// ---- ordering and abort at the deliverer ----

func TestDelivererReleasesOutOfOrderCompletionsInOrder(t *testing.T) {
	t.Parallel()
	w := &wire{}
	sess := session.New("dev-1", w, nil)
	w.sess = sess

	gen := sess.NextTurn()
	d := newDeliverer(sess, gen, testLogger(), testMetrics())

	ctx := context.Background()
	d.complete(ctx, 1, &fragmentAudio{frag: sentence.Fragment{Text: "second"}})
	if got := len(w.ttsMessages(t)); got != 0 {
		t.Fatalf("fragment 1 released before fragment 0: %d envelopes", got)
	}
	d.complete(ctx, 0, &fragmentAudio{frag: sentence.Fragment{Text: "first", IsFirst: true}})
	d.complete(ctx, 2, &fragmentAudio{frag: sentence.Fragment{IsLast: true}})

	msgs := w.ttsMessages(t)
	if len(msgs) != 3 || msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Errorf("delivery order = %+v", msgs)
	}
	if err := d.wait(ctx); err != nil {
		t.Errorf("wait: %v", err)
	}
}

func TestDelivererDropsSupersededTurn(t *testing.T) {
	t.Parallel()
	w := &wire{}
	sess := session.New("dev-1", w, nil)
	w.sess = sess

	gen := sess.NextTurn()
	d := newDeliverer(sess, gen, testLogger(), testMetrics())

	sess.NextTurn() // device aborted, a new generation begins

	ctx := context.Background()
	d.complete(ctx, 0, &fragmentAudio{frag: sentence.Fragment{Text: "stale", IsFirst: true}})
	d.complete(ctx, 1, &fragmentAudio{frag: sentence.Fragment{IsLast: true}})

	if got := len(w.ttsMessages(t)); got != 0 {
		t.Errorf("stale turn delivered %d envelopes, want 0", got)
	}
	// The turn still completes so RunTurn can return.
	if err := d.wait(ctx); err != nil {
		t.Errorf("wait: %v", err)
	}
}
