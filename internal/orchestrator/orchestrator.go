// Package orchestrator sequences one conversation turn: final transcript in,
// streamed model output through the sentence segmenter, per-fragment speech
// synthesis, ordered delivery to the device and detached persistence of the
// exchange.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auricle-ai/auricle/internal/devicetool"
	"github.com/auricle-ai/auricle/internal/observe"
	"github.com/auricle-ai/auricle/internal/sentence"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/internal/store"
	"github.com/auricle-ai/auricle/internal/worker"
	"github.com/auricle-ai/auricle/pkg/provider/llm"
	"github.com/auricle-ai/auricle/pkg/provider/tts"
	"github.com/auricle-ai/auricle/pkg/types"
)

// maxToolRounds bounds the model's tool-calling loop within one turn.
const maxToolRounds = 4

// Config tunes turn behaviour.
type Config struct {
	// SystemPrompt is injected ahead of the conversation history.
	SystemPrompt string
	// MaxHistory is how many stored messages feed the prompt.
	MaxHistory int
	// Temperature and MaxTokens pass through to the model.
	Temperature float64
	MaxTokens   int
	// Voice selects the synthesis voice.
	Voice types.VoiceProfile
}

// Orchestrator runs turns for all sessions. Stateless between turns; all
// per-turn state lives on the stack of [Orchestrator.RunTurn].
type Orchestrator struct {
	llm     llm.Provider
	tts     tts.Provider
	store   store.Store
	pool    *worker.Pool
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
}

// New creates an Orchestrator.
func New(llmProvider llm.Provider, ttsProvider tts.Provider, st store.Store, pool *worker.Pool, cfg Config, log *slog.Logger, metrics *observe.Metrics) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		llm:     llmProvider,
		tts:     ttsProvider,
		store:   st,
		pool:    pool,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
	}
}

// RunTurn executes one full turn for the given session: it loads history,
// streams the model, speaks every emitted fragment in order and persists the
// exchange without blocking the audio path. Device tool calls requested by
// the model run through bridge mid-turn.
//
// RunTurn blocks until the turn's audio has been delivered or superseded, so
// the caller should invoke it from a worker, not a read loop.
func (o *Orchestrator) RunTurn(ctx context.Context, sess *session.Session, bridge *devicetool.Bridge, userText string) error {
	gen := sess.NextTurn()
	o.metrics.ActiveTurns.Add(ctx, 1)
	defer o.metrics.ActiveTurns.Add(ctx, -1)

	log := o.log.With("device_id", sess.DeviceID, "turn", gen)

	history, err := o.store.History(ctx, sess.DeviceID, o.cfg.MaxHistory)
	if err != nil {
		// A turn without memory beats no turn at all.
		log.Warn("history load failed", "error", err)
		history = nil
	}

	del := newDeliverer(sess, gen, log, o.metrics)
	syn := &synthesizer{orch: o, del: del, log: log}
	seg := sentence.New(syn.enqueue)

	req := llm.CompletionRequest{
		Messages:     append(history, types.Message{Role: "user", Content: userText}),
		Tools:        bridge.Tools(),
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
		SystemPrompt: o.cfg.SystemPrompt,
	}

	if err := o.streamModel(ctx, bridge, req, seg, log); err != nil {
		// The segmenter has already spoken the failure message; the turn
		// still delivers it before we report the error.
		if werr := del.wait(ctx); werr != nil {
			return werr
		}
		return err
	}

	if err := del.wait(ctx); err != nil {
		return err
	}

	o.persistTurn(ctx, sess.DeviceID, userText, seg.Response(), log)
	return nil
}

// streamModel drives the model stream into the segmenter, running the
// tool-calling loop until the model produces a final text answer.
func (o *Orchestrator) streamModel(ctx context.Context, bridge *devicetool.Bridge, req llm.CompletionRequest, seg *sentence.Segmenter, log *slog.Logger) error {
	for round := 0; ; round++ {
		start := time.Now()
		chunks, err := o.llm.StreamCompletion(ctx, req)
		if err != nil {
			seg.Fail()
			return fmt.Errorf("orchestrator: start model stream: %w", err)
		}

		var (
			finish    string
			toolCalls []types.ToolCall
		)
		for chunk := range chunks {
			if chunk.Text != "" {
				seg.Push(chunk.Text)
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}
		o.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

		switch finish {
		case "tool_calls":
			if round >= maxToolRounds {
				log.Warn("tool-calling loop exceeded round limit")
				seg.Fail()
				return fmt.Errorf("orchestrator: model exceeded %d tool rounds", maxToolRounds)
			}
			req.Messages = append(req.Messages, types.Message{Role: "assistant", ToolCalls: toolCalls})
			req.Messages = append(req.Messages, o.executeToolCalls(ctx, bridge, toolCalls, log)...)
			continue
		case "error":
			seg.Fail()
			return fmt.Errorf("orchestrator: model stream failed mid-turn")
		default:
			seg.Complete()
			return nil
		}
	}
}

// executeToolCalls runs each requested device tool through the bridge and
// returns the tool-role messages to feed back to the model. Failures become
// result content; the model decides how to recover.
func (o *Orchestrator) executeToolCalls(ctx context.Context, bridge *devicetool.Bridge, calls []types.ToolCall, log *slog.Logger) []types.Message {
	out := make([]types.Message, 0, len(calls))
	for _, call := range calls {
		start := time.Now()
		res, err := bridge.Execute(ctx, call.Name, call.Arguments)
		o.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())

		var content string
		switch {
		case err != nil:
			log.Warn("device tool call failed", "tool", call.Name, "error", err)
			content = fmt.Sprintf("tool call failed: %v", err)
		case res.IsError:
			content = fmt.Sprintf("tool reported an error: %s", res.Content)
		default:
			content = res.Content
		}
		out = append(out, types.Message{Role: "tool", Content: content, ToolCallID: call.ID})
	}
	return out
}

// persistTurn stores the exchange fire-and-forget: the worker pool gets the
// write and the audio path never waits for it.
func (o *Orchestrator) persistTurn(ctx context.Context, deviceID, userText, response string, log *slog.Logger) {
	if response == "" {
		return
	}
	msgs := []types.Message{
		{Role: "user", Content: userText},
		{Role: "assistant", Content: response},
	}
	o.pool.TryGo(context.WithoutCancel(ctx), "persist_turn", func(ctx context.Context) error {
		if err := o.store.AppendMessages(ctx, deviceID, msgs); err != nil {
			return fmt.Errorf("orchestrator: persist turn: %w", err)
		}
		return nil
	})
}

// synthesizer turns segmenter fragments into audio concurrently, feeding the
// deliverer. The segmenter's handler must not block, so enqueue only assigns
// an index and spawns the synthesis task.
type synthesizer struct {
	orch *Orchestrator
	del  *deliverer
	log  *slog.Logger

	mu  sync.Mutex
	idx int
}

func (s *synthesizer) enqueue(frag sentence.Fragment) {
	s.mu.Lock()
	idx := s.idx
	s.idx++
	s.mu.Unlock()

	if frag.Text == "" {
		// Bare terminal marker, nothing to speak.
		s.del.complete(context.WithoutCancel(context.Background()), idx, &fragmentAudio{frag: frag})
		return
	}

	ctx := context.Background()
	go func() {
		err := s.orch.pool.Run(ctx, func(ctx context.Context) error {
			fa := s.synthesize(ctx, frag)
			s.del.complete(ctx, idx, fa)
			return nil
		})
		if err != nil {
			// Pool acquisition failed; deliver the text without audio so
			// the turn's ordering contract still completes.
			s.log.Warn("synthesis slot unavailable", "error", err)
			s.del.complete(ctx, idx, &fragmentAudio{frag: frag, failed: true})
		}
	}()
}

// synthesize runs one fragment through the TTS provider. A synthesis failure
// is tolerated: the fragment is delivered silent and the turn continues.
func (s *synthesizer) synthesize(ctx context.Context, frag sentence.Fragment) *fragmentAudio {
	start := time.Now()
	text := make(chan string, 1)
	text <- frag.Text
	close(text)

	audio, err := s.orch.tts.SynthesizeStream(ctx, text, s.orch.cfg.Voice)
	if err != nil {
		s.log.Warn("fragment synthesis failed", "error", err)
		return &fragmentAudio{frag: frag, failed: true}
	}

	var frames [][]byte
	for frame := range audio {
		frames = append(frames, frame)
	}
	s.orch.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	return &fragmentAudio{frag: frag, frames: frames}
}
