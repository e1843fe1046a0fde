package server

import (
	"context"
	"time"

	"github.com/auricle-ai/auricle/internal/protocol"
	"github.com/auricle-ai/auricle/internal/segment"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/pkg/audio"
	"github.com/auricle-ai/auricle/pkg/provider/stt"
)

// onSegment reacts to utterance boundaries from the detector. A Start opens
// the session's audio sink and spawns the recognition stream; an End closes
// the sink so the stream sees end-of-audio and commits its final transcript.
func (c *conn) onSegment(ev segment.Event) {
	switch ev.Kind {
	case segment.Start:
		sink := c.sess.OpenSink()
		sink.Push(ev.PCM)
		c.spawn(c.ctx, "transcribe", func(ctx context.Context) {
			c.transcribe(ctx, sink)
		})
	case segment.Continue:
		if sink := c.sess.Sink(); sink != nil {
			sink.Push(ev.PCM)
		}
	case segment.End:
		c.sess.CloseSink()
		c.log.Debug("utterance ended")
	case segment.Error:
		c.log.Warn("segmentation error, frame skipped")
	}
}

// transcribe drains one utterance's audio sink through the STT provider.
// Partials go to the device as interim captions; the last non-empty final is
// the turn's transcript.
func (c *conn) transcribe(ctx context.Context, sink *session.AudioSink) {
	started := time.Now()
	handle, err := c.srv.deps.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Language:   c.srv.cfg.Language,
	})
	if err != nil {
		c.log.Error("recognition stream failed to open", "error", err)
		sink.Close()
		return
	}

	// Feed audio until the sink closes, then signal end-of-audio.
	go func() {
		defer handle.Close()
		for {
			chunk, ok := sink.Next()
			if !ok {
				return
			}
			if err := handle.SendAudio(chunk); err != nil {
				c.log.Warn("sending audio to recognizer failed", "error", err)
				return
			}
		}
	}()

	go func() {
		for t := range handle.Partials() {
			if t.Text == "" {
				continue
			}
			if err := c.sess.Send(ctx, protocol.NewSTT(protocol.PhaseInterim, t.Text)); err != nil {
				return
			}
		}
	}()

	var final string
	for t := range handle.Finals() {
		if t.Text != "" {
			final = t.Text
		}
	}
	c.srv.deps.Metrics.STTDuration.Record(ctx, time.Since(started).Seconds())
	if final == "" {
		c.log.Debug("utterance produced no transcript")
		return
	}
	if err := c.sess.Send(ctx, protocol.NewSTT(protocol.PhaseFinal, final)); err != nil {
		c.log.Warn("final transcript delivery failed", "error", err)
	}
	c.log.Info("transcript committed", "text", final)

	if c.srv.deps.Wakeword != nil {
		if stripped := c.srv.deps.Wakeword.Strip(final); stripped != "" {
			final = stripped
		}
	}
	if err := c.srv.deps.Orchestrator.RunTurn(ctx, c.sess, c.bridge, final); err != nil {
		c.log.Warn("turn failed", "error", err)
	}
}
