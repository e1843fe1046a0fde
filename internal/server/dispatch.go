package server

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/auricle-ai/auricle/internal/devicetool"
	"github.com/auricle-ai/auricle/internal/protocol"
	"github.com/auricle-ai/auricle/internal/segment"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/internal/store"
)

// conn is the per-connection dispatcher. It owns the session's audio pipeline
// front end (decoder, segmentation detector) and routes protocol envelopes.
// All methods except the segment event handler run on the read loop
// goroutine; the handler runs synchronously inside handleBinary.
type conn struct {
	srv      *Server
	sess     *session.Session
	bridge   *devicetool.Bridge
	detector *segment.Detector
	decoder  Decoder
	log      *slog.Logger

	// ctx is the connection lifetime context, set before the read loop
	// starts. Work spawned by segmentation events inherits it.
	ctx context.Context

	// bound reports whether the device id is known to the store. Unbound
	// devices get the reduced pairing protocol until they bind.
	bound atomic.Bool
}

func (s *Server) newConn(sess *session.Session) (*conn, error) {
	dec, err := s.deps.NewDecoder()
	if err != nil {
		return nil, err
	}
	c := &conn{
		srv:     s,
		sess:    sess,
		decoder: dec,
		log:     s.deps.Log.With("session_id", sess.ID, "device_id", sess.DeviceID),
	}
	bridgeOpts := []devicetool.Option{
		devicetool.WithLogger(c.log),
		devicetool.WithMetrics(s.deps.Metrics),
	}
	if s.cfg.CallTimeout > 0 {
		bridgeOpts = append(bridgeOpts, devicetool.WithTimeout(s.cfg.CallTimeout))
	}
	if s.cfg.MaxTools > 0 {
		bridgeOpts = append(bridgeOpts, devicetool.WithMaxTools(s.cfg.MaxTools))
	}
	if s.cfg.VisionURL != "" {
		bridgeOpts = append(bridgeOpts, devicetool.WithVisionURL(s.cfg.VisionURL))
	}
	c.bridge = devicetool.NewBridge(sess, bridgeOpts...)
	var opts []segment.Option
	if s.cfg.SpeechThreshold > 0 {
		opts = append(opts, segment.WithThreshold(float32(s.cfg.SpeechThreshold)))
	}
	if s.cfg.HangoverWindows > 0 {
		opts = append(opts, segment.WithHangover(s.cfg.HangoverWindows))
	}
	c.detector = segment.New(s.deps.VAD, c.onSegment, opts...)
	return c, nil
}

// handleText routes one inbound protocol envelope.
func (c *conn) handleText(ctx context.Context, data []byte) {
	msg, err := protocol.ParseInbound(data)
	switch {
	case msg == nil:
		c.log.Warn("dropping malformed envelope", "error", err)
		return
	case errors.Is(err, protocol.ErrUnknownType):
		c.log.Warn("dropping envelope with unknown type", "type", msg.Type)
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		c.handleHello(ctx, msg)
	case protocol.TypeListen:
		c.handleListen(ctx, msg)
	case protocol.TypeAbort:
		c.handleAbort(msg)
	case protocol.TypeIoT:
		c.handleIoT(msg)
	case protocol.TypeMCP:
		c.handleRPCReply(msg)
	}
}

// handleBinary feeds one compressed audio frame into segmentation. Frames
// outside the listening state are dropped without touching detector state.
func (c *conn) handleBinary(frame []byte) {
	if !c.sess.Listening() {
		c.srv.deps.Metrics.DroppedFrames.Add(context.Background(), 1)
		return
	}
	pcm, err := c.decoder.Decode(frame)
	if err != nil {
		c.log.Warn("audio decode failed", "error", err)
		c.detector.Fail()
		return
	}
	c.detector.Process(pcm)
}

func (c *conn) handleHello(ctx context.Context, msg *protocol.Inbound) {
	reply := protocol.NewHelloReply(c.sess.ID, defaultAudioParams())
	if err := c.sess.Send(ctx, reply); err != nil {
		c.log.Warn("hello reply failed", "error", err)
		return
	}
	c.log.Info("handshake complete", "transport", msg.Transport)

	if !c.refreshBinding(ctx) {
		c.spawn(ctx, "pairing_prompt", c.speakPairingPrompt)
		return
	}
	c.spawn(ctx, "discover_tools", c.discoverTools)
}

func (c *conn) handleListen(ctx context.Context, msg *protocol.Inbound) {
	if !c.bound.Load() && !c.refreshBinding(ctx) {
		// Reduced protocol: every listen attempt replays the pairing code.
		c.spawn(ctx, "pairing_prompt", c.speakPairingPrompt)
		return
	}

	switch msg.State {
	case protocol.ListenStart:
		c.detector.Reset()
		c.sess.SetListening(true)
		c.log.Debug("listening started", "mode", msg.Mode)
	case protocol.ListenStop:
		c.sess.SetListening(false)
		c.sess.CloseSink()
		c.detector.Reset()
		c.log.Debug("listening stopped")
	case protocol.ListenDetect:
		// Wake word was transcribed on the device; the text skips STT.
		c.sess.SetListening(false)
		text := msg.Text
		if c.srv.deps.Wakeword != nil {
			text = c.srv.deps.Wakeword.Strip(text)
		}
		if text == "" {
			c.log.Debug("detect carried only the wake word", "text", msg.Text)
			return
		}
		if err := c.sess.Send(ctx, protocol.NewSTT(protocol.PhaseStart, msg.Text)); err != nil {
			c.log.Warn("detect acknowledgement failed", "error", err)
		}
		c.startTurn(ctx, text)
	default:
		c.log.Warn("dropping listen with unknown state", "state", msg.State)
	}
}

// handleAbort force-completes recognition and invalidates the current turn so
// in-flight synthesis is dropped at the send boundary.
func (c *conn) handleAbort(msg *protocol.Inbound) {
	c.sess.NextTurn()
	c.sess.CloseSink()
	c.detector.Reset()
	c.log.Info("turn aborted by device", "reason", msg.Reason)
}

// handleIoT forwards device descriptor and state updates to the configured
// consumer. Without one the update is only logged.
func (c *conn) handleIoT(msg *protocol.Inbound) {
	if h := c.srv.deps.IoT; h != nil {
		h(c.sess, msg.Descriptors, msg.States)
		return
	}
	c.log.Debug("device iot update",
		"has_descriptors", len(msg.Descriptors) > 0,
		"has_states", len(msg.States) > 0)
}

// handleRPCReply correlates a device tool reply with its pending request.
// Replies for already resolved or expired ids are dropped.
func (c *conn) handleRPCReply(msg *protocol.Inbound) {
	resp, err := protocol.ParseRPCResponse(msg.Payload)
	if err != nil {
		c.log.Warn("dropping malformed rpc reply", "error", err)
		return
	}
	if !c.sess.Resolve(resp.ID, resp) {
		c.log.Debug("dropping rpc reply with no pending request", "id", resp.ID)
	}
}

// refreshBinding re-checks the store for the device record and, on the
// transition to bound, marks the device online.
func (c *conn) refreshBinding(ctx context.Context) bool {
	if c.bound.Load() {
		return true
	}
	_, err := c.srv.deps.Store.Device(ctx, c.sess.DeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false
	case err != nil:
		c.log.Warn("device lookup failed", "error", err)
		return false
	}
	c.bound.Store(true)
	if err := c.srv.deps.Store.SetOnline(ctx, c.sess.DeviceID, true); err != nil {
		c.log.Warn("marking device online failed", "error", err)
	}
	return true
}

// discoverTools runs the device tool handshake. A device without tool support
// leaves the bridge empty; the turn pipeline works without it.
func (c *conn) discoverTools(ctx context.Context) {
	if err := c.bridge.Initialize(ctx); err != nil {
		c.log.Info("device tool handshake unavailable", "error", err)
		return
	}
	if err := c.bridge.DiscoverTools(ctx); err != nil {
		c.log.Warn("tool discovery failed", "error", err)
		return
	}
	c.log.Info("device tools registered", "count", len(c.bridge.Tools()))
}

// startTurn hands a final transcript to the orchestrator on the worker pool.
func (c *conn) startTurn(ctx context.Context, text string) {
	c.spawn(ctx, "turn", func(ctx context.Context) {
		if err := c.srv.deps.Orchestrator.RunTurn(ctx, c.sess, c.bridge, text); err != nil {
			c.log.Warn("turn failed", "error", err)
		}
	})
}

// spawn runs fn on the worker pool, logging a pool acquisition failure.
func (c *conn) spawn(ctx context.Context, name string, fn func(ctx context.Context)) {
	err := c.srv.deps.Pool.Go(ctx, name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	if err != nil {
		c.log.Warn("task not started", "task", name, "error", err)
	}
}
