// Package server hosts the device-facing WebSocket endpoint.
//
// Each accepted connection becomes one [session.Session]. The read loop
// decodes inbound frames and hands them to the per-connection dispatcher:
// text frames carry protocol envelopes (hello, listen, abort, iot, mcp) and
// binary frames carry compressed audio for the segmentation pipeline. On
// disconnect the dispatcher runs a best-effort teardown sweep so a failing
// step never leaks the session's resources.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/auricle-ai/auricle/internal/observe"
	"github.com/auricle-ai/auricle/internal/orchestrator"
	"github.com/auricle-ai/auricle/internal/protocol"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/internal/store"
	"github.com/auricle-ai/auricle/internal/wakeword"
	"github.com/auricle-ai/auricle/internal/worker"
	"github.com/auricle-ai/auricle/pkg/audio"
	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/provider/tts"
	"github.com/auricle-ai/auricle/pkg/provider/vad"
	"github.com/auricle-ai/auricle/pkg/types"
)

// writeTimeout bounds a single outbound WebSocket write. A device that stops
// draining its socket fails its session instead of wedging the writer.
const writeTimeout = 10 * time.Second

// maxFrameBytes caps inbound frame size. The largest legitimate frame is a
// tool discovery response, well under this.
const maxFrameBytes = 1 << 20

// Config carries the tunables of the device endpoint.
type Config struct {
	// AuthToken, when non-empty, must be presented as a Bearer token in the
	// Authorization header of the upgrade request.
	AuthToken string

	// Language is the BCP-47 recognition hint passed to the STT provider.
	// Empty lets the provider auto-detect.
	Language string

	// Voice is the synthesis voice for the pairing prompt.
	Voice types.VoiceProfile

	// SpeechThreshold and HangoverWindows tune utterance segmentation.
	// Zero selects the segment package defaults.
	SpeechThreshold float64
	HangoverWindows int

	// CallTimeout and MaxTools tune the device tool bridge. Zero selects
	// the devicetool package defaults.
	CallTimeout time.Duration
	MaxTools    int

	// VisionURL, when non-empty, is advertised to the device as the vision
	// capability endpoint during the tool handshake.
	VisionURL string
}

// Decoder turns one compressed device audio frame into little-endian int16
// PCM bytes. Satisfied by [audio.Decoder].
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// Deps are the collaborators a [Server] dispatches into. All fields except
// Wakeword and NewDecoder are required.
type Deps struct {
	Registry     *session.Registry
	Store        store.Store
	Pool         *worker.Pool
	Orchestrator *orchestrator.Orchestrator
	VAD          vad.Model
	STT          stt.Provider
	TTS          tts.Provider

	// Wakeword strips recognised wake phrases from transcripts before they
	// reach the orchestrator. Nil disables correction.
	Wakeword *wakeword.Detector

	// NewDecoder builds the per-connection audio decoder. Nil selects the
	// Opus decoder.
	NewDecoder func() (Decoder, error)

	// IoT receives device state and descriptor updates. Nil means updates
	// are logged and dropped.
	IoT func(sess *session.Session, descriptors, states json.RawMessage)

	Log     *slog.Logger
	Metrics *observe.Metrics
}

// Server accepts device WebSocket connections and runs their sessions.
type Server struct {
	cfg  Config
	deps Deps

	// mu guards conns, the session id to socket mapping used to hang up a
	// replaced connection.
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// New creates a Server. Missing optional Deps fields are defaulted.
func New(cfg Config, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.NewDecoder == nil {
		deps.NewDecoder = func() (Decoder, error) { return audio.NewDecoder() }
	}
	return &Server{cfg: cfg, deps: deps, conns: make(map[string]*websocket.Conn)}
}

// Routes registers the device endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/xiaozhi/v1/", s.HandleWS)
}

// HandleWS upgrades the request to a WebSocket and serves the device session
// until the connection drops. It blocks for the lifetime of the connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.deps.Log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	deviceID := r.Header.Get("Device-Id")
	if deviceID == "" {
		// Session-fatal before any registration happens.
		s.deps.Log.Warn("connection without device id", "remote", r.RemoteAddr)
		ws.Close(websocket.StatusPolicyViolation, "missing device-id header")
		return
	}

	s.serve(r.Context(), ws, deviceID)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + s.cfg.AuthToken
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// serve registers the session and pumps the read loop until the connection
// ends, then runs teardown.
func (s *Server) serve(ctx context.Context, ws *websocket.Conn, deviceID string) {
	// A reconnecting device replaces its previous session.
	if old, ok := s.deps.Registry.GetByDevice(deviceID); ok {
		s.deps.Log.Info("replacing session for reconnecting device", "device_id", deviceID)
		old.Close()
		s.deps.Registry.Remove(old.ID)
		if oldWS := s.takeConn(old.ID); oldWS != nil {
			oldWS.Close(websocket.StatusGoingAway, "replaced by new connection")
		}
	}

	out := &wsOutbound{ws: ws}
	sess := session.New(deviceID, out, s.deps.Log)
	if err := s.deps.Registry.Add(sess); err != nil {
		s.deps.Log.Warn("rejecting connection", "device_id", deviceID, "error", err)
		ws.Close(websocket.StatusTryAgainLater, "session limit reached")
		return
	}
	s.mu.Lock()
	s.conns[sess.ID] = ws
	s.mu.Unlock()
	s.deps.Metrics.ActiveSessions.Add(ctx, 1)

	c, err := s.newConn(sess)
	if err != nil {
		s.deps.Log.Error("session setup failed", "device_id", deviceID, "error", err)
		s.teardown(sess, c)
		ws.Close(websocket.StatusInternalError, "setup failed")
		return
	}

	c.ctx = ctx
	c.log.Info("device connected")
	defer func() {
		s.teardown(sess, c)
		ws.Close(websocket.StatusNormalClosure, "session closed")
		c.log.Info("device disconnected")
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.log.Debug("read loop ended", "error", err)
			}
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleText(ctx, data)
		case websocket.MessageBinary:
			c.handleBinary(data)
		}
	}
}

// teardown is a best-effort sweep. Every step runs regardless of earlier
// failures: offline mark, sink close, detector reset, registry removal.
func (s *Server) teardown(sess *session.Session, c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A replaced session must not mark the device offline while its
	// successor is connected.
	replaced := false
	if cur, ok := s.deps.Registry.GetByDevice(sess.DeviceID); ok && cur.ID != sess.ID {
		replaced = true
	}
	if c != nil && c.bound.Load() && !replaced {
		if err := s.deps.Store.SetOnline(ctx, sess.DeviceID, false); err != nil {
			s.deps.Log.Warn("marking device offline failed", "device_id", sess.DeviceID, "error", err)
		}
	}
	sess.CloseSink()
	if c != nil && c.detector != nil {
		c.detector.Reset()
	}
	sess.Close()
	s.deps.Registry.Remove(sess.ID)
	s.takeConn(sess.ID)
	s.deps.Metrics.ActiveSessions.Add(ctx, -1)
}

// takeConn removes and returns the socket registered for a session id.
func (s *Server) takeConn(sessionID string) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.conns[sessionID]
	delete(s.conns, sessionID)
	return ws
}

// wsOutbound adapts a WebSocket connection to [session.Outbound]. Writes are
// serialized so a fragment envelope and its audio frames never interleave
// with another writer's frames.
type wsOutbound struct {
	mu sync.Mutex
	ws *websocket.Conn
}

var _ session.Outbound = (*wsOutbound)(nil)

func (o *wsOutbound) WriteText(ctx context.Context, data []byte) error {
	return o.write(ctx, websocket.MessageText, data)
}

func (o *wsOutbound) WriteBinary(ctx context.Context, data []byte) error {
	return o.write(ctx, websocket.MessageBinary, data)
}

func (o *wsOutbound) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return o.ws.Write(ctx, typ, data)
}

// defaultAudioParams is the negotiated device audio format.
func defaultAudioParams() protocol.AudioParams {
	return protocol.AudioParams{
		Format:        "opus",
		SampleRate:    audio.SampleRate,
		Channels:      audio.Channels,
		FrameDuration: audio.FrameSizeMs,
	}
}
