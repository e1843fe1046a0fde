// Package session owns the per-connection state of one device: identity,
// listening flag, the open audio sink, the pending table for device tool
// calls and the turn generation counter used to cancel stale deliveries.
//
// A [Session] is the single home for everything mutable about a connection.
// The protocol dispatcher routes into it, the orchestrator reads from it and
// the [Registry] tracks the set of live sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/auricle-ai/auricle/internal/protocol"
)

// Outbound is the write half of a device connection. The server implements
// it over the websocket; tests implement it over buffers.
//
// Implementations must serialise concurrent writers themselves.
type Outbound interface {
	// WriteText sends one JSON envelope.
	WriteText(ctx context.Context, data []byte) error
	// WriteBinary sends one audio frame.
	WriteBinary(ctx context.Context, data []byte) error
}

// Session is the per-connection context object. All mutable per-device state
// lives here rather than in package-level maps.
//
// All methods are safe for concurrent use.
type Session struct {
	// ID is the server-assigned session identifier, echoed to the device
	// in the hello reply.
	ID string
	// DeviceID is the device identity from the connection headers.
	DeviceID string

	out Outbound
	log *slog.Logger

	listening atomic.Bool
	turn      atomic.Int64
	nextID    atomic.Int64

	mu      sync.Mutex
	sink    *AudioSink
	pending map[int64]chan *protocol.RPCResponse
	closed  bool
}

// New creates a Session for the given device over the given outbound writer.
func New(deviceID string, out Outbound, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		ID:       id,
		DeviceID: deviceID,
		out:      out,
		log:      log.With("session_id", id, "device_id", deviceID),
		pending:  make(map[int64]chan *protocol.RPCResponse),
	}
}

// Listening reports whether binary audio frames are currently accepted.
func (s *Session) Listening() bool { return s.listening.Load() }

// SetListening flips the audio gate.
func (s *Session) SetListening(v bool) { s.listening.Store(v) }

// Turn returns the current turn generation. Deliveries stamped with an older
// generation are stale and must be dropped.
func (s *Session) Turn() int64 { return s.turn.Load() }

// NextTurn advances the generation counter and returns the new value. Called
// when a new turn starts and when the device aborts the current one.
func (s *Session) NextTurn() int64 { return s.turn.Add(1) }

// NextCallID returns the next tool-call correlation id. Ids are monotonic
// within a session.
func (s *Session) NextCallID() int64 { return s.nextID.Add(1) }

// AwaitReply registers a pending tool call and returns the channel its reply
// will be delivered on. The channel is buffered so a late [Session.Resolve]
// never blocks the reader goroutine.
func (s *Session) AwaitReply(id int64) <-chan *protocol.RPCResponse {
	ch := make(chan *protocol.RPCResponse, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.pending[id] = ch
	return ch
}

// Resolve delivers a device reply to the waiter registered under its id and
// removes the entry. It reports whether a waiter was found; a reply arriving
// after the call timed out resolves nothing.
func (s *Session) Resolve(id int64, resp *protocol.RPCResponse) bool {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Forget removes a pending entry without delivering anything. Used on the
// timeout path so the table never holds a dangling id.
func (s *Session) Forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// PendingCount returns the number of outstanding tool calls.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OpenSink creates a fresh audio sink for a new utterance, closing any sink
// left open by a previous one.
func (s *Session) OpenSink() *AudioSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		s.sink.Close()
	}
	s.sink = NewAudioSink()
	return s.sink
}

// Sink returns the currently open sink, or nil if none is open.
func (s *Session) Sink() *AudioSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// CloseSink signals end-of-utterance to the sink consumer, if a sink is
// open. Safe to call when none is.
func (s *Session) CloseSink() {
	s.mu.Lock()
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()
	if sink != nil {
		sink.Close()
	}
}

// Send marshals v and writes it as one JSON envelope.
func (s *Session) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal outbound message: %w", err)
	}
	if err := s.out.WriteText(ctx, data); err != nil {
		return fmt.Errorf("session: write outbound message: %w", err)
	}
	return nil
}

// SendBinary writes one audio frame to the device.
func (s *Session) SendBinary(ctx context.Context, frame []byte) error {
	if err := s.out.WriteBinary(ctx, frame); err != nil {
		return fmt.Errorf("session: write audio frame: %w", err)
	}
	return nil
}

// Close releases the session's local resources: the open sink is closed and
// every pending tool call is woken with a closed channel so no caller waits
// on a dead connection. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sink := s.sink
	s.sink = nil
	pending := s.pending
	s.pending = make(map[int64]chan *protocol.RPCResponse)
	s.mu.Unlock()

	if sink != nil {
		sink.Close()
	}
	for id, ch := range pending {
		close(ch)
		s.log.Debug("abandoned pending tool call", "call_id", id)
	}
	s.listening.Store(false)
}
