// Package mock provides an in-memory stt.Provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/types"
)

// Provider implements stt.Provider. Each StartStream call returns a new
// Session whose transcript channels are script-driven from the test.
type Provider struct {
	mu       sync.Mutex
	sessions []*Session

	// StartErr, when set, is returned by StartStream instead of a session.
	StartErr error
}

var _ stt.Provider = (*Provider)(nil)

// New creates a mock Provider.
func New() *Provider { return &Provider{} }

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		Config:   cfg,
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
		done:     make(chan struct{}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns every session started so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Session implements stt.SessionHandle with test hooks.
type Session struct {
	Config stt.StreamConfig

	mu       sync.Mutex
	received [][]byte
	closed   bool

	partials chan types.Transcript
	finals   chan types.Transcript
	done     chan struct{}
}

var _ stt.SessionHandle = (*Session)(nil)

// SendAudio records the chunk for later inspection.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.received = append(s.received, cp)
	return nil
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// EmitPartial pushes an interim transcript to the session's consumer.
func (s *Session) EmitPartial(text string) {
	s.partials <- types.Transcript{Text: text}
}

// EmitFinal pushes a final transcript to the session's consumer.
func (s *Session) EmitFinal(text string) {
	s.finals <- types.Transcript{Text: text, Final: true, Confidence: 1}
}

// Received returns every audio chunk sent so far.
func (s *Session) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.partials)
	close(s.finals)
	return nil
}
