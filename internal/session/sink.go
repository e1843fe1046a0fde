package session

import "sync"

// AudioSink is the unbounded queue carrying one utterance's decoded PCM from
// the segmentation stage to the recognition stream sender. It is closed
// exactly once when the utterance ends; chunks pushed after close are
// rejected rather than lost silently.
//
// Unbounded is deliberate: the producer is the connection read loop and must
// never block on a slow recognition back-end. The sender goroutine drains at
// whatever pace the back-end allows.
type AudioSink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	closed bool
}

// NewAudioSink creates an open sink.
func NewAudioSink() *AudioSink {
	s := &AudioSink{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push appends one PCM chunk. It reports whether the chunk was accepted;
// pushes after [AudioSink.Close] return false.
func (s *AudioSink) Push(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.chunks = append(s.chunks, chunk)
	s.cond.Signal()
	return true
}

// Next blocks until a chunk is available or the sink is closed and drained.
// The second return is false only when no further chunks will ever arrive.
func (s *AudioSink) Next() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.chunks) == 0 {
		return nil, false
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, true
}

// Close marks the end of the utterance. Buffered chunks remain readable.
// Idempotent.
func (s *AudioSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (s *AudioSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
