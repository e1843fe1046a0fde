// Package sentence splits a streaming LLM response into speakable fragments.
//
// The [Segmenter] consumes model output token by token and emits complete
// sentence fragments as soon as they are pronounceable, so speech synthesis
// can start long before the model finishes. Every turn ends with exactly one
// terminal fragment (IsLast=true), possibly empty, even when the stream errors
// or completion races an error signal.
package sentence

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

const (
	// lookbackMax caps the context buffer used to spot decimals like 3.14.
	lookbackMax = 20

	// minSentenceLen is the shortest buffer a pause mark may flush. Short
	// fragments are not worth interrupting synthesis for.
	minSentenceLen = 5
)

// ErrorFragment is the user-safe text spoken when the model stream fails.
const ErrorFragment = "I ran into a problem, please try again."

var (
	terminalMarks = "。？！.!?"
	pauseMarks    = "，、；,;"
	specialMarks  = "：:“”‘’\"'()（）"

	// decimalPattern spots a number whose trailing digits are still in the
	// lookback buffer, so the dot inside 3.14 never ends a sentence.
	decimalPattern = regexp.MustCompile(`\d+\.\d+`)
)

// Fragment is one speakable chunk of a model turn.
type Fragment struct {
	// Text is the trimmed fragment content. Empty only for a bare terminal
	// signal on turns that produced no speakable text.
	Text string

	// IsFirst marks the first fragment emitted this turn.
	IsFirst bool

	// IsLast marks the terminal fragment. Emitted exactly once per turn.
	IsLast bool
}

// Segmenter accumulates streamed tokens and calls its handler with complete
// fragments. Safe for one producer goroutine plus concurrent Complete/Fail
// signals; the terminal fragment is emitted at most once.
type Segmenter struct {
	mu       sync.Mutex
	current  strings.Builder
	lookback []rune
	full     strings.Builder
	count    int

	terminalSent atomic.Bool
	handler      func(Fragment)
}

// New creates a Segmenter delivering fragments to handler. The handler is
// called synchronously from Push/Complete/Fail and must not block for long.
func New(handler func(Fragment)) *Segmenter {
	return &Segmenter{handler: handler}
}

// Push feeds one streamed token into the segmenter. Multi-byte code points
// are handled as whole characters.
func (s *Segmenter) Push(token string) {
	if token == "" || s.terminalSent.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.full.WriteString(token)
	for _, r := range token {
		if unicode.IsControl(r) && !isNewline(r) {
			continue
		}
		s.append(r)
		if s.shouldFlush(r) && runeLen(s.current.String()) >= minSentenceLen {
			s.flushLocked(false)
		}
	}
}

// Complete signals end of stream. Any speakable remainder is emitted with
// IsLast=true; otherwise a single empty terminal fragment is sent. Calling
// Complete after the terminal fragment is a no-op.
func (s *Segmenter) Complete() {
	if !s.terminalSent.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if substantial(s.current.String()) {
		s.flushLocked(true)
	} else {
		s.handler(Fragment{Text: "", IsFirst: s.count == 0, IsLast: true})
	}
	s.releaseLocked()
}

// Fail signals an upstream error. One terminal fragment carrying a generic
// user-safe message is emitted and all buffers are released. Idempotent
// against Complete and repeated Fail calls.
func (s *Segmenter) Fail() {
	if !s.terminalSent.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler(Fragment{Text: ErrorFragment, IsFirst: s.count == 0, IsLast: true})
	s.releaseLocked()
}

// Response returns the full accumulated model text for persistence.
func (s *Segmenter) Response() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.full.String())
}

// Fragments returns how many non-terminal and terminal fragments carried text.
func (s *Segmenter) Fragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Segmenter) append(r rune) {
	s.lookback = append(s.lookback, r)
	if len(s.lookback) > lookbackMax {
		s.lookback = s.lookback[len(s.lookback)-lookbackMax:]
	}
	s.current.WriteRune(r)
}

func (s *Segmenter) shouldFlush(r rune) bool {
	if s.isTerminalMark(r) || isNewline(r) {
		return true
	}
	cur := s.current.String()
	if runeLen(cur) < minSentenceLen {
		return false
	}
	if strings.ContainsRune(pauseMarks, r) || strings.ContainsRune(specialMarks, r) || IsEmoji(r) {
		return true
	}
	return runeLen(cur) >= 3 && ContainsKaomoji(cur)
}

// isTerminalMark applies the decimal exception: a '.' directly after a digit
// may be the middle of a number whose fractional part has not streamed in
// yet, so the flush is held; a completed number ending near the tail of the
// lookback buffer is likewise not a sentence end.
func (s *Segmenter) isTerminalMark(r rune) bool {
	if !strings.ContainsRune(terminalMarks, r) {
		return false
	}
	if r != '.' {
		return true
	}
	// The lookback buffer already ends with this '.'.
	if n := len(s.lookback); n >= 2 && unicode.IsDigit(s.lookback[n-2]) {
		return false
	}
	context := string(s.lookback)
	locs := decimalPattern.FindAllStringIndex(context, -1)
	if len(locs) == 0 {
		return true
	}
	last := locs[len(locs)-1]
	end := runeLen(context[:last[1]])
	if end >= runeLen(context)-3 {
		return false
	}
	return true
}

func (s *Segmenter) flushLocked(isLast bool) {
	text := strings.TrimSpace(s.current.String())
	text = FilterKaomoji(text)
	text = strings.TrimSpace(text)

	if substantial(text) {
		s.handler(Fragment{Text: text, IsFirst: s.count == 0, IsLast: isLast})
		s.count++
	} else if isLast {
		s.handler(Fragment{Text: "", IsFirst: s.count == 0, IsLast: true})
	}
	s.current.Reset()
}

func (s *Segmenter) releaseLocked() {
	s.current.Reset()
	s.lookback = nil
}

// substantial reports whether content carries at least one character that is
// neither whitespace nor punctuation.
func substantial(content string) bool {
	for _, r := range content {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		return true
	}
	return false
}

func isNewline(r rune) bool {
	return r == '\n' || r == '\r'
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
