// Package wakeword normalises the wake phrases devices transcribe on-board.
//
// Device-side wake detection is cheap and noisy: "hey auricle" arrives as
// "hey orecle" or "hay oracle". The [Detector] maps such variants back to a
// configured wake phrase with Double Metaphone phonetic codes plus
// Jaro-Winkler ranking, so the dispatcher can recognise a wake event and
// strip the phrase before the text reaches the conversation turn.
package wakeword

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// DefaultMinSimilarity is the Jaro-Winkler score a candidate must reach.
const DefaultMinSimilarity = 0.85

// Option configures a [Detector].
type Option func(*Detector)

// WithMinSimilarity overrides the acceptance threshold.
func WithMinSimilarity(s float64) Option {
	return func(d *Detector) { d.minSimilarity = s }
}

// Detector matches noisy transcriptions against a fixed set of wake phrases.
// Read-only after construction, safe for concurrent use.
type Detector struct {
	phrases       []string
	codes         []map[string]struct{}
	minSimilarity float64
}

// New creates a Detector for the given wake phrases.
func New(phrases []string, opts ...Option) *Detector {
	d := &Detector{
		phrases:       make([]string, 0, len(phrases)),
		minSimilarity: DefaultMinSimilarity,
	}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		d.phrases = append(d.phrases, p)
		d.codes = append(d.codes, phoneticCodes(strings.Fields(p)))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Match reports whether text is a spoken variant of one of the configured
// wake phrases and returns the canonical phrase. A phonetic overlap lowers
// the bar slightly; without one the full threshold applies.
func (d *Detector) Match(text string) (phrase string, score float64, ok bool) {
	norm := strings.ToLower(strings.TrimSpace(trimPunct(text)))
	if norm == "" || len(d.phrases) == 0 {
		return "", 0, false
	}
	tokens := strings.Fields(norm)
	inputCodes := phoneticCodes(tokens)

	var (
		best      string
		bestScore float64
	)
	for i, p := range d.phrases {
		s := similarity(norm, tokens, p)
		threshold := d.minSimilarity
		if codesOverlap(inputCodes, d.codes[i]) {
			// A shared phonetic code is strong evidence on its own.
			threshold -= 0.10
		}
		if s >= threshold && s > bestScore {
			best, bestScore = p, s
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

// Strip removes a recognised wake phrase from the front of text, returning
// the remaining command. When the whole text is just the wake phrase, the
// result is empty. Text that does not start with a wake phrase is returned
// unchanged.
func (d *Detector) Strip(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	tokens := strings.Fields(norm)
	orig := strings.Fields(strings.TrimSpace(text))

	for _, p := range d.phrases {
		n := len(strings.Fields(p))
		if n == 0 || n > len(tokens) {
			continue
		}
		head := strings.Join(tokens[:n], " ")
		if _, _, ok := d.Match(head); ok {
			return strings.TrimSpace(strings.Join(orig[n:], " "))
		}
	}
	return strings.TrimSpace(text)
}

func similarity(inputFull string, inputTokens []string, phrase string) float64 {
	score := matchr.JaroWinkler(inputFull, phrase, false)
	phraseTokens := strings.Fields(phrase)
	if len(inputTokens) > 1 || len(phraseTokens) > 1 {
		a := strings.Join(inputTokens, "")
		b := strings.Join(phraseTokens, "")
		if s := matchr.JaroWinkler(a, b, false); s > score {
			score = s
		}
	}
	return score
}

func phoneticCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

func trimPunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		switch r {
		case '.', ',', '!', '?', '。', '，', '！', '？':
			return true
		}
		return false
	})
}
