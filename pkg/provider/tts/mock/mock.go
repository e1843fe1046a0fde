// Package mock provides an in-memory tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/auricle-ai/auricle/pkg/provider/tts"
	"github.com/auricle-ai/auricle/pkg/types"
)

// Provider implements tts.Provider. Each consumed text fragment is echoed back
// as one audio chunk containing the fragment's bytes, so tests can correlate
// output audio with input text.
type Provider struct {
	mu        sync.Mutex
	synthText [][]string

	// StartErr, when set, is returned by SynthesizeStream.
	StartErr error

	// FailOn, when non-empty, causes the matching fragment to produce no
	// audio, simulating a synthesis failure for that fragment only.
	FailOn string

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile
}

var _ tts.Provider = (*Provider)(nil)

// New creates a mock Provider with one default voice.
func New() *Provider {
	return &Provider{
		Voices: []types.VoiceProfile{{ID: "mock-voice", Name: "Mock", Language: "en"}},
	}
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	audio := make(chan []byte, 16)
	var spoken []string
	go func() {
		defer close(audio)
		defer func() {
			p.mu.Lock()
			p.synthText = append(p.synthText, spoken)
			p.mu.Unlock()
		}()
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				spoken = append(spoken, fragment)
				if fragment == p.FailOn && p.FailOn != "" {
					continue
				}
				select {
				case audio <- []byte(fragment):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return p.Voices, nil
}

// Streams returns the text fragments consumed by each completed stream.
func (p *Provider) Streams() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.synthText))
	copy(out, p.synthText)
	return out
}
