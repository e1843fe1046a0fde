package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Decoder wraps a gopus Opus decoder for a single device stream. Each session
// gets its own decoder to maintain decoder state correctly across consecutive
// frames. Not safe for concurrent use; a session's frames arrive serially.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates an Opus decoder configured for device audio.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes an Opus packet into PCM int16 samples and returns the result
// as little-endian bytes.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, FrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// Encoder wraps a gopus Opus encoder for the outbound audio stream.
// Not safe for concurrent use; outbound frames for a session are serialised
// by the delivery pipeline.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an Opus encoder configured for device audio.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes one frame of PCM int16 data (as little-endian bytes) into an
// Opus packet. pcmBytes must contain exactly FrameSize samples.
func (e *Encoder) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := BytesToInt16s(pcmBytes)
	if len(pcm) != FrameSize {
		return nil, fmt.Errorf("audio: opus encode: frame must be %d samples, got %d", FrameSize, len(pcm))
	}
	packet, err := e.enc.Encode(pcm, FrameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// EncodeStream splits pcmBytes into FrameSize sample frames, zero-padding the
// final partial frame, and encodes each into an Opus packet.
func (e *Encoder) EncodeStream(pcmBytes []byte) ([][]byte, error) {
	const frameBytes = FrameSize * 2
	var packets [][]byte
	for off := 0; off < len(pcmBytes); off += frameBytes {
		end := off + frameBytes
		frame := pcmBytes[off:min(end, len(pcmBytes))]
		if len(frame) < frameBytes {
			padded := make([]byte, frameBytes)
			copy(padded, frame)
			frame = padded
		}
		packet, err := e.Encode(frame)
		if err != nil {
			return nil, err
		}
		packets = append(packets, packet)
	}
	return packets, nil
}
