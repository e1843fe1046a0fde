// Package audio provides the Opus codec wrappers and PCM conversion helpers
// used on the device audio path. Devices stream 16 kHz mono Opus in both
// directions; all server-side processing happens on little-endian int16 PCM
// or float32 sample slices.
package audio

// Device audio uses 16 kHz mono Opus at 60 ms frame size.
const (
	SampleRate  = 16000
	Channels    = 1
	FrameSizeMs = 60
	// FrameSize is the number of samples per channel per 60 ms frame.
	FrameSize = SampleRate * FrameSizeMs / 1000 // 960
)

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16sToFloat32 converts int16 PCM samples to float32 samples in [-1, 1).
func Int16sToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// BytesToFloat32 converts little-endian int16 PCM bytes directly to float32
// samples in [-1, 1).
func BytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		s := int16(b[i*2]) | int16(b[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}
