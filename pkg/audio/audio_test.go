package audio

import "testing"

func TestInt16BytesRoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	got := BytesToInt16s(Int16sToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestBytesToInt16sIgnoresTrailingOddByte(t *testing.T) {
	t.Parallel()
	b := []byte{0x01, 0x00, 0xff}
	got := BytesToInt16s(b)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v, want [1]", got)
	}
}

func TestInt16sToFloat32Range(t *testing.T) {
	t.Parallel()
	out := Int16sToFloat32([]int16{-32768, 0, 32767})
	if out[0] != -1.0 {
		t.Errorf("min sample: got %f, want -1.0", out[0])
	}
	if out[1] != 0 {
		t.Errorf("zero sample: got %f, want 0", out[1])
	}
	if out[2] >= 1.0 || out[2] < 0.999 {
		t.Errorf("max sample: got %f, want just below 1.0", out[2])
	}
}

func TestBytesToFloat32MatchesTwoStepConversion(t *testing.T) {
	t.Parallel()
	in := []int16{100, -200, 300, -400}
	b := Int16sToBytes(in)
	direct := BytesToFloat32(b)
	twoStep := Int16sToFloat32(BytesToInt16s(b))
	for i := range direct {
		if direct[i] != twoStep[i] {
			t.Errorf("sample %d: direct %f != two-step %f", i, direct[i], twoStep[i])
		}
	}
}
