package pcm

import (
	"errors"
	"testing"
	"time"
)

func TestFormatSizes(t *testing.T) {
	f := Default16K
	if got := f.FrameSamples(); got != 160 {
		t.Errorf("FrameSamples() = %d, want 160", got)
	}
	if got := f.FrameBytes(); got != 320 {
		t.Errorf("FrameBytes() = %d, want 320", got)
	}
	if got := f.SamplesInDuration(40 * time.Millisecond); got != 640 {
		t.Errorf("SamplesInDuration(40ms) = %d, want 640", got)
	}
	if got := f.BytesInDuration(20 * time.Millisecond); got != 640 {
		t.Errorf("BytesInDuration(20ms) = %d, want 640", got)
	}
	if got := f.FramesInDuration(time.Second); got != 100 {
		t.Errorf("FramesInDuration(1s) = %d, want 100", got)
	}
	if got := f.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		f     Format
		valid bool
	}{
		{Default16K, true},
		{Format{SampleRate: 8000, FrameMillis: 20}, true},
		{Format{SampleRate: 0, FrameMillis: 10}, false},
		{Format{SampleRate: 16000, FrameMillis: 0}, false},
		{Format{SampleRate: 11025, FrameMillis: 10}, false},
	}
	for _, tt := range tests {
		err := tt.f.Validate()
		if tt.valid && err != nil {
			t.Errorf("%v: unexpected error %v", tt.f, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("%v: got %v, want ErrInvalidFormat", tt.f, err)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	buf := make([]byte, len(in)*SampleBytes)
	if n := Encode(buf, in); n != len(buf) {
		t.Fatalf("Encode() = %d, want %d", n, len(buf))
	}
	if buf[2] != 0x01 || buf[3] != 0x00 {
		t.Errorf("not little-endian: % x", buf[2:4])
	}

	out := make([]int16, len(in))
	if n := Decode(out, buf); n != len(in) {
		t.Fatalf("Decode() = %d, want %d", n, len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}

	// odd trailing byte is dropped
	if n := Decode(out, buf[:5]); n != 2 {
		t.Errorf("Decode(5 bytes) = %d, want 2", n)
	}
}

func TestMaxAbs(t *testing.T) {
	tests := []struct {
		in   []int16
		want int
	}{
		{nil, 0},
		{[]int16{0, 0}, 0},
		{[]int16{3, -7, 5}, 7},
		{[]int16{-32768, 32767}, 32768},
	}
	for _, tt := range tests {
		if got := MaxAbs(tt.in); got != tt.want {
			t.Errorf("MaxAbs(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
