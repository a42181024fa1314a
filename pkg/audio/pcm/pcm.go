package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// SampleBytes is the size of one sample. Only 16-bit mono is supported.
const SampleBytes = 2

// ErrInvalidFormat is returned by Validate for unusable formats.
var ErrInvalidFormat = errors.New("pcm: invalid format")

// Format is the session audio format.
type Format struct {
	// SampleRate is the sample rate in Hz.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// FrameMillis is the duration of one frame (one tick) in milliseconds.
	FrameMillis int `yaml:"frame_ms" json:"frame_ms"`
}

// Default16K is 16 kHz mono with 10 ms frames.
var Default16K = Format{SampleRate: 16000, FrameMillis: 10}

// Validate reports whether the format can be used for a session.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.FrameMillis <= 0 {
		return fmt.Errorf("%w: frame length %dms", ErrInvalidFormat, f.FrameMillis)
	}
	if f.SampleRate*f.FrameMillis%1000 != 0 {
		return fmt.Errorf("%w: %dms frames do not divide %d Hz", ErrInvalidFormat, f.FrameMillis, f.SampleRate)
	}
	return nil
}

// FrameDuration returns the duration of one frame.
func (f Format) FrameDuration() time.Duration {
	return time.Duration(f.FrameMillis) * time.Millisecond
}

// FrameSamples returns the number of samples in one frame.
func (f Format) FrameSamples() int {
	return f.SampleRate * f.FrameMillis / 1000
}

// FrameBytes returns the number of bytes in one frame.
func (f Format) FrameBytes() int {
	return f.FrameSamples() * SampleBytes
}

// SamplesInDuration returns the number of samples in the given duration.
func (f Format) SamplesInDuration(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// BytesInDuration returns the number of bytes in the given duration.
func (f Format) BytesInDuration(d time.Duration) int {
	return f.SamplesInDuration(d) * SampleBytes
}

// FramesInDuration returns how many whole frames fit in d.
func (f Format) FramesInDuration(d time.Duration) int {
	if f.FrameMillis <= 0 {
		return 0
	}
	return int(d / f.FrameDuration())
}

// Duration returns the duration of the given number of bytes.
func (f Format) Duration(bytes int) time.Duration {
	return time.Duration(bytes/SampleBytes) * time.Second / time.Duration(f.SampleRate)
}

// String returns a MIME-like description of the format.
func (f Format) String() string {
	return fmt.Sprintf("audio/L16; rate=%d; channels=1; frame=%dms", f.SampleRate, f.FrameMillis)
}

// Encode writes samples into dst as little-endian int16 and returns the
// number of bytes written. dst must hold 2*len(s) bytes.
func Encode(dst []byte, s []int16) int {
	for i, v := range s {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
	}
	return len(s) * SampleBytes
}

// Decode reads little-endian int16 samples from b into dst and returns the
// number of samples decoded. A trailing odd byte is ignored.
func Decode(dst []int16, b []byte) int {
	n := min(len(dst), len(b)/SampleBytes)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return n
}

// MaxAbs returns the largest absolute sample value. -32768 counts as 32768.
func MaxAbs(s []int16) int {
	m := 0
	for _, v := range s {
		a := int(v)
		if a < 0 {
			a = -a
		}
		if a > m {
			m = a
		}
	}
	return m
}
