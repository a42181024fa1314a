package source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/resampler"
)

// ErrInvalidWAV is returned for files that are not PCM RIFF/WAVE.
var ErrInvalidWAV = errors.New("source: invalid wav")

// OpenWAV decodes the file at path into a Scripted source of format.
func OpenWAV(path string, format pcm.Format, opts Options) (*Scripted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f, format, opts)
}

// DecodeWAV decodes r, downmixes it to mono and resamples it to the
// session rate.
func DecodeWAV(r io.ReadSeeker, format pcm.Format, opts Options) (*Scripted, error) {
	samples, err := ReadWAV(r, format.SampleRate)
	if err != nil {
		return nil, err
	}
	return FromSamples(format, samples, opts), nil
}

// ReadWAV returns the mono 16-bit samples of r at rate.
func ReadWAV(r io.ReadSeeker, rate int) ([]int16, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: missing format chunk", ErrInvalidWAV)
	}

	shift := buf.SourceBitDepth - 16
	mixed := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case buf.SourceBitDepth == 8:
			// 8-bit WAV is unsigned
			mixed[i] = int16((v - 128) << 8)
		case shift > 0:
			mixed[i] = int16(v >> shift)
		default:
			mixed[i] = int16(v)
		}
	}
	mono := resampler.Downmix(mixed, buf.Format.NumChannels)
	return resampler.Resample(mono, buf.Format.SampleRate, rate)
}

// WriteWAV encodes mono samples as a 16-bit PCM WAV file.
func WriteWAV(w io.WriteSeeker, rate int, samples []int16) error {
	enc := wav.NewEncoder(w, rate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return fmt.Errorf("source: write wav: %w", err)
	}
	return enc.Close()
}
