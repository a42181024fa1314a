package resampler

import (
	"errors"
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ErrInvalidRate is returned for a non-positive sample rate.
var ErrInvalidRate = errors.New("resampler: invalid sample rate")

// tailMillis of silence is appended before conversion so the filter delay
// does not swallow the end of the clip.
const tailMillis = 20

// Downmix averages interleaved frames of channels samples into mono. Mono
// input is returned unchanged.
func Downmix(interleaved []int16, channels int) []int16 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(interleaved[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate. The result holds
// round(len(samples)*dstRate/srcRate) samples.
func Resample(samples []int16, srcRate, dstRate int) ([]int16, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRate, srcRate, dstRate)
	}
	if srcRate == dstRate {
		return samples, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resampler: create: %w", err)
	}

	pad := srcRate * tailMillis / 1000
	input := make([]float64, len(samples)+pad)
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resampler: process: %w", err)
	}

	want := int(math.Round(float64(len(samples)) * float64(dstRate) / float64(srcRate)))
	out := make([]int16, want)
	for i := range min(want, len(output)) {
		out[i] = toInt16(output[i])
	}
	return out, nil
}

func toInt16(s float64) int16 {
	switch {
	case s >= 1.0:
		return math.MaxInt16
	case s < -1.0:
		return math.MinInt16
	}
	return int16(s * 32767.0)
}
