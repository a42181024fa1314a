// Package resampler brings decoded clips to the session sample rate.
//
// Conversion uses the pure-Go SoX-style resampler from
// github.com/tphakala/go-audio-resampling, so no cgo toolchain is needed.
// Only 16-bit mono output is produced; multi-channel input is averaged
// down with [Downmix] first.
//
//	mono := resampler.Downmix(interleaved, 2)
//	pcm16k, err := resampler.Resample(mono, 44100, 16000)
package resampler
