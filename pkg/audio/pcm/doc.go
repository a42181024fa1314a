// Package pcm describes the fixed session format of the pipeline: 16-bit
// signed mono samples at one sample rate, delivered in frames of a fixed
// duration.
//
// Frames travel between tasks as little-endian bytes, so the package also
// provides the int16 codecs used on both ends of a stream buffer.
//
//	f := pcm.Format{SampleRate: 16000, FrameMillis: 10}
//	frame := make([]int16, f.FrameSamples())   // 160 samples
//	buf := make([]byte, f.FrameBytes())          // 320 bytes
//	pcm.Encode(buf, frame)
package pcm
