// Package audio groups the audio front end of the pipeline.
//
//   - pcm: session sample format, frame sizing and int16 codecs
//   - fbank: log-mel and MFCC feature extraction with overlap-add framing
//   - resampler: sample rate conversion for file input
//   - source: frame sources (WAV files, scripted frames)
//   - condition: per-frame gain, noise suppression and speech flags
//
// Example usage:
//
//	f := pcm.Format{SampleRate: 16000, FrameMillis: 10}
//	ext, err := fbank.New(fbank.Config{
//	    SampleRate:  f.SampleRate,
//	    FrameLength: f.SamplesInDuration(40 * time.Millisecond),
//	    NumMelBins:  40,
//	    LowFreq:     20,
//	    HighFreq:    4000,
//	})
package audio
