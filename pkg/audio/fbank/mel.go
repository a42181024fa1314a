package fbank

import "math"

// melFilter is one triangular filter stored as a dense run of weights
// starting at FFT bin first. A filter that covers no bin has no weights.
type melFilter struct {
	first   int
	weights []float64
}

// melScale converts frequency in Hz to mel (natural-log form).
func melScale(hz float64) float64 {
	return 1127.0 * math.Log(1.0+hz/700.0)
}

// inverseMelScale converts mel back to Hz.
func inverseMelScale(mel float64) float64 {
	return 700.0 * (math.Exp(mel/1127.0) - 1.0)
}

// melFilterBank builds numBins triangular filters over FFT bins
// [0, fftSize/2). Filter vertices are equally spaced in mel between lowFreq
// and highFreq; a bin gets a weight when its mel value lies strictly inside
// the filter, rising linearly to the centre and falling after it.
func melFilterBank(numBins, fftSize, sampleRate int, lowFreq, highFreq float64) []melFilter {
	numFFTBins := fftSize / 2
	binWidth := float64(sampleRate) / float64(fftSize)
	lowMel := melScale(lowFreq)
	delta := (melScale(highFreq) - lowMel) / float64(numBins+1)

	bank := make([]melFilter, numBins)
	for b := range bank {
		left := lowMel + float64(b)*delta
		center := lowMel + float64(b+1)*delta
		right := lowMel + float64(b+2)*delta

		f := melFilter{first: -1}
		for i := range numFFTBins {
			mel := melScale(binWidth * float64(i))
			if mel <= left || mel >= right {
				if f.first >= 0 {
					// the mel scale is monotonic, nothing further can match
					break
				}
				continue
			}
			var w float64
			if mel <= center {
				w = (mel - left) / (center - left)
			} else {
				w = (right - mel) / (right - center)
			}
			if f.first < 0 {
				f.first = i
			}
			f.weights = append(f.weights, w)
		}
		if f.first < 0 {
			f.first = 0
		}
		bank[b] = f
	}
	return bank
}

// dctMatrix returns the coefficientCount x inputLength orthonormal DCT-II
// matrix M[k,n] = sqrt(2/N) * cos(pi/N * (n+0.5) * k), row-major.
func dctMatrix(inputLength, coefficientCount int) []float64 {
	m := make([]float64, inputLength*coefficientCount)
	norm := math.Sqrt(2.0 / float64(inputLength))
	for k := range coefficientCount {
		for n := range inputLength {
			m[k*inputLength+n] = norm * math.Cos(math.Pi/float64(inputLength)*(float64(n)+0.5)*float64(k))
		}
	}
	return m
}
