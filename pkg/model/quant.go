package model

import "math"

// Quantization maps between real values and int8 with an affine transform:
// real = (raw - ZeroPoint) * Scale. A zero Scale means no quantization.
type Quantization struct {
	Scale     float32 `msgpack:"scale" yaml:"scale"`
	ZeroPoint int32   `msgpack:"zero_point" yaml:"zero_point"`
}

// Enabled reports whether q describes an int8 tensor.
func (q Quantization) Enabled() bool { return q.Scale != 0 }

// Quantize rounds x to the nearest representable int8, saturating.
func (q Quantization) Quantize(x float32) int8 {
	v := math.Round(float64(x/q.Scale)) + float64(q.ZeroPoint)
	return int8(max(math.MinInt8, min(math.MaxInt8, v)))
}

// Dequantize returns the real value of raw.
func (q Quantization) Dequantize(raw int8) float32 {
	return float32(int32(raw)-q.ZeroPoint) * q.Scale
}

// QuantizeSlice writes the quantized form of src into dst.
func (q Quantization) QuantizeSlice(dst []int8, src []float32) {
	for i, x := range src {
		dst[i] = q.Quantize(x)
	}
}

// DequantizeSlice writes the real values of src into dst.
func (q Quantization) DequantizeSlice(dst []float32, src []int8) {
	for i, raw := range src {
		dst[i] = q.Dequantize(raw)
	}
}
