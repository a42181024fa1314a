package fbank

// Matrix is a fixed-shape, row-major feature matrix: the classifier input.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewMatrix returns a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Row returns row i as a sub-slice of Data.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// SetRow copies v into row i.
func (m *Matrix) SetRow(i int, v []float32) {
	copy(m.Row(i), v)
}

// Pad fills rows [from, Rows) with v.
func (m *Matrix) Pad(from int, v []float32) {
	for i := max(from, 0); i < m.Rows; i++ {
		copy(m.Row(i), v)
	}
}
