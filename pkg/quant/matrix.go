package quant

import "fmt"

// Matrix is a dense row-major float32 matrix. Vectors are 1 x n matrices.
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Row returns row r as a slice aliasing Data.
func (m Matrix) Row(r int) []float32 {
	return m.Data[r*m.Cols : (r+1)*m.Cols]
}

// At returns element (r, c).
func (m Matrix) At(r, c int) float32 {
	return m.Data[r*m.Cols+c]
}

// Transpose returns a new cols x rows matrix.
func (m Matrix) Transpose() Matrix {
	out := NewMatrix(m.Cols, m.Rows)
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			out.Data[c*m.Rows+r] = m.Data[r*m.Cols+c]
		}
	}
	return out
}

func (m Matrix) check() error {
	if m.Rows <= 0 || m.Cols <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrShape, m.Rows, m.Cols)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("%w: %dx%d with %d values", ErrShape, m.Rows, m.Cols, len(m.Data))
	}
	return nil
}
