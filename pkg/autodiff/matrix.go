package autodiff

import (
	"fmt"
	"math"
	"math/rand"
)

// Matrix represents a 2D matrix of float64 values
type Matrix struct {
	Rows int
	Cols int
	Data [][]float64
}

// NewMatrix creates a new zero matrix with the specified dimensions
func NewMatrix(rows, cols int) (*Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d (must be positive)", rows, cols)
	}

	data := make([][]float64, rows)
	for i := range data {
		data[i] = make([]float64, cols)
	}

	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: data,
	}, nil
}

// MustNewMatrix creates a new zero matrix with the specified dimensions
// Panics if dimensions are invalid (use in non-production code only)
func MustNewMatrix(rows, cols int) *Matrix {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatrixFromRows creates a matrix from row slices, copying the data
func NewMatrixFromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("cannot build matrix from empty row data")
	}

	cols := len(rows[0])
	m, err := NewMatrix(len(rows), cols)
	if err != nil {
		return nil, err
	}

	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("ragged row data: row %d has %d values, expected %d", i, len(row), cols)
		}
		copy(m.Data[i], row)
	}

	return m, nil
}

// NewRandomMatrix creates a new matrix with small uniform random values
func NewRandomMatrix(rows, cols int) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}

	// Small values for training stability
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Data[i][j] = rand.Float64()*0.2 - 0.1
		}
	}

	return m, nil
}

// NewNormalMatrix creates a new matrix drawn elementwise from N(mean, std^2).
// A zero std produces a constant matrix filled with mean.
func NewNormalMatrix(rows, cols int, mean, std float64) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Data[i][j] = mean + std*rand.NormFloat64()
		}
	}

	return m, nil
}

// Clone creates a deep copy of the matrix
func (m *Matrix) Clone() (*Matrix, error) {
	clone, err := NewMatrix(m.Rows, m.Cols)
	if err != nil {
		return nil, err
	}

	for i := 0; i < m.Rows; i++ {
		copy(clone.Data[i], m.Data[i])
	}

	return clone, nil
}

// MustClone creates a deep copy of the matrix
// Panics if an error occurs (use in non-production code only)
func (m *Matrix) MustClone() *Matrix {
	clone, err := m.Clone()
	if err != nil {
		panic(err)
	}
	return clone
}

// Fill sets every element of the matrix to the given value
func (m *Matrix) Fill(v float64) {
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			m.Data[i][j] = v
		}
	}
}

// RowNorm returns the Euclidean norm of row i
func (m *Matrix) RowNorm(i int) float64 {
	sum := 0.0
	for j := 0; j < m.Cols; j++ {
		sum += m.Data[i][j] * m.Data[i][j]
	}
	return math.Sqrt(sum)
}

// NormalizeRow scales row i to unit length in place. Zero rows are left
// untouched to avoid division by zero.
func (m *Matrix) NormalizeRow(i int) {
	norm := m.RowNorm(i)
	if norm == 0 {
		return
	}
	for j := 0; j < m.Cols; j++ {
		m.Data[i][j] /= norm
	}
}

// AddScaledRow adds scale times the given row vector to row i in place
func (m *Matrix) AddScaledRow(i int, row []float64, scale float64) error {
	if len(row) != m.Cols {
		return fmt.Errorf("row length %d does not match matrix columns %d", len(row), m.Cols)
	}
	for j := 0; j < m.Cols; j++ {
		m.Data[i][j] += scale * row[j]
	}
	return nil
}

// ProjectRowOnto overwrites dst with the projection of m's row i onto the
// direction of dir's row i. A zero direction yields a zero projection.
func ProjectRowOnto(dst []float64, m *Matrix, dir *Matrix, i int) {
	norm := dir.RowNorm(i)
	if norm == 0 {
		for j := range dst {
			dst[j] = 0
		}
		return
	}
	dot := 0.0
	for j := 0; j < m.Cols; j++ {
		dot += m.Data[i][j] * dir.Data[i][j] / norm
	}
	for j := 0; j < m.Cols; j++ {
		dst[j] = dot * dir.Data[i][j] / norm
	}
}
