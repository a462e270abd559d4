// Package emission handles ingestion of per-frame class score matrices.
// The engine consumes log-probabilities; callers may hand over raw scores
// (logits) and have them converted with a stable row-wise log-softmax.
package emission

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-archer/internal/logspace"
)

// Matrix is an immutable row-major (T × V) log-probability matrix for one
// lane. Immutability is by convention: the engine and scheduler only read
// it after hand-off, which is what makes lock-free batch parallelism safe.
type Matrix struct {
	rows, cols int
	data       []float64
}

// New wraps data as a rows×cols log-probability matrix. The slice is used
// directly, not copied; the caller must not mutate it afterwards.
// NaN and +Inf entries are rejected; -Inf entries are mapped to the
// engine's finite log-zero so downstream sums never produce NaN.
func New(rows, cols int, data []float64) (*Matrix, error) {
	if rows < 0 || cols <= 0 {
		return nil, fmt.Errorf("emission: bad shape %dx%d", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("emission: %dx%d needs %d values, got %d", rows, cols, rows*cols, len(data))
	}
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 1) {
			return nil, fmt.Errorf("emission: non-finite value %v at index %d", v, i)
		}
		if math.IsInf(v, -1) {
			data[i] = logspace.Zero
		}
	}
	return &Matrix{rows: rows, cols: cols, data: data}, nil
}

// FromScores converts raw scores (logits) to log-probabilities with a
// stable row-wise log-softmax and wraps the result.
func FromScores(rows, cols int, scores []float64) (*Matrix, error) {
	if len(scores) != rows*cols {
		return nil, fmt.Errorf("emission: %dx%d needs %d values, got %d", rows, cols, rows*cols, len(scores))
	}
	data := make([]float64, len(scores))
	for t := 0; t < rows; t++ {
		row := scores[t*cols : (t+1)*cols]
		lse := floats.LogSumExp(row)
		out := data[t*cols : (t+1)*cols]
		for i, v := range row {
			out[i] = v - lse
		}
	}
	return New(rows, cols, data)
}

// FromDense copies a gonum Dense matrix of log-probabilities.
func FromDense(d *mat.Dense) (*Matrix, error) {
	r, c := d.Dims()
	data := make([]float64, r*c)
	for t := 0; t < r; t++ {
		copy(data[t*c:(t+1)*c], d.RawRowView(t))
	}
	return New(r, c, data)
}

// Dims returns (rows, cols): (T, V) for CTC/Align, (T*(L+1), V) for RNNT.
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// At returns the log-probability of class v at row t.
func (m *Matrix) At(t, v int) float64 { return m.data[t*m.cols+v] }

// Row returns the class distribution at row t. Read-only.
func (m *Matrix) Row(t int) []float64 { return m.data[t*m.cols : (t+1)*m.cols] }

// Dense returns a gonum view over the matrix for callers that want mat ops.
func (m *Matrix) Dense() *mat.Dense {
	if m.rows == 0 {
		return nil
	}
	return mat.NewDense(m.rows, m.cols, m.data)
}

// Digest returns a fast content hash of the matrix, used as a cache key
// component. Not cryptographic.
func (m *Matrix) Digest() uint64 {
	h := xxhash.New()
	var buf [8]byte
	putUint64 := func(u uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(u >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	putUint64(uint64(m.rows))
	putUint64(uint64(m.cols))
	for _, v := range m.data {
		putUint64(math.Float64bits(v))
	}
	return h.Sum64()
}
