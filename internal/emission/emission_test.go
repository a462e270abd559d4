package emission

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-archer/internal/logspace"
)

func TestNew_ShapeValidation(t *testing.T) {
	if _, err := New(2, 3, make([]float64, 5)); err == nil {
		t.Error("short data must be rejected")
	}
	if _, err := New(2, 0, nil); err == nil {
		t.Error("zero columns must be rejected")
	}
	if _, err := New(0, 3, nil); err != nil {
		t.Errorf("T=0 matrix is valid, got %v", err)
	}
}

func TestNew_NonFinite(t *testing.T) {
	if _, err := New(1, 2, []float64{0, math.NaN()}); err == nil {
		t.Error("NaN must be rejected")
	}
	if _, err := New(1, 2, []float64{0, math.Inf(1)}); err == nil {
		t.Error("+Inf must be rejected")
	}
	m, err := New(1, 2, []float64{0, math.Inf(-1)})
	if err != nil {
		t.Fatalf("-Inf should be sanitized, got %v", err)
	}
	if !logspace.IsZero(m.At(0, 1)) {
		t.Errorf("-Inf should map to log-zero, got %v", m.At(0, 1))
	}
}

func TestFromScores(t *testing.T) {
	// Each row must become a normalized log distribution.
	m, err := FromScores(2, 3, []float64{1, 2, 3, -5, 0, 5})
	if err != nil {
		t.Fatal(err)
	}
	for t0 := 0; t0 < 2; t0++ {
		sum := 0.0
		for v := 0; v < 3; v++ {
			sum += math.Exp(m.At(t0, v))
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d: probabilities sum to %v, want 1", t0, sum)
		}
	}
	// Ordering is preserved.
	if !(m.At(0, 2) > m.At(0, 1) && m.At(0, 1) > m.At(0, 0)) {
		t.Error("log-softmax must preserve score ordering")
	}
}

func TestFromScores_LargeMagnitude(t *testing.T) {
	m, err := FromScores(1, 2, []float64{1000, 1000})
	if err != nil {
		t.Fatal(err)
	}
	want := math.Log(0.5)
	if math.Abs(m.At(0, 0)-want) > 1e-9 {
		t.Errorf("At(0,0) = %v, want %v", m.At(0, 0), want)
	}
}

func TestFromDense(t *testing.T) {
	d := mat.NewDense(2, 2, []float64{-1, -2, -3, -4})
	m, err := FromDense(d)
	if err != nil {
		t.Fatal(err)
	}
	if m.At(1, 0) != -3 {
		t.Errorf("At(1,0) = %v, want -3", m.At(1, 0))
	}
	// Copy semantics: mutating the source must not affect the matrix.
	d.Set(1, 0, 99)
	if m.At(1, 0) != -3 {
		t.Error("FromDense must copy, not alias")
	}
}

func TestDigest(t *testing.T) {
	a, _ := New(1, 2, []float64{-1, -2})
	b, _ := New(1, 2, []float64{-1, -2})
	c, _ := New(1, 2, []float64{-2, -1})
	d, _ := New(2, 1, []float64{-1, -2})
	if a.Digest() != b.Digest() {
		t.Error("equal matrices must share a digest")
	}
	if a.Digest() == c.Digest() {
		t.Error("different values should produce different digests")
	}
	if a.Digest() == d.Digest() {
		t.Error("same data with different shape should produce different digests")
	}
}
