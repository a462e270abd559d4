package logspace

import "math"

// Zero is the log-domain representation of probability zero.
// A large finite negative value is used instead of -Inf so that
// additions never produce NaN (−Inf + Inf is undefined; −1e30 + x is not).
const Zero = -1e30

// IsZero reports whether v is indistinguishable from log(0).
func IsZero(v float64) bool {
	return v <= Zero+1
}

// Add returns log(exp(a) + exp(b)) without overflow or underflow.
// Uses the shift-by-max formulation with a threshold-based early exit:
// when the smaller operand is more than 36 nats below the larger one its
// contribution is below float64 precision (exp(-36) ≈ 2.3e-16) and the
// larger operand is returned unchanged. Zero is the identity.
func Add(a, b float64) float64 {
	if a > b {
		if b <= Zero+1 {
			return a
		}
		d := b - a
		if d < -36.0 {
			return a
		}
		return a + math.Log1p(math.Exp(d))
	}
	if a <= Zero+1 {
		return b
	}
	d := a - b
	if d < -36.0 {
		return b
	}
	return b + math.Log1p(math.Exp(d))
}

// Sum reduces a slice with Add. An empty slice sums to Zero.
func Sum(vs []float64) float64 {
	acc := Zero
	for _, v := range vs {
		acc = Add(acc, v)
	}
	return acc
}

// Sub returns log(exp(a) - exp(b)), assuming a > b.
func Sub(a, b float64) float64 {
	if b <= Zero+1 {
		return a
	}
	if a <= b {
		return Zero
	}
	return a + math.Log1p(-math.Exp(b-a))
}

// Fill sets every element of dst to v.
func Fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

// ArgMax returns the index and value of the maximum element.
// Ties keep the earliest index. Returns (-1, Zero) for an empty slice.
func ArgMax(vs []float64) (int, float64) {
	if len(vs) == 0 {
		return -1, Zero
	}
	idx := 0
	best := vs[0]
	for i := 1; i < len(vs); i++ {
		if vs[i] > best {
			best = vs[i]
			idx = i
		}
	}
	return idx, best
}
