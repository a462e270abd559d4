package engine

import (
	"fmt"

	"github.com/23skdu/longbow-archer/internal/emission"
	"github.com/23skdu/longbow-archer/internal/lattice"
	"github.com/23skdu/longbow-archer/internal/logspace"
)

// ctcViterbi runs the max-reduction recursion with stored backpointers and
// backtraces the single best path. Predecessors are scanned in ascending
// state order with a strict comparison, so equal-score ties keep the
// earliest predecessor. That is the deterministic tie-break the results
// promise.
func (e *Engine) ctcViterbi(l *lattice.CTCLattice, m *emission.Matrix) (Result, error) {
	T := l.T
	S := l.NumStates()

	if T == 0 {
		return Result{LogProb: 0, Spans: []Span{}, Tokens: []int{}}, nil
	}

	prev := e.backend.GetScores(S)
	curr := e.backend.GetScores(S)
	bp := e.backend.GetBackptrs(T * S)
	defer e.backend.PutScores(prev)
	defer e.backend.PutScores(curr)
	defer e.backend.PutBackptrs(bp)

	for _, s := range l.StartStates() {
		prev[s] = m.At(0, l.Token(s))
	}

	var preds []int
	for t := 1; t < T; t++ {
		row := bp[t*S : (t+1)*S]
		for s := 0; s < S; s++ {
			best := logspace.Zero
			bestPrev := int32(0)
			preds = l.Predecessors(s, preds[:0])
			for _, p := range preds {
				if prev[p] > best {
					best = prev[p]
					bestPrev = int32(p)
				}
			}
			if logspace.IsZero(best) {
				curr[s] = logspace.Zero
			} else {
				curr[s] = best + m.At(t, l.Token(s))
			}
			row[s] = bestPrev
		}
		prev, curr = curr, prev
	}

	bestFinal := -1
	bestScore := logspace.Zero
	for _, s := range l.FinalStates() {
		if prev[s] > bestScore {
			bestScore = prev[s]
			bestFinal = s
		}
	}
	if bestFinal < 0 || logspace.IsZero(bestScore) {
		return Result{}, fmt.Errorf("%w: no path reaches a terminal state", lattice.ErrInfeasible)
	}

	// Backtrace through the stored decisions.
	path := make([]int, T)
	path[T-1] = bestFinal
	for t := T - 1; t > 0; t-- {
		path[t-1] = int(bp[t*S+path[t]])
	}

	spans, tokens := extractSpans(l, path)
	return Result{LogProb: bestScore, Spans: spans, Tokens: tokens}, nil
}

// rnntViterbi runs the max-reduction recursion over the transducer grid and
// backtraces the best (t, u) path. Each emitted token is reported as a
// single-frame span at the time step it was emitted.
func (e *Engine) rnntViterbi(l *lattice.RNNTLattice, m *emission.Matrix) (Result, error) {
	T := l.T
	U := l.U()

	if T == 0 {
		return Result{LogProb: 0, Spans: []Span{}, Tokens: []int{}}, nil
	}

	W := U + 1
	alpha := e.backend.GetScores(T * W)
	defer e.backend.PutScores(alpha)

	// Full table: the backtrace walks it directly, no backpointers needed
	// because each grid point has at most two predecessors.
	alpha[0] = 0
	for u := 1; u <= U; u++ {
		alpha[u] = alpha[u-1] + m.At(l.Row(0, u-1), l.Labels[u-1])
	}
	for t := 1; t < T; t++ {
		for u := 0; u <= U; u++ {
			fromBlank := alpha[(t-1)*W+u] + m.At(l.Row(t-1, u), l.BlankID)
			if u > 0 {
				fromLabel := alpha[t*W+u-1] + m.At(l.Row(t, u-1), l.Labels[u-1])
				// Blank (time) predecessor has the lower grid index on
				// the frontier sweep; strict comparison keeps it on ties.
				if fromLabel > fromBlank {
					alpha[t*W+u] = fromLabel
					continue
				}
			}
			alpha[t*W+u] = fromBlank
		}
	}

	best := alpha[(T-1)*W+U] + m.At(l.Row(T-1, U), l.BlankID)
	if logspace.IsZero(best) {
		return Result{}, fmt.Errorf("%w: no path reaches a terminal state", lattice.ErrInfeasible)
	}

	// Walk back from (T-1, U) choosing the predecessor that reproduces the
	// stored score, preferring the blank (time) move on ties.
	spans := make([]Span, 0, U)
	t, u := T-1, U
	for t > 0 || u > 0 {
		if t > 0 {
			fromBlank := alpha[(t-1)*W+u] + m.At(l.Row(t-1, u), l.BlankID)
			if fromBlank == alpha[t*W+u] {
				t--
				continue
			}
		}
		u--
		spans = append(spans, Span{Token: l.Labels[u], Start: t, End: t + 1})
	}
	// Spans were collected in reverse emission order.
	for i, j := 0, len(spans)-1; i < j; i, j = i+1, j-1 {
		spans[i], spans[j] = spans[j], spans[i]
	}
	tokens := make([]int, len(spans))
	for i, sp := range spans {
		tokens[i] = sp.Token
	}
	return Result{LogProb: best, Spans: spans, Tokens: tokens}, nil
}
