package engine

import (
	"github.com/23skdu/longbow-archer/internal/emission"
	"github.com/23skdu/longbow-archer/internal/lattice"
	"github.com/23skdu/longbow-archer/internal/logspace"
)

// ctcForward runs the sum-reduction recursion over the blank-interleaved
// trellis with double-buffered score rows. At each time step every state's
// value is computed from the previous step's finalized row only, which is
// the ordering invariant that makes the recursion correct.
func (e *Engine) ctcForward(l *lattice.CTCLattice, m *emission.Matrix) (float64, error) {
	T := l.T
	S := l.NumStates()

	if T == 0 {
		// Feasibility was checked at construction, so T == 0 implies an
		// empty label sequence: the empty alignment with probability 1.
		return 0, nil
	}

	prev := e.backend.GetScores(S)
	curr := e.backend.GetScores(S)
	defer e.backend.PutScores(prev)
	defer e.backend.PutScores(curr)

	for _, s := range l.StartStates() {
		prev[s] = m.At(0, l.Token(s))
	}

	var preds []int
	for t := 1; t < T; t++ {
		for s := 0; s < S; s++ {
			acc := logspace.Zero
			preds = l.Predecessors(s, preds[:0])
			for _, p := range preds {
				acc = logspace.Add(acc, prev[p])
			}
			if logspace.IsZero(acc) {
				curr[s] = logspace.Zero
			} else {
				curr[s] = acc + m.At(t, l.Token(s))
			}
		}
		prev, curr = curr, prev
	}

	total := logspace.Zero
	for _, s := range l.FinalStates() {
		total = logspace.Add(total, prev[s])
	}
	return total, nil
}

// rnntForward runs the sum-reduction recursion over the transducer grid.
// alpha[t][u] excludes the emission at (t, u); time moves on blank, the
// label axis moves on the next reference token. Within a time step the
// label axis is swept in increasing u so alpha[t][u-1] is final before
// alpha[t][u] reads it.
func (e *Engine) rnntForward(l *lattice.RNNTLattice, m *emission.Matrix) (float64, error) {
	T := l.T
	U := l.U()

	if T == 0 {
		return 0, nil // U == 0 guaranteed by construction
	}

	W := U + 1
	prev := e.backend.GetScores(W)
	curr := e.backend.GetScores(W)
	defer e.backend.PutScores(prev)
	defer e.backend.PutScores(curr)

	// t = 0 row: only label emissions move along u.
	prev[0] = 0
	for u := 1; u <= U; u++ {
		prev[u] = prev[u-1] + m.At(l.Row(0, u-1), l.Labels[u-1])
	}

	for t := 1; t < T; t++ {
		for u := 0; u <= U; u++ {
			fromBlank := prev[u] + m.At(l.Row(t-1, u), l.BlankID)
			if u == 0 {
				curr[u] = fromBlank
				continue
			}
			fromLabel := curr[u-1] + m.At(l.Row(t, u-1), l.Labels[u-1])
			curr[u] = logspace.Add(fromBlank, fromLabel)
		}
		prev, curr = curr, prev
	}

	// Exit with a final blank from (T-1, U).
	return prev[U] + m.At(l.Row(T-1, U), l.BlankID), nil
}
