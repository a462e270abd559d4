package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-archer/internal/emission"
	"github.com/23skdu/longbow-archer/internal/lattice"
	"github.com/23skdu/longbow-archer/internal/logspace"
)

// ctcLoss computes -log P(labels | emissions) and, when gradients is set,
// d(loss)/d(emission log-prob) via state occupancies. alpha rows include
// the emission at their own time step, beta rows exclude it, so
// alpha[t][s] + beta[t][s] counts every emission on a path exactly once
// and their log-sum over s equals log P at any t.
func (e *Engine) ctcLoss(l *lattice.CTCLattice, m *emission.Matrix, gradients bool) (Result, error) {
	T := l.T
	S := l.NumStates()
	_, V := m.Dims()

	if T == 0 {
		res := Result{LogProb: 0}
		if gradients {
			res.Gradient = []float64{}
		}
		return res, nil
	}

	if !gradients {
		logProb, err := e.ctcForward(l, m)
		if err != nil {
			return Result{}, err
		}
		if logspace.IsZero(logProb) {
			return Result{}, fmt.Errorf("%w: zero total probability", lattice.ErrInfeasible)
		}
		return Result{LogProb: -logProb}, nil
	}

	// Full alpha table: the gradient sweep reads every row.
	alpha := e.backend.GetScores(T * S)
	defer e.backend.PutScores(alpha)

	for _, s := range l.StartStates() {
		alpha[s] = m.At(0, l.Token(s))
	}
	var preds []int
	for t := 1; t < T; t++ {
		prev := alpha[(t-1)*S : t*S]
		curr := alpha[t*S : (t+1)*S]
		for s := 0; s < S; s++ {
			acc := logspace.Zero
			preds = l.Predecessors(s, preds[:0])
			for _, p := range preds {
				acc = logspace.Add(acc, prev[p])
			}
			if !logspace.IsZero(acc) {
				curr[s] = acc + m.At(t, l.Token(s))
			}
		}
	}

	logProb := logspace.Zero
	last := alpha[(T-1)*S:]
	for _, s := range l.FinalStates() {
		logProb = logspace.Add(logProb, last[s])
	}
	if logspace.IsZero(logProb) {
		return Result{}, fmt.Errorf("%w: zero total probability", lattice.ErrInfeasible)
	}

	// Backward sweep with double-buffered beta rows, accumulating the
	// occupancy of each (t, token) cell as it goes.
	grad := make([]float64, T*V)
	occ := e.backend.GetScores(V)
	beta := e.backend.GetScores(S)
	betaNext := e.backend.GetScores(S)
	defer e.backend.PutScores(occ)
	defer e.backend.PutScores(beta)
	defer e.backend.PutScores(betaNext)

	for _, s := range l.FinalStates() {
		beta[s] = 0
	}
	for t := T - 1; t >= 0; t-- {
		if t < T-1 {
			for s := 0; s < S; s++ {
				acc := logspace.Zero
				for _, sn := range ctcSuccessors(l, s) {
					if !logspace.IsZero(betaNext[sn]) {
						acc = logspace.Add(acc, m.At(t+1, l.Token(sn))+betaNext[sn])
					}
				}
				beta[s] = acc
			}
		}

		logspace.Fill(occ, logspace.Zero)
		row := alpha[t*S : (t+1)*S]
		for s := 0; s < S; s++ {
			if logspace.IsZero(row[s]) || logspace.IsZero(beta[s]) {
				continue
			}
			tok := l.Token(s)
			occ[tok] = logspace.Add(occ[tok], row[s]+beta[s])
		}
		for v := 0; v < V; v++ {
			if !logspace.IsZero(occ[v]) {
				grad[t*V+v] = -math.Exp(occ[v] - logProb)
			}
		}

		beta, betaNext = betaNext, beta
	}

	return Result{LogProb: -logProb, Gradient: grad}, nil
}

// ctcSuccessors is the mirror of lattice predecessors: states reachable
// from s at the next time step.
func ctcSuccessors(l *lattice.CTCLattice, s int) []int {
	S := l.NumStates()
	succ := make([]int, 0, 3)
	succ = append(succ, s)
	if s+1 < S {
		succ = append(succ, s+1)
	}
	if s+2 < S && s%2 == 1 && l.Labels[s/2+1] != l.Labels[s/2] {
		succ = append(succ, s+2)
	}
	return succ
}

// rnntLoss computes the transducer loss and, when requested, gradients for
// the blank and label entries of every grid point's emission row. beta
// rows include the emission at their own grid point, so alpha + emission +
// following beta reconstructs a full path probability.
func (e *Engine) rnntLoss(l *lattice.RNNTLattice, m *emission.Matrix, gradients bool) (Result, error) {
	T := l.T
	U := l.U()
	rows, V := m.Dims()

	if T == 0 {
		res := Result{LogProb: 0}
		if gradients {
			res.Gradient = []float64{}
		}
		return res, nil
	}

	if !gradients {
		logProb, err := e.rnntForward(l, m)
		if err != nil {
			return Result{}, err
		}
		if logspace.IsZero(logProb) {
			return Result{}, fmt.Errorf("%w: zero total probability", lattice.ErrInfeasible)
		}
		return Result{LogProb: -logProb}, nil
	}

	W := U + 1
	alpha := e.backend.GetScores(T * W)
	defer e.backend.PutScores(alpha)

	alpha[0] = 0
	for u := 1; u <= U; u++ {
		alpha[u] = alpha[u-1] + m.At(l.Row(0, u-1), l.Labels[u-1])
	}
	for t := 1; t < T; t++ {
		for u := 0; u <= U; u++ {
			fromBlank := alpha[(t-1)*W+u] + m.At(l.Row(t-1, u), l.BlankID)
			if u == 0 {
				alpha[t*W] = fromBlank
				continue
			}
			fromLabel := alpha[t*W+u-1] + m.At(l.Row(t, u-1), l.Labels[u-1])
			alpha[t*W+u] = logspace.Add(fromBlank, fromLabel)
		}
	}

	logProb := alpha[(T-1)*W+U] + m.At(l.Row(T-1, U), l.BlankID)
	if logspace.IsZero(logProb) {
		return Result{}, fmt.Errorf("%w: zero total probability", lattice.ErrInfeasible)
	}

	grad := make([]float64, rows*V)
	beta := e.backend.GetScores(W)
	betaNext := e.backend.GetScores(W)
	defer e.backend.PutScores(beta)
	defer e.backend.PutScores(betaNext)

	for t := T - 1; t >= 0; t-- {
		for u := U; u >= 0; u-- {
			acc := logspace.Zero
			if t == T-1 && u == U {
				acc = m.At(l.Row(t, u), l.BlankID)
			}
			if t < T-1 {
				acc = logspace.Add(acc, m.At(l.Row(t, u), l.BlankID)+betaNext[u])
			}
			if u < U {
				acc = logspace.Add(acc, m.At(l.Row(t, u), l.Labels[u])+beta[u+1])
			}
			beta[u] = acc
		}

		// Gradient for this time step's grid points, while both beta rows
		// are still live.
		for u := 0; u <= U; u++ {
			a := alpha[t*W+u]
			if logspace.IsZero(a) {
				continue
			}
			row := l.Row(t, u)
			// blank move
			var blankTail float64
			switch {
			case t == T-1 && u == U:
				blankTail = 0
			case t < T-1:
				blankTail = betaNext[u]
			default:
				blankTail = logspace.Zero
			}
			if !logspace.IsZero(blankTail) || (t == T-1 && u == U) {
				grad[row*V+l.BlankID] = -osExp(a + m.At(row, l.BlankID) + blankTail - logProb)
			}
			// label move
			if u < U && !logspace.IsZero(beta[u+1]) {
				k := l.Labels[u]
				grad[row*V+k] = -osExp(a + m.At(row, k) + beta[u+1] - logProb)
			}
		}

		beta, betaNext = betaNext, beta
	}

	return Result{LogProb: -logProb, Gradient: grad}, nil
}

// osExp guards exp against the log-zero sentinel.
func osExp(v float64) float64 {
	if logspace.IsZero(v) {
		return 0
	}
	return math.Exp(v)
}
