package lattice

import "fmt"

// CTCLattice is the blank-interleaved trellis shared by the CTC and Align
// variants. The label sequence [a b] expands to the state chain
// [∅ a ∅ b ∅] (2L+1 states): even states are blanks, odd states are labels.
// Valid transitions into state s at time t come from states s (stay), s-1
// (advance), and s-2 (skip the intervening blank, only when s is a label
// state and differs from the label two states back; repeated labels
// require an explicit blank between them).
type CTCLattice struct {
	T      int   // frames
	V      int   // vocabulary size including blank
	BlankID int  // blank token id within the vocabulary
	Labels []int // original label sequence, length L

	states int // 2L+1, or 1 when L == 0
}

// NewCTC validates the lane inputs and builds the expanded topology.
// Validation failures are ErrInvalidInput; a label sequence that cannot fit
// into T frames is ErrInfeasible.
func NewCTC(t, v, blankID int, labels []int) (*CTCLattice, error) {
	if t < 0 || v <= 0 {
		return nil, fmt.Errorf("%w: T=%d V=%d", ErrInvalidInput, t, v)
	}
	if blankID < 0 || blankID >= v {
		return nil, fmt.Errorf("%w: blank id %d out of range [0,%d)", ErrInvalidInput, blankID, v)
	}
	for i, id := range labels {
		if id < 0 || id >= v {
			return nil, fmt.Errorf("%w: label[%d]=%d out of range [0,%d)", ErrInvalidInput, i, id, v)
		}
		if id == blankID {
			return nil, fmt.Errorf("%w: label[%d] is the blank id %d", ErrInvalidInput, i, blankID)
		}
	}
	l := &CTCLattice{T: t, V: v, BlankID: blankID, Labels: labels, states: 2*len(labels) + 1}
	if t < l.MinFrames() {
		return nil, fmt.Errorf("%w: %d labels (%d min frames) in %d frames",
			ErrInfeasible, len(labels), l.MinFrames(), t)
	}
	return l, nil
}

// NumStates returns the expanded state count 2L+1.
func (l *CTCLattice) NumStates() int { return l.states }

// Token maps an expanded state to its emitted token id; blank states map to
// the lattice's blank id.
func (l *CTCLattice) Token(s int) int {
	if s%2 == 0 {
		return l.BlankID
	}
	return l.Labels[s/2]
}

// IsBlank reports whether expanded state s is a blank state.
func (l *CTCLattice) IsBlank(s int) bool { return s%2 == 0 }

// MinFrames returns the minimum number of frames a complete path needs:
// one per label plus one separating blank per adjacent repeated pair.
func (l *CTCLattice) MinFrames() int {
	n := len(l.Labels)
	for i := 1; i < len(l.Labels); i++ {
		if l.Labels[i] == l.Labels[i-1] {
			n++
		}
	}
	return n
}

// Predecessors appends the valid predecessor states of s (from the previous
// time step) to buf in ascending state order and returns the result. The
// ascending order is load-bearing: the engine's tie-break keeps the first
// best-scoring predecessor it sees, so the lowest state index wins ties.
func (l *CTCLattice) Predecessors(s int, buf []int) []int {
	if s >= 2 {
		if s%2 == 1 && l.Labels[s/2] != l.Labels[s/2-1] {
			// Skip the blank between two distinct labels.
			buf = append(buf, s-2)
		}
	}
	if s >= 1 {
		buf = append(buf, s-1)
	}
	return append(buf, s)
}

// StartStates returns the expanded states a path may begin in at t=0:
// the leading blank and, when labels exist, the first label.
func (l *CTCLattice) StartStates() []int {
	if len(l.Labels) == 0 {
		return []int{0}
	}
	return []int{0, 1}
}

// FinalStates returns the expanded states a complete path may end in:
// the trailing blank and, when labels exist, the last label. Ascending
// order, for the same tie-break reason as Predecessors.
func (l *CTCLattice) FinalStates() []int {
	if len(l.Labels) == 0 {
		return []int{0}
	}
	return []int{l.states - 2, l.states - 1}
}
