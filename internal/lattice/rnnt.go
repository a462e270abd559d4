package lattice

import "fmt"

// RNNTLattice is the transducer grid over (t, u): time steps on one axis,
// emitted labels on the other. At grid point (t, u) the model either emits
// blank, advancing to (t+1, u), or emits labels[u], advancing to (t, u+1).
// Both axes are monotonic. A complete path consumes all T frames and all L
// labels and exits with a final blank from (T-1, L).
//
// Emissions for a lane are a (T*(L+1)) × V matrix: the joint network's
// output for grid point (t, u) lives in row t*(L+1)+u.
type RNNTLattice struct {
	T      int
	V      int
	BlankID int
	Labels []int
}

// NewRNNT validates lane inputs for the transducer grid.
// Any number of labels fits into T ≥ 1 frames (label emissions do not
// consume time); only T == 0 with labels present is infeasible.
func NewRNNT(t, v, blankID int, labels []int) (*RNNTLattice, error) {
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
	if t == 0 && len(labels) > 0 {
		return nil, fmt.Errorf("%w: %d labels with no frames", ErrInfeasible, len(labels))
	}
	return &RNNTLattice{T: t, V: v, BlankID: blankID, Labels: labels}, nil
}

// U returns the label-axis extent L.
func (l *RNNTLattice) U() int { return len(l.Labels) }

// Rows returns the expected emission row count T*(L+1).
func (l *RNNTLattice) Rows() int { return l.T * (len(l.Labels) + 1) }

// Row maps grid point (t, u) to its emission matrix row.
func (l *RNNTLattice) Row(t, u int) int { return t*(len(l.Labels)+1) + u }
