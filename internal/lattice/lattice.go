// Package lattice defines the trellis topologies the DP engine runs over.
//
// A lattice describes, for one (emission matrix, label sequence) pair, which
// states exist, which states may start and terminate a path, and for every
// state the set of predecessor states reachable from the previous time step.
// The engine never hard-codes transition rules; it asks the lattice.
package lattice

import (
	"errors"
	"fmt"
)

// Variant selects the trellis topology and reduction semantics.
type Variant int

const (
	// CTC aligns a label sequence against a frame sequence with blanks,
	// reduced with log-sum (total probability).
	CTC Variant = iota
	// Align uses the CTC topology with max reduction and mandatory
	// backtrace (forced alignment).
	Align
	// RNNT is the joint time/label grid where emissions advance either
	// the time axis (blank) or the label axis (token).
	RNNT
)

func (v Variant) String() string {
	switch v {
	case CTC:
		return "ctc"
	case Align:
		return "align"
	case RNNT:
		return "rnnt"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

var (
	// ErrInvalidInput marks malformed lane inputs: shape mismatches,
	// out-of-range token ids, a blank id appearing inside the labels.
	// Reported before any table is allocated.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInfeasible marks a lane whose label sequence cannot be realized
	// within the available time steps under the variant's transition rules.
	ErrInfeasible = errors.New("infeasible alignment")
)

// Blank is the token id reported for blank states in extracted paths.
const Blank = -1
