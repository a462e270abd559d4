// Package engine runs the lattice recursions for single lanes: forward
// (total log-probability), Viterbi (best path with backtrace), loss with
// gradients, and greedy decoding. Batching across lanes is the scheduler's
// job; everything here touches exactly one lane and owns its DP tables for
// the duration of the call.
package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-archer/internal/device"
	"github.com/23skdu/longbow-archer/internal/emission"
	"github.com/23skdu/longbow-archer/internal/lattice"
)

// ErrNonFinite marks a lane whose recursion produced a NaN or +Inf score.
// Inputs are validated finite, so this is an internal invariant violation;
// the lane fails rather than returning a corrupted result.
var ErrNonFinite = errors.New("non-finite score")

// Lane is one (emission matrix, label sequence) pair.
type Lane struct {
	// Emissions holds log-probabilities: T×V for CTC/Align, T*(L+1)×V
	// for RNNT (joint output per grid point, see lattice.RNNTLattice).
	Emissions *emission.Matrix

	// Labels is the reference token sequence. May be empty.
	Labels []int

	// BlankID is the blank token id within the vocabulary.
	BlankID int

	// Frames is the time extent T. Required for RNNT, where it cannot be
	// recovered from the emission row count alone; ignored for CTC/Align
	// (T is the emission row count).
	Frames int
}

// Span is one aligned segment: token over [Start, End) frames.
// Token is lattice.Blank for blank segments.
type Span struct {
	Token int `cbor:"token" json:"token"`
	Start int `cbor:"start" json:"start"`
	End   int `cbor:"end" json:"end"`
}

// Result carries the per-lane outputs. Which fields are populated depends
// on the operation: Forward fills LogProb only; Best adds Spans and Tokens;
// Loss fills LogProb (and Gradient when requested); DecodeGreedy fills
// Tokens and Confidence.
type Result struct {
	LogProb    float64
	Spans      []Span
	Tokens     []int
	Confidence []float64
	Gradient   []float64 // same layout as the lane's emission matrix
}

// Engine executes lane recursions against one storage backend.
type Engine struct {
	backend device.Backend
}

func New(backend device.Backend) *Engine {
	return &Engine{backend: backend}
}

// Backend returns the storage backend the engine allocates tables from.
func (e *Engine) Backend() device.Backend { return e.backend }

// ctcLattice validates a CTC/Align lane and builds its topology.
// All validation happens here, before any table is allocated.
func (e *Engine) ctcLattice(lane Lane) (*lattice.CTCLattice, error) {
	if lane.Emissions == nil {
		return nil, fmt.Errorf("%w: nil emissions", lattice.ErrInvalidInput)
	}
	t, v := lane.Emissions.Dims()
	return lattice.NewCTC(t, v, lane.BlankID, lane.Labels)
}

// rnntLattice validates an RNNT lane and builds its grid.
func (e *Engine) rnntLattice(lane Lane) (*lattice.RNNTLattice, error) {
	if lane.Emissions == nil {
		return nil, fmt.Errorf("%w: nil emissions", lattice.ErrInvalidInput)
	}
	rows, v := lane.Emissions.Dims()
	l, err := lattice.NewRNNT(lane.Frames, v, lane.BlankID, lane.Labels)
	if err != nil {
		return nil, err
	}
	if rows != l.Rows() {
		return nil, fmt.Errorf("%w: rnnt emissions have %d rows, want T*(L+1)=%d",
			lattice.ErrInvalidInput, rows, l.Rows())
	}
	return l, nil
}

// Forward computes the total log-probability (sum over all valid paths)
// for one lane.
func (e *Engine) Forward(variant lattice.Variant, lane Lane) (float64, error) {
	var (
		logProb float64
		err     error
	)
	switch variant {
	case lattice.CTC, lattice.Align:
		var l *lattice.CTCLattice
		if l, err = e.ctcLattice(lane); err != nil {
			return 0, err
		}
		logProb, err = e.ctcForward(l, lane.Emissions)
	case lattice.RNNT:
		var l *lattice.RNNTLattice
		if l, err = e.rnntLattice(lane); err != nil {
			return 0, err
		}
		logProb, err = e.rnntForward(l, lane.Emissions)
	default:
		return 0, fmt.Errorf("%w: unknown variant %v", lattice.ErrInvalidInput, variant)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(logProb) || math.IsInf(logProb, 1) {
		return 0, fmt.Errorf("%w: forward score %v", ErrNonFinite, logProb)
	}
	forwardOps.WithLabelValues(variant.String()).Inc()
	return logProb, nil
}

// Best computes the Viterbi best path: score, backtraced spans partitioning
// [0, T), and the emitted token sequence. Equal-score ties keep the lowest
// predecessor state index, so repeated runs are reproducible.
func (e *Engine) Best(variant lattice.Variant, lane Lane) (Result, error) {
	var (
		res Result
		err error
	)
	switch variant {
	case lattice.CTC, lattice.Align:
		var l *lattice.CTCLattice
		if l, err = e.ctcLattice(lane); err != nil {
			return Result{}, err
		}
		res, err = e.ctcViterbi(l, lane.Emissions)
	case lattice.RNNT:
		var l *lattice.RNNTLattice
		if l, err = e.rnntLattice(lane); err != nil {
			return Result{}, err
		}
		res, err = e.rnntViterbi(l, lane.Emissions)
	default:
		return Result{}, fmt.Errorf("%w: unknown variant %v", lattice.ErrInvalidInput, variant)
	}
	if err != nil {
		return Result{}, err
	}
	if math.IsNaN(res.LogProb) || math.IsInf(res.LogProb, 1) {
		return Result{}, fmt.Errorf("%w: viterbi score %v", ErrNonFinite, res.LogProb)
	}
	viterbiOps.WithLabelValues(variant.String()).Inc()
	return res, nil
}

// Loss computes the negative log-likelihood for one lane and, when
// gradients is set, d(loss)/d(log-emission) with the same layout as the
// lane's emission matrix. The caller owns any further autograd bookkeeping.
func (e *Engine) Loss(variant lattice.Variant, lane Lane, gradients bool) (Result, error) {
	var (
		res Result
		err error
	)
	switch variant {
	case lattice.CTC, lattice.Align:
		var l *lattice.CTCLattice
		if l, err = e.ctcLattice(lane); err != nil {
			return Result{}, err
		}
		res, err = e.ctcLoss(l, lane.Emissions, gradients)
	case lattice.RNNT:
		var l *lattice.RNNTLattice
		if l, err = e.rnntLattice(lane); err != nil {
			return Result{}, err
		}
		res, err = e.rnntLoss(l, lane.Emissions, gradients)
	default:
		return Result{}, fmt.Errorf("%w: unknown variant %v", lattice.ErrInvalidInput, variant)
	}
	if err != nil {
		return Result{}, err
	}
	if math.IsNaN(res.LogProb) || math.IsInf(res.LogProb, 1) {
		return Result{}, fmt.Errorf("%w: loss %v", ErrNonFinite, res.LogProb)
	}
	lossOps.WithLabelValues(variant.String()).Inc()
	return res, nil
}
