package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-archer/internal/lattice"
	"github.com/23skdu/longbow-archer/internal/logspace"
)

// extractSpans converts a backtraced expanded-state path into spans that
// partition [0, T) exactly: consecutive frames in the same expanded state
// merge into one span, blank states report lattice.Blank. The non-blank
// tokens, in order, are returned separately; by construction they equal
// the lane's label sequence.
func extractSpans(l *lattice.CTCLattice, path []int) ([]Span, []int) {
	spans := make([]Span, 0, len(path))
	tokens := make([]int, 0, len(l.Labels))
	if len(path) == 0 {
		return spans, tokens
	}

	cur := path[0]
	start := 0
	flush := func(end int) {
		tok := lattice.Blank
		if !l.IsBlank(cur) {
			tok = l.Token(cur)
			tokens = append(tokens, tok)
		}
		spans = append(spans, Span{Token: tok, Start: start, End: end})
	}
	for t := 1; t < len(path); t++ {
		if path[t] != cur {
			flush(t)
			cur = path[t]
			start = t
		}
	}
	flush(len(path))
	return spans, tokens
}

// DecodeGreedy decodes a lane without a reference label sequence: argmax
// per frame, then collapse repeats and drop blanks. Confidence per emitted
// token is the frame probability at the first frame of its run. Much
// cheaper than exact Viterbi and good enough when the distribution is
// peaked.
func (e *Engine) DecodeGreedy(lane Lane) (Result, error) {
	if lane.Emissions == nil {
		return Result{}, fmt.Errorf("%w: nil emissions", lattice.ErrInvalidInput)
	}
	T, V := lane.Emissions.Dims()
	if lane.BlankID < 0 || lane.BlankID >= V {
		return Result{}, fmt.Errorf("%w: blank id %d out of range [0,%d)", lattice.ErrInvalidInput, lane.BlankID, V)
	}

	tokens := make([]int, 0, T)
	conf := make([]float64, 0, T)
	logProb := 0.0
	prevIdx := -1
	for t := 0; t < T; t++ {
		idx, lp := logspace.ArgMax(lane.Emissions.Row(t))
		logProb += lp
		if idx == lane.BlankID {
			prevIdx = idx
			continue
		}
		if idx == prevIdx {
			continue
		}
		tokens = append(tokens, idx)
		conf = append(conf, math.Exp(lp))
		prevIdx = idx
	}
	greedyOps.Inc()
	return Result{LogProb: logProb, Tokens: tokens, Confidence: conf}, nil
}

// DecodeGreedyRNNT decodes a transducer lane without a reference: walk the
// (t,u) grid taking the argmax joint output at each point, advancing u on a
// label and t on a blank. maxPerFrame caps label emissions per time step so
// a degenerate joint cannot loop on the label axis; <=0 selects the grid's
// own bound. The emission matrix is T*(U+1)×V as for the loss path, with U
// the largest hypothesis length the joint was evaluated for.
func (e *Engine) DecodeGreedyRNNT(lane Lane, maxPerFrame int) (Result, error) {
	if lane.Emissions == nil {
		return Result{}, fmt.Errorf("%w: nil emissions", lattice.ErrInvalidInput)
	}
	rows, V := lane.Emissions.Dims()
	if lane.BlankID < 0 || lane.BlankID >= V {
		return Result{}, fmt.Errorf("%w: blank id %d out of range [0,%d)", lattice.ErrInvalidInput, lane.BlankID, V)
	}
	T := lane.Frames
	if T <= 0 {
		return Result{LogProb: 0}, nil
	}
	if rows%T != 0 {
		return Result{}, fmt.Errorf("%w: %d emission rows not divisible by %d frames", lattice.ErrInvalidInput, rows, T)
	}
	width := rows / T // U+1
	if maxPerFrame <= 0 || maxPerFrame > width-1 {
		maxPerFrame = width - 1
	}

	tokens := make([]int, 0, width-1)
	conf := make([]float64, 0, width-1)
	logProb := 0.0
	u := 0
	for t := 0; t < T; t++ {
		emitted := 0
		for {
			idx, lp := logspace.ArgMax(lane.Emissions.Row(t*width + u))
			if idx != lane.BlankID && u < width-1 && emitted < maxPerFrame {
				logProb += lp
				tokens = append(tokens, idx)
				conf = append(conf, math.Exp(lp))
				u++
				emitted++
				continue
			}
			// Blank, or the label axis is exhausted for this frame.
			logProb += lane.Emissions.At(t*width+u, lane.BlankID)
			break
		}
	}
	greedyOps.Inc()
	return Result{LogProb: logProb, Tokens: tokens, Confidence: conf}, nil
}
