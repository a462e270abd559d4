// Package sched runs batches of independent lanes across a pool of
// workers. Lanes never share state, so the only coordination is handing
// out work and collecting results in input order. A lane that fails
// validation or turns out infeasible carries its own error; the rest of
// the batch completes normally.
package sched

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-archer/internal/device"
	"github.com/23skdu/longbow-archer/internal/engine"
	"github.com/23skdu/longbow-archer/internal/lattice"
)

// Op selects which engine operation a batch runs.
type Op int

const (
	OpForward Op = iota
	OpBest
	OpLoss
	OpGreedy
)

func (o Op) String() string {
	switch o {
	case OpForward:
		return "forward"
	case OpBest:
		return "best"
	case OpLoss:
		return "loss"
	case OpGreedy:
		return "greedy"
	default:
		return "unknown"
	}
}

// Batch is one invocation: a variant, an operation, and the lanes to run.
type Batch struct {
	Variant   lattice.Variant
	Op        Op
	Lanes     []engine.Lane
	Gradients bool // OpLoss only

	// MaxPerFrame caps label emissions per time step for greedy RNNT
	// decoding; <=0 means the grid's own label bound.
	MaxPerFrame int
}

// LaneResult pairs a lane's output with its (possibly nil) error,
// positionally matching Batch.Lanes.
type LaneResult struct {
	engine.Result
	Err error
}

// maxWorkers caps the worker count; past this point the per-lane work is
// too small for more goroutines to help.
const maxWorkers = 16

// Pool dispatches batches over a fixed-size worker set backed by one
// storage backend.
type Pool struct {
	eng     *engine.Engine
	workers int
}

// NewPool builds a pool over the given backend. workers <= 0 selects
// runtime.NumCPU() capped at 16.
func NewPool(backend device.Backend, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > maxWorkers {
			workers = maxWorkers
		}
	}
	return &Pool{eng: engine.New(backend), workers: workers}
}

// Engine exposes the pool's engine for single-lane callers.
func (p *Pool) Engine() *engine.Engine { return p.eng }

// Run executes every lane of the batch and returns results in input order.
// Lanes are distributed across workers in contiguous chunks; each worker
// owns its chunk's results slots, so no locking is needed. Cancellation is
// checked between lanes only; a lane that has started runs to completion.
func (p *Pool) Run(ctx context.Context, batch Batch) []LaneResult {
	n := len(batch.Lanes)
	if n == 0 {
		return nil
	}
	start := time.Now()
	results := make([]LaneResult, n)

	workers := p.workers
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		if lo >= n {
			break
		}
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if err := ctx.Err(); err != nil {
					results[i] = LaneResult{Err: err}
					continue
				}
				results[i] = p.runLane(batch, batch.Lanes[i])
			}
		}(lo, hi)
	}
	wg.Wait()

	failed := 0
	for i := range results {
		if results[i].Err != nil {
			failed++
		}
	}
	lanesProcessed.WithLabelValues(batch.Op.String()).Add(float64(n - failed))
	lanesFailed.WithLabelValues(batch.Op.String()).Add(float64(failed))
	batchDuration.Observe(time.Since(start).Seconds())
	if failed > 0 {
		log.Warn().
			Str("op", batch.Op.String()).
			Str("variant", batch.Variant.String()).
			Int("lanes", n).
			Int("failed", failed).
			Msg("Batch completed with failed lanes")
	}
	return results
}

func (p *Pool) runLane(batch Batch, lane engine.Lane) LaneResult {
	switch batch.Op {
	case OpForward:
		logProb, err := p.eng.Forward(batch.Variant, lane)
		return LaneResult{Result: engine.Result{LogProb: logProb}, Err: err}
	case OpBest:
		res, err := p.eng.Best(batch.Variant, lane)
		return LaneResult{Result: res, Err: err}
	case OpLoss:
		res, err := p.eng.Loss(batch.Variant, lane, batch.Gradients)
		return LaneResult{Result: res, Err: err}
	case OpGreedy:
		var (
			res engine.Result
			err error
		)
		if batch.Variant == lattice.RNNT {
			res, err = p.eng.DecodeGreedyRNNT(lane, batch.MaxPerFrame)
		} else {
			res, err = p.eng.DecodeGreedy(lane)
		}
		return LaneResult{Result: res, Err: err}
	default:
		return LaneResult{Err: lattice.ErrInvalidInput}
	}
}
