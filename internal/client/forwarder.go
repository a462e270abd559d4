package client

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-archer/internal/engine"
)

// ErrCircuitOpen is returned when the breaker is rejecting traffic.
var ErrCircuitOpen = errors.New("client: circuit breaker open")

// Forwarder ships alignment results to a Longbow dataset, shedding load
// through a circuit breaker when the remote is unhealthy.
type Forwarder struct {
	fc      *FlightClient
	cb      *CircuitBreaker
	builder *RecordBatchBuilder
	dataset string
}

// NewForwarder connects to addr and targets the named dataset.
func NewForwarder(addr, dataset string, cb *CircuitBreaker) (*Forwarder, error) {
	fc, err := NewFlightClient(addr)
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		fc:      fc,
		cb:      cb,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
		dataset: dataset,
	}, nil
}

// Forward builds one record batch from the results and streams it out.
// Empty result sets are a no-op.
func (f *Forwarder) Forward(ctx context.Context, results []engine.Result) error {
	if !f.cb.Allow() {
		return ErrCircuitOpen
	}

	rec, err := f.builder.BuildAlignmentRecord(results)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	if err := f.fc.DoPut(ctx, f.dataset, rec); err != nil {
		f.cb.Failure()
		log.Warn().Err(err).Str("dataset", f.dataset).Msg("alignment forward failed")
		return err
	}

	f.cb.Success()
	return nil
}

// Close releases the underlying Flight connection.
func (f *Forwarder) Close() error {
	return f.fc.Close()
}
