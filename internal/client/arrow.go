package client

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-archer/internal/engine"
)

// AlignmentSchema is the wire schema for alignment spans shipped to a
// Longbow server. One row per span; blank spans carry token = -1.
var AlignmentSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "lane", Type: arrow.PrimitiveTypes.Int64},
		{Name: "token", Type: arrow.PrimitiveTypes.Int64},
		{Name: "start", Type: arrow.PrimitiveTypes.Int64},
		{Name: "end", Type: arrow.PrimitiveTypes.Int64},
		{Name: "log_prob", Type: arrow.PrimitiveTypes.Float64},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from alignment results.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildAlignmentRecord flattens per-lane results into a single batch.
// Lane indices follow the order of the input slice. Lanes without spans
// contribute no rows. Returns nil when there is nothing to ship.
func (b *RecordBatchBuilder) BuildAlignmentRecord(results []engine.Result) (arrow.Record, error) {
	total := 0
	for _, r := range results {
		total += len(r.Spans)
	}
	if total == 0 {
		return nil, nil
	}

	laneB := array.NewInt64Builder(b.mem)
	defer laneB.Release()
	tokenB := array.NewInt64Builder(b.mem)
	defer tokenB.Release()
	startB := array.NewInt64Builder(b.mem)
	defer startB.Release()
	endB := array.NewInt64Builder(b.mem)
	defer endB.Release()
	probB := array.NewFloat64Builder(b.mem)
	defer probB.Release()

	for lane, r := range results {
		for _, sp := range r.Spans {
			laneB.Append(int64(lane))
			tokenB.Append(int64(sp.Token))
			startB.Append(int64(sp.Start))
			endB.Append(int64(sp.End))
			probB.Append(r.LogProb)
		}
	}

	cols := []arrow.Array{
		laneB.NewArray(),
		tokenB.NewArray(),
		startB.NewArray(),
		endB.NewArray(),
		probB.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(AlignmentSchema, cols, int64(total)), nil
}
