package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"

	"github.com/23skdu/longbow-archer/internal/engine"
	"github.com/23skdu/longbow-archer/internal/lattice"
)

func TestBuildAlignmentRecord(t *testing.T) {
	pool := memory.NewGoAllocator()
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rec, err := builder.BuildAlignmentRecord(nil)
		assert.NoError(t, err)
		assert.Nil(t, rec)

		rec, err = builder.BuildAlignmentRecord([]engine.Result{{LogProb: -1.0}})
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("Two lanes", func(t *testing.T) {
		results := []engine.Result{
			{
				LogProb: -2.5,
				Spans: []engine.Span{
					{Token: lattice.Blank, Start: 0, End: 2},
					{Token: 4, Start: 2, End: 5},
				},
			},
			{
				LogProb: -0.25,
				Spans: []engine.Span{
					{Token: 7, Start: 0, End: 3},
				},
			},
		}

		rec, err := builder.BuildAlignmentRecord(results)
		assert.NoError(t, err)
		assert.NotNil(t, rec)
		defer rec.Release()

		assert.Equal(t, int64(3), rec.NumRows())
		assert.Equal(t, int64(5), rec.NumCols())
		assert.Equal(t, "lane", rec.ColumnName(0))
		assert.Equal(t, "log_prob", rec.ColumnName(4))

		lanes := rec.Column(0).(*array.Int64)
		assert.Equal(t, []int64{0, 0, 1}, lanes.Int64Values())

		tokens := rec.Column(1).(*array.Int64)
		assert.Equal(t, []int64{-1, 4, 7}, tokens.Int64Values())

		starts := rec.Column(2).(*array.Int64)
		ends := rec.Column(3).(*array.Int64)
		assert.Equal(t, []int64{0, 2, 0}, starts.Int64Values())
		assert.Equal(t, []int64{2, 5, 3}, ends.Int64Values())

		probs := rec.Column(4).(*array.Float64)
		assert.Equal(t, -2.5, probs.Value(0))
		assert.Equal(t, -2.5, probs.Value(1))
		assert.Equal(t, -0.25, probs.Value(2))
	})
}
