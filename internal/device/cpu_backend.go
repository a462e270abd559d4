package device

import (
	"sync"

	"github.com/23skdu/longbow-archer/internal/logspace"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// CPUBackend hands out pooled host-memory buffers. DP tables are short-lived
// and sized by the lane, so pooling avoids re-allocating the common sizes on
// every batch.
type CPUBackend struct {
	scorePool sync.Pool
	bpPool    sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		scorePool: sync.Pool{
			New: func() interface{} { return []float64(nil) },
		},
		bpPool: sync.Pool{
			New: func() interface{} { return []int32(nil) },
		},
	}
}

func (b *CPUBackend) Name() string { return "CPU" }

func (b *CPUBackend) Placement() Placement { return CPU }

func (b *CPUBackend) GetScores(n int) []float64 {
	buf, _ := b.scorePool.Get().([]float64)
	if cap(buf) < n {
		buf = make([]float64, n)
		poolMisses.Inc()
	} else {
		buf = buf[:n]
		poolHits.Inc()
	}
	logspace.Fill(buf, logspace.Zero)
	return buf
}

func (b *CPUBackend) PutScores(buf []float64) {
	if buf == nil {
		return
	}
	b.scorePool.Put(buf[:0])
}

func (b *CPUBackend) GetBackptrs(n int) []int32 {
	buf, _ := b.bpPool.Get().([]int32)
	if cap(buf) < n {
		buf = make([]int32, n)
		poolMisses.Inc()
	} else {
		buf = buf[:n]
		poolHits.Inc()
		for i := range buf {
			buf[i] = 0
		}
	}
	return buf
}

func (b *CPUBackend) PutBackptrs(buf []int32) {
	if buf == nil {
		return
	}
	b.bpPool.Put(buf[:0])
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}
