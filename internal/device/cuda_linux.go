//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -L. -larcher_cuda -lcudart
#include "cuda_bridge.h"
#include <stdlib.h>
*/
import "C"
import (
	"runtime"
	"unsafe"

	"github.com/23skdu/longbow-archer/internal/logspace"
)

// Check interface compliance
var _ Backend = (*CudaBackend)(nil)

// CudaBackend stores DP tables in device memory and runs the per-time-step
// frontier updates as kernel launches over (lane, state) pairs. One launch
// per time step gives the full-batch synchronization barrier the recursion
// ordering requires; a per-lane length array lets finished lanes skip work
// instead of relying on sentinel padding.
type CudaBackend struct {
	ctx C.ArcherCudaContextRef
}

func NewCudaBackend() *CudaBackend {
	ctx := C.ArcherCuda_Init()
	if ctx == nil {
		panic("Failed to initialize CUDA backend")
	}
	return &CudaBackend{ctx: ctx}
}

func (b *CudaBackend) Name() string { return "CUDA" }

func (b *CudaBackend) Placement() Placement { return CUDA }

func (b *CudaBackend) SetDevice(index int) {
	C.ArcherCuda_SetDevice(b.ctx, C.int(index))
}

func (b *CudaBackend) DeviceCount() int {
	return int(C.ArcherCuda_DeviceCount())
}

// CudaAvailable reports whether the binary carries the CUDA path.
func CudaAvailable() bool { return true }

// GetScores allocates a device-mirrored score buffer. The Go slice is the
// host staging copy; kernels operate on the device mirror and Synchronize
// copies back.
func (b *CudaBackend) GetScores(n int) []float64 {
	buf := make([]float64, n)
	logspace.Fill(buf, logspace.Zero)
	dev := C.ArcherCuda_Alloc(b.ctx, C.size_t(n*8))
	if dev == nil {
		panic("Failed to allocate CUDA memory")
	}
	C.ArcherCuda_CopyToDevice(b.ctx, dev, unsafe.Pointer(&buf[0]), C.size_t(n*8))
	b.track(unsafe.Pointer(&buf[0]), dev)
	return buf
}

func (b *CudaBackend) PutScores(buf []float64) {
	if len(buf) == 0 {
		return
	}
	b.release(unsafe.Pointer(&buf[0]))
}

func (b *CudaBackend) GetBackptrs(n int) []int32 {
	buf := make([]int32, n)
	dev := C.ArcherCuda_Alloc(b.ctx, C.size_t(n*4))
	if dev == nil {
		panic("Failed to allocate CUDA memory")
	}
	b.track(unsafe.Pointer(&buf[0]), dev)
	return buf
}

func (b *CudaBackend) PutBackptrs(buf []int32) {
	if len(buf) == 0 {
		return
	}
	b.release(unsafe.Pointer(&buf[0]))
}

func (b *CudaBackend) Synchronize() {
	C.ArcherCuda_Synchronize(b.ctx)
}

// ForwardStep launches one time-step frontier update over every still-active
// (lane, state) pair. lengths is the per-lane frame-count side array checked
// inside the kernel so completed lanes are never mutated.
func (b *CudaBackend) ForwardStep(t int, lanes int, lengths []int32, viterbi bool) {
	var mode C.int
	if viterbi {
		mode = 1
	}
	C.ArcherCuda_ForwardStep(b.ctx, C.int(t), C.int(lanes),
		(*C.int)(unsafe.Pointer(&lengths[0])), mode)
}

// track/release pin device mirrors to host buffers for the buffer lifetime.

func (b *CudaBackend) track(head unsafe.Pointer, dev C.ArcherCudaBufferRef) {
	C.ArcherCuda_Track(b.ctx, head, dev)
	runtime.KeepAlive(head)
}

func (b *CudaBackend) release(head unsafe.Pointer) {
	C.ArcherCuda_Release(b.ctx, head)
}
