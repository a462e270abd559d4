//go:build !cuda

package device

// CudaBackend is unavailable without the cuda build tag.
type CudaBackend struct{}

func NewCudaBackend() Backend {
	panic("CUDA backend is not supported on this platform. Build with -tags cuda on Linux.")
}

func (b *CudaBackend) SetDevice(index int) {
	panic("Not implemented on this platform")
}

func (b *CudaBackend) DeviceCount() int {
	return 0
}

// CudaAvailable reports whether the binary carries the CUDA path.
func CudaAvailable() bool { return false }
