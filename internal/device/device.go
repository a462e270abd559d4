// Package device provides storage backends for DP tables. The engine asks a
// Backend for score and backpointer buffers instead of allocating directly,
// so the CPU path can pool allocations and the CUDA path can hand out
// device-resident memory behind the same interface.
package device

// Placement tags where a lane's buffers (and its recursion) should live.
type Placement int

const (
	CPU Placement = iota
	CUDA
)

func (p Placement) String() string {
	switch p {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return "unknown"
	}
}

// ParsePlacement maps a request's device tag to a Placement. Unknown tags
// fall back to CPU.
func ParsePlacement(s string) Placement {
	if s == "cuda" || s == "gpu" {
		return CUDA
	}
	return CPU
}

// Backend creates and recycles DP-table buffers.
type Backend interface {
	Name() string
	Placement() Placement

	// GetScores returns a log-space accumulator buffer of length n with
	// every element set to the log-zero sentinel.
	GetScores(n int) []float64

	// PutScores returns a score buffer to the pool.
	PutScores(buf []float64)

	// GetBackptrs returns a zeroed backpointer buffer of length n.
	GetBackptrs(n int) []int32

	// PutBackptrs returns a backpointer buffer to the pool.
	PutBackptrs(buf []int32)

	// Synchronize blocks until all queued device work is complete.
	// The CPU backend is always synchronous.
	Synchronize()
}
