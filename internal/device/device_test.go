package device

import (
	"testing"

	"github.com/23skdu/longbow-archer/internal/logspace"
)

func TestCPUBackend_Scores(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("FilledWithLogZero", func(t *testing.T) {
		buf := backend.GetScores(16)
		if len(buf) != 16 {
			t.Fatalf("len = %d, want 16", len(buf))
		}
		for i, v := range buf {
			if !logspace.IsZero(v) {
				t.Fatalf("buf[%d] = %v, want log-zero", i, v)
			}
		}
		backend.PutScores(buf)
	})

	t.Run("ReuseResetsContents", func(t *testing.T) {
		buf := backend.GetScores(8)
		for i := range buf {
			buf[i] = float64(i)
		}
		backend.PutScores(buf)

		again := backend.GetScores(8)
		for i, v := range again {
			if !logspace.IsZero(v) {
				t.Fatalf("recycled buf[%d] = %v, want log-zero", i, v)
			}
		}
		backend.PutScores(again)
	})

	t.Run("GrowsBeyondPooledCap", func(t *testing.T) {
		small := backend.GetScores(4)
		backend.PutScores(small)
		big := backend.GetScores(1024)
		if len(big) != 1024 {
			t.Fatalf("len = %d, want 1024", len(big))
		}
		backend.PutScores(big)
	})
}

func TestCPUBackend_Backptrs(t *testing.T) {
	backend := NewCPUBackend()

	buf := backend.GetBackptrs(10)
	for i := range buf {
		buf[i] = int32(i + 1)
	}
	backend.PutBackptrs(buf)

	again := backend.GetBackptrs(10)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("recycled backptr[%d] = %d, want 0", i, v)
		}
	}
	backend.PutBackptrs(again)
}

func TestParsePlacement(t *testing.T) {
	cases := map[string]Placement{
		"cpu": CPU, "cuda": CUDA, "gpu": CUDA, "": CPU, "tpu": CPU,
	}
	for in, want := range cases {
		if got := ParsePlacement(in); got != want {
			t.Errorf("ParsePlacement(%q) = %v, want %v", in, got, want)
		}
	}
}
