package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-archer/internal/device"
	"github.com/23skdu/longbow-archer/internal/emission"
	"github.com/23skdu/longbow-archer/internal/lattice"
	"github.com/23skdu/longbow-archer/internal/logspace"
)

func testEngine() *Engine {
	return New(device.NewCPUBackend())
}

// logSoftmaxLane builds a lane from raw scores.
func logSoftmaxLane(t *testing.T, rows, cols int, scores []float64, labels []int, blank int) Lane {
	t.Helper()
	m, err := emission.FromScores(rows, cols, scores)
	if err != nil {
		t.Fatal(err)
	}
	return Lane{Emissions: m, Labels: labels, BlankID: blank}
}

// bruteForceCTC enumerates every frame-level labeling of length T, keeps
// those that collapse (drop blanks, merge repeats) to the target labels,
// and reduces their path scores. Exponential, only for tiny lattices.
func bruteForceCTC(m *emission.Matrix, labels []int, blank int, viterbi bool) float64 {
	T, V := m.Dims()
	if T == 0 {
		if len(labels) == 0 {
			return 0
		}
		return logspace.Zero
	}
	best := logspace.Zero
	total := logspace.Zero
	frame := make([]int, T)
	var walk func(t int, score float64)
	walk = func(t int, score float64) {
		if t == T {
			if !collapsesTo(frame, labels, blank) {
				return
			}
			if score > best {
				best = score
			}
			total = logspace.Add(total, score)
			return
		}
		for v := 0; v < V; v++ {
			frame[t] = v
			walk(t+1, score+m.At(t, v))
		}
	}
	walk(0, 0)
	if viterbi {
		return best
	}
	return total
}

func collapsesTo(frames, labels []int, blank int) bool {
	out := []int{}
	prev := -1
	for _, v := range frames {
		if v != blank && v != prev {
			out = append(out, v)
		}
		prev = v
	}
	if len(out) != len(labels) {
		return false
	}
	for i := range out {
		if out[i] != labels[i] {
			return false
		}
	}
	return true
}

func TestForward_MatchesBruteForce(t *testing.T) {
	eng := testEngine()
	cases := []struct {
		name   string
		t, v   int
		labels []int
	}{
		{"Simple", 4, 3, []int{0, 1}},
		{"SingleLabel", 3, 2, []int{0}},
		{"Repeated", 5, 3, []int{0, 0}},
		{"Empty", 3, 3, nil},
		{"TightFit", 2, 3, []int{0, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scores := pseudoScores(tc.t * tc.v)
			lane := logSoftmaxLane(t, tc.t, tc.v, scores, tc.labels, tc.v-1)

			got, err := eng.Forward(lattice.CTC, lane)
			if err != nil {
				t.Fatal(err)
			}
			want := bruteForceCTC(lane.Emissions, tc.labels, tc.v-1, false)
			if math.Abs(got-want) > 1e-9 {
				t.Errorf("forward = %v, brute force = %v", got, want)
			}
		})
	}
}

func TestBest_MatchesBruteForce(t *testing.T) {
	eng := testEngine()
	for _, labels := range [][]int{{0, 1}, {1}, {0, 0}, nil} {
		scores := pseudoScores(5 * 3)
		lane := logSoftmaxLane(t, 5, 3, scores, labels, 2)

		res, err := eng.Best(lattice.Align, lane)
		if err != nil {
			t.Fatal(err)
		}
		want := bruteForceCTC(lane.Emissions, labels, 2, true)
		if math.Abs(res.LogProb-want) > 1e-9 {
			t.Errorf("labels %v: viterbi = %v, brute force = %v", labels, res.LogProb, want)
		}
	}
}

func TestBest_SpansPartitionFrames(t *testing.T) {
	eng := testEngine()
	scores := pseudoScores(6 * 4)
	lane := logSoftmaxLane(t, 6, 4, scores, []int{0, 2, 1}, 3)

	res, err := eng.Best(lattice.Align, lane)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Spans) == 0 {
		t.Fatal("no spans")
	}
	if res.Spans[0].Start != 0 {
		t.Errorf("first span starts at %d, want 0", res.Spans[0].Start)
	}
	for i := 1; i < len(res.Spans); i++ {
		if res.Spans[i].Start != res.Spans[i-1].End {
			t.Errorf("gap or overlap between spans %d and %d: %v %v",
				i-1, i, res.Spans[i-1], res.Spans[i])
		}
	}
	if last := res.Spans[len(res.Spans)-1]; last.End != 6 {
		t.Errorf("last span ends at %d, want 6", last.End)
	}
	// Non-blank tokens reproduce the label sequence in order.
	if len(res.Tokens) != 3 || res.Tokens[0] != 0 || res.Tokens[1] != 2 || res.Tokens[2] != 1 {
		t.Errorf("tokens = %v, want [0 2 1]", res.Tokens)
	}
}

func TestBest_PeakedExample(t *testing.T) {
	// T=5, V=3 (a=0, b=1, blank=2), peaked on [a, blank, b, blank, blank],
	// labels [a b]. The Viterbi path must put a on frame 0 and b on frame 2.
	eng := testEngine()
	peak := func(v int) []float64 {
		row := []float64{-8, -8, -8}
		row[v] = 0
		return row
	}
	var scores []float64
	for _, v := range []int{0, 2, 1, 2, 2} {
		scores = append(scores, peak(v)...)
	}
	lane := logSoftmaxLane(t, 5, 3, scores, []int{0, 1}, 2)

	res, err := eng.Best(lattice.Align, lane)
	if err != nil {
		t.Fatal(err)
	}

	var aSpan, bSpan *Span
	for i := range res.Spans {
		switch res.Spans[i].Token {
		case 0:
			aSpan = &res.Spans[i]
		case 1:
			bSpan = &res.Spans[i]
		}
	}
	if aSpan == nil || bSpan == nil {
		t.Fatalf("missing label spans in %v", res.Spans)
	}
	if aSpan.Start != 0 || aSpan.End != 1 {
		t.Errorf("a span = %v, want [0,1)", *aSpan)
	}
	if bSpan.Start != 2 {
		t.Errorf("b span = %v, want start 2", *bSpan)
	}
	// Score is dominated by the five peaked frame probabilities.
	want := bruteForceCTC(lane.Emissions, []int{0, 1}, 2, true)
	if math.Abs(res.LogProb-want) > 1e-9 {
		t.Errorf("score = %v, brute force = %v", res.LogProb, want)
	}
}

func TestBest_TieBreakIsReproducible(t *testing.T) {
	// A perfectly uniform emission matrix makes every path score equal;
	// the result must still be identical across runs.
	eng := testEngine()
	uniform := make([]float64, 6*3)
	lane := logSoftmaxLane(t, 6, 3, uniform, []int{0, 1}, 2)

	first, err := eng.Best(lattice.Align, lane)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := eng.Best(lattice.Align, lane)
		if err != nil {
			t.Fatal(err)
		}
		if again.LogProb != first.LogProb || len(again.Spans) != len(first.Spans) {
			t.Fatal("tie-broken result changed between runs")
		}
		for j := range again.Spans {
			if again.Spans[j] != first.Spans[j] {
				t.Fatalf("span %d changed: %v vs %v", j, again.Spans[j], first.Spans[j])
			}
		}
	}
}

func TestForward_EmptyLabels(t *testing.T) {
	// L=0 with T>0: total probability is the all-blank mass.
	eng := testEngine()
	scores := pseudoScores(3 * 3)
	lane := logSoftmaxLane(t, 3, 3, scores, nil, 2)

	got, err := eng.Forward(lattice.CTC, lane)
	if err != nil {
		t.Fatal(err)
	}
	want := lane.Emissions.At(0, 2) + lane.Emissions.At(1, 2) + lane.Emissions.At(2, 2)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("empty-label forward = %v, want all-blank mass %v", got, want)
	}
}

func TestForward_DegenerateEmpty(t *testing.T) {
	eng := testEngine()
	m, err := emission.New(0, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := eng.Forward(lattice.CTC, Lane{Emissions: m, BlankID: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("T=0 L=0 forward = %v, want 0 (log 1)", got)
	}
}

func TestForward_Infeasible(t *testing.T) {
	eng := testEngine()
	scores := pseudoScores(2 * 3)
	lane := logSoftmaxLane(t, 2, 3, scores, []int{0, 1, 0}, 2)

	_, err := eng.Forward(lattice.CTC, lane)
	if !errors.Is(err, lattice.ErrInfeasible) {
		t.Errorf("L>T: want ErrInfeasible, got %v", err)
	}
}

func TestForward_InvalidInput(t *testing.T) {
	eng := testEngine()
	scores := pseudoScores(4 * 3)
	lane := logSoftmaxLane(t, 4, 3, scores, []int{0, 7}, 2)

	_, err := eng.Forward(lattice.CTC, lane)
	if !errors.Is(err, lattice.ErrInvalidInput) {
		t.Errorf("token out of range: want ErrInvalidInput, got %v", err)
	}
}

func TestDecodeGreedy(t *testing.T) {
	eng := testEngine()
	peak := func(v int) []float64 {
		row := []float64{-8, -8, -8}
		row[v] = 0
		return row
	}
	var scores []float64
	for _, v := range []int{0, 0, 2, 1, 1} {
		scores = append(scores, peak(v)...)
	}
	lane := logSoftmaxLane(t, 5, 3, scores, nil, 2)

	res, err := eng.DecodeGreedy(lane)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tokens) != 2 || res.Tokens[0] != 0 || res.Tokens[1] != 1 {
		t.Errorf("tokens = %v, want [0 1]", res.Tokens)
	}
	if len(res.Confidence) != 2 {
		t.Fatalf("confidence = %v, want 2 entries", res.Confidence)
	}
	for _, c := range res.Confidence {
		if c <= 0.9 || c > 1 {
			t.Errorf("confidence %v outside (0.9, 1]", c)
		}
	}
}

// pseudoScores produces a deterministic, non-uniform score pattern.
func pseudoScores(n int) []float64 {
	out := make([]float64, n)
	x := uint64(88172645463325252)
	for i := range out {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = float64(x%1000)/250.0 - 2.0
	}
	return out
}
