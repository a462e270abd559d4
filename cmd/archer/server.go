package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-archer/internal/cache"
	"github.com/23skdu/longbow-archer/internal/client"
	"github.com/23skdu/longbow-archer/internal/emission"
	"github.com/23skdu/longbow-archer/internal/engine"
	"github.com/23skdu/longbow-archer/internal/labels"
	"github.com/23skdu/longbow-archer/internal/lattice"
	"github.com/23skdu/longbow-archer/internal/sched"
)

var (
	lanesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archer_lanes_received_total",
		Help: "The total number of lanes received over HTTP",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archer_request_duration_seconds",
		Help:    "Time spent processing alignment requests",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archer_alignment_cache_hits_total",
		Help: "Alignment requests answered from cache",
	})
)

// ForwarderInterface lets tests substitute the Longbow Flight forwarder.
type ForwarderInterface interface {
	Forward(ctx context.Context, results []engine.Result) error
	Close() error
}

var _ ForwarderInterface = (*client.Forwarder)(nil)

// laneRequest is one (emissions, labels) pair on the wire. Scores are the
// flattened row-major matrix; Logits selects row-wise log-softmax
// normalization for raw scores. Transcript is an alternative to Labels
// when the server was started with a vocab.
type laneRequest struct {
	Scores     []float64 `cbor:"scores"`
	Frames     int       `cbor:"frames"`
	VocabSize  int       `cbor:"vocab_size"`
	Labels     []int     `cbor:"labels,omitempty"`
	Transcript string    `cbor:"transcript,omitempty"`
	Blank      int       `cbor:"blank"`
	Logits     bool      `cbor:"logits,omitempty"`
}

type alignRequest struct {
	Variant   string        `cbor:"variant,omitempty"`
	Lanes     []laneRequest `cbor:"lanes"`
	Gradients bool          `cbor:"gradients,omitempty"`
	Greedy    bool          `cbor:"greedy,omitempty"`

	// MaxPerFrame caps label emissions per frame in greedy RNNT decoding.
	MaxPerFrame int `cbor:"max_per_frame,omitempty"`
}

// laneResponse mirrors engine.Result with a string error for the wire.
type laneResponse struct {
	LogProb    float64       `cbor:"log_prob"`
	Spans      []engine.Span `cbor:"spans,omitempty"`
	Tokens     []int         `cbor:"tokens,omitempty"`
	Text       string        `cbor:"text,omitempty"`
	Confidence []float64     `cbor:"confidence,omitempty"`
	Gradient   []float64     `cbor:"gradient,omitempty"`
	Error      string        `cbor:"error,omitempty"`
}

type Server struct {
	pool      *sched.Pool
	vocab     *labels.Vocabulary
	forwarder ForwarderInterface
	results   cache.AlignmentCache
	alloc     memory.Allocator
	keyPool   sync.Pool
	sem       *semaphore.Weighted
}

func NewServer(pool *sched.Pool, vocab *labels.Vocabulary, fwd ForwarderInterface, results cache.AlignmentCache, maxConcurrent int) *Server {
	return &Server{
		pool:      pool,
		vocab:     vocab,
		forwarder: fwd,
		results:   results,
		alloc:     memory.NewGoAllocator(),
		keyPool: sync.Pool{
			New: func() interface{} {
				return new(strings.Builder)
			},
		},
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, srv *Server) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/align", srv.handleAlign)
	http.HandleFunc("/align/arrow", srv.handleAlignArrow)
	http.HandleFunc("/decode", srv.handleDecode)
	http.HandleFunc("/loss", srv.handleLoss)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Archer Server")
	if srv.forwarder != nil {
		log.Info().Msg("Forwarding alignments to Longbow at specified server address")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("archer-server")

// recordLaneErrors annotates the request span with per-lane failures.
func recordLaneErrors(span trace.Span, results []sched.LaneResult) {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			span.RecordError(r.Err)
			failed++
		}
	}
	if failed > 0 {
		span.SetAttributes(attribute.Int("lanes_failed", failed))
	}
}

func parseVariant(s string) (lattice.Variant, error) {
	switch s {
	case "", "ctc":
		return lattice.CTC, nil
	case "align":
		return lattice.Align, nil
	case "rnnt":
		return lattice.RNNT, nil
	default:
		return 0, fmt.Errorf("unknown variant %q", s)
	}
}

// buildLane converts a wire lane into an engine lane. Transcripts are
// normalized and encoded when a vocab is present.
func (s *Server) buildLane(lr laneRequest) (engine.Lane, error) {
	if lr.VocabSize <= 0 {
		return engine.Lane{}, fmt.Errorf("vocab_size must be positive")
	}
	rows := len(lr.Scores) / lr.VocabSize
	if rows*lr.VocabSize != len(lr.Scores) {
		return engine.Lane{}, fmt.Errorf("scores length %d not divisible by vocab_size %d", len(lr.Scores), lr.VocabSize)
	}

	var m *emission.Matrix
	var err error
	if lr.Logits {
		m, err = emission.FromScores(rows, lr.VocabSize, lr.Scores)
	} else {
		m, err = emission.New(rows, lr.VocabSize, lr.Scores)
	}
	if err != nil {
		return engine.Lane{}, err
	}

	lbls := lr.Labels
	if lr.Transcript != "" {
		if s.vocab == nil {
			return engine.Lane{}, fmt.Errorf("transcript given but server has no vocab")
		}
		lbls, err = s.vocab.Encode(labels.Normalize(lr.Transcript))
		if err != nil {
			return engine.Lane{}, err
		}
	}

	frames := lr.Frames
	if frames == 0 {
		frames = rows
	}

	return engine.Lane{
		Emissions: m,
		Labels:    lbls,
		BlankID:   lr.Blank,
		Frames:    frames,
	}, nil
}

// cacheKey identifies a lane's computation: operation, emission digest,
// blank id, and the label sequence.
func (s *Server) cacheKey(op sched.Op, variant lattice.Variant, lane engine.Lane) string {
	b := s.keyPool.Get().(*strings.Builder)
	defer s.keyPool.Put(b)
	b.Reset()

	b.WriteString(op.String())
	b.WriteByte('|')
	b.WriteString(variant.String())
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(lane.Emissions.Digest(), 16))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(lane.BlankID))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(lane.Frames))
	for _, l := range lane.Labels {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(l))
	}
	return b.String()
}

// runBatch executes lanes through the pool with cache fill on the Best
// path. Gradient results are never cached; they dominate the entry size.
func (s *Server) runBatch(ctx context.Context, batch sched.Batch) []sched.LaneResult {
	cacheable := batch.Op == sched.OpBest && !batch.Gradients

	out := make([]sched.LaneResult, len(batch.Lanes))
	keys := make([]string, len(batch.Lanes))
	var misses []engine.Lane
	var missIdx []int

	if cacheable {
		for i, lane := range batch.Lanes {
			keys[i] = s.cacheKey(batch.Op, batch.Variant, lane)
			if res, ok := s.results.Get(keys[i]); ok {
				cacheHits.Inc()
				out[i] = sched.LaneResult{Result: res}
				continue
			}
			misses = append(misses, lane)
			missIdx = append(missIdx, i)
		}
	} else {
		misses = batch.Lanes
		missIdx = make([]int, len(batch.Lanes))
		for i := range missIdx {
			missIdx[i] = i
		}
	}

	if len(misses) > 0 {
		sub := batch
		sub.Lanes = misses
		for j, res := range s.pool.Run(ctx, sub) {
			i := missIdx[j]
			out[i] = res
			if cacheable && res.Err == nil {
				s.results.Put(keys[i], res.Result)
			}
		}
	}
	return out
}

func (s *Server) respond(w http.ResponseWriter, results []sched.LaneResult, withText bool) {
	resp := make([]laneResponse, len(results))
	for i, r := range results {
		resp[i] = laneResponse{
			LogProb:    r.LogProb,
			Spans:      r.Spans,
			Tokens:     r.Tokens,
			Confidence: r.Confidence,
			Gradient:   r.Gradient,
		}
		if r.Err != nil {
			resp[i].Error = r.Err.Error()
		}
		if withText && s.vocab != nil && len(r.Tokens) > 0 {
			parts := make([]string, len(r.Tokens))
			for j, tok := range r.Tokens {
				parts[j] = s.vocab.Token(tok)
			}
			resp[i].Text = strings.Join(parts, "")
		}
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// serve is the common handler body: decode, admit, run, respond, forward.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, spanName string, build func(alignRequest) (sched.Batch, error), withText bool) {
	ctx, span := tracer.Start(r.Context(), spanName)
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req alignRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	if len(req.Lanes) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	span.SetAttributes(attribute.Int("lane_count", len(req.Lanes)))

	batch, err := build(req)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	// Admission control
	weight := int64(len(batch.Lanes))
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	lanesReceived.Add(float64(len(batch.Lanes)))
	results := s.runBatch(ctx, batch)
	recordLaneErrors(span, results)

	if s.forwarder != nil && batch.Op == sched.OpBest {
		ok := make([]engine.Result, 0, len(results))
		for _, res := range results {
			if res.Err == nil {
				ok = append(ok, res.Result)
			}
		}
		if err := s.forwarder.Forward(ctx, ok); err != nil {
			log.Error().Err(err).Msg("Error forwarding alignments to Longbow")
		}
	}

	s.respond(w, results, withText)
}

// handleAlign runs forced alignment: Viterbi path plus spans per lane.
func (s *Server) handleAlign(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "handleAlign", func(req alignRequest) (sched.Batch, error) {
		batch := sched.Batch{Variant: lattice.Align, Op: sched.OpBest}
		if req.Variant == "rnnt" {
			batch.Variant = lattice.RNNT
		}
		for _, lr := range req.Lanes {
			lane, err := s.buildLane(lr)
			if err != nil {
				return sched.Batch{}, err
			}
			batch.Lanes = append(batch.Lanes, lane)
		}
		return batch, nil
	}, false)
}

// handleDecode runs label-free decoding: greedy by default, Viterbi
// alignment of the greedy hypothesis is the caller's next call.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "handleDecode", func(req alignRequest) (sched.Batch, error) {
		batch := sched.Batch{Variant: lattice.CTC, Op: sched.OpGreedy, MaxPerFrame: req.MaxPerFrame}
		if req.Variant == "rnnt" {
			batch.Variant = lattice.RNNT
		}
		for _, lr := range req.Lanes {
			lane, err := s.buildLane(lr)
			if err != nil {
				return sched.Batch{}, err
			}
			batch.Lanes = append(batch.Lanes, lane)
		}
		return batch, nil
	}, true)
}

// handleLoss runs the training-side path: negative log-likelihood and,
// when requested, gradients w.r.t. the log emissions.
func (s *Server) handleLoss(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "handleLoss", func(req alignRequest) (sched.Batch, error) {
		variant, err := parseVariant(req.Variant)
		if err != nil {
			return sched.Batch{}, err
		}
		if variant == lattice.Align {
			return sched.Batch{}, fmt.Errorf("loss requires variant ctc or rnnt")
		}
		batch := sched.Batch{Variant: variant, Op: sched.OpLoss, Gradients: req.Gradients}
		for _, lr := range req.Lanes {
			lane, err := s.buildLane(lr)
			if err != nil {
				return sched.Batch{}, err
			}
			batch.Lanes = append(batch.Lanes, lane)
		}
		return batch, nil
	}, false)
}

// handleAlignArrow ingests an Arrow IPC stream of lanes and streams the
// resulting alignment spans back as Arrow IPC. Expected schema per batch:
// scores list<float64>, vocab_size int64, labels list<int64>, blank int64.
func (s *Server) handleAlignArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleAlignArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var all []sched.LaneResult
	for reader.Next() {
		lanes, err := lanesFromRecord(reader.Record())
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad record batch: %v", err), http.StatusBadRequest)
			return
		}
		if len(lanes) == 0 {
			continue
		}

		weight := int64(len(lanes))
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		lanesReceived.Add(float64(len(lanes)))
		results := s.runBatch(ctx, sched.Batch{Variant: lattice.Align, Op: sched.OpBest, Lanes: lanes})
		s.sem.Release(weight)

		all = append(all, results...)
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusInternalServerError)
		return
	}

	recordLaneErrors(span, all)

	ok := make([]engine.Result, 0, len(all))
	for _, res := range all {
		if res.Err != nil {
			log.Warn().Err(res.Err).Msg("Lane failed in arrow batch")
			continue
		}
		ok = append(ok, res.Result)
	}

	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, ok); err != nil {
			log.Error().Err(err).Msg("Error forwarding alignments to Longbow")
		}
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildAlignmentRecord(ok)
	if err != nil {
		http.Error(w, "Failed to build response batch", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(client.AlignmentSchema), ipc.WithAllocator(s.alloc))
	defer writer.Close()
	if rec != nil {
		defer rec.Release()
		if err := writer.Write(rec); err != nil {
			log.Error().Err(err).Msg("Failed to write arrow response")
		}
	}
}

// lanesFromRecord decodes one ingestion record batch into engine lanes.
func lanesFromRecord(rec arrow.Record) ([]engine.Lane, error) {
	scoresCol, err := listColumn(rec, "scores")
	if err != nil {
		return nil, err
	}
	labelsCol, err := listColumn(rec, "labels")
	if err != nil {
		return nil, err
	}
	vocabCol, err := int64Column(rec, "vocab_size")
	if err != nil {
		return nil, err
	}
	blankCol, err := int64Column(rec, "blank")
	if err != nil {
		return nil, err
	}

	scoreVals, ok := scoresCol.ListValues().(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("scores must be list<float64>")
	}
	labelVals, ok := labelsCol.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("labels must be list<int64>")
	}

	lanes := make([]engine.Lane, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		vocabSize := int(vocabCol.Value(i))
		if vocabSize <= 0 {
			return nil, fmt.Errorf("row %d: vocab_size must be positive", i)
		}

		so, se := scoresCol.ValueOffsets(i)
		// Copy out of the Arrow buffer: the matrix owns its data.
		scores := append([]float64(nil), scoreVals.Float64Values()[so:se]...)
		if len(scores)%vocabSize != 0 {
			return nil, fmt.Errorf("row %d: scores length %d not divisible by vocab_size %d", i, len(scores), vocabSize)
		}
		frames := len(scores) / vocabSize

		m, err := emission.New(frames, vocabSize, scores)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		lo, le := labelsCol.ValueOffsets(i)
		lbls := make([]int, 0, le-lo)
		for _, v := range labelVals.Int64Values()[lo:le] {
			lbls = append(lbls, int(v))
		}

		lanes = append(lanes, engine.Lane{
			Emissions: m,
			Labels:    lbls,
			BlankID:   int(blankCol.Value(i)),
			Frames:    frames,
		})
	}
	return lanes, nil
}

func listColumn(rec arrow.Record, name string) (*array.List, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("missing column %q", name)
	}
	col, ok := rec.Column(indices[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column %q is not a list", name)
	}
	return col, nil
}

func int64Column(rec arrow.Record, name string) (*array.Int64, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("missing column %q", name)
	}
	col, ok := rec.Column(indices[0]).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("column %q is not int64", name)
	}
	return col, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
