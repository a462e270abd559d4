package main

import (
	"context"
	"flag"
	"math"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-archer/internal/cache"
	"github.com/23skdu/longbow-archer/internal/client"
	"github.com/23skdu/longbow-archer/internal/device"
	"github.com/23skdu/longbow-archer/internal/emission"
	"github.com/23skdu/longbow-archer/internal/engine"
	"github.com/23skdu/longbow-archer/internal/labels"
	"github.com/23skdu/longbow-archer/internal/lattice"
	"github.com/23skdu/longbow-archer/internal/sched"
)

var (
	vocabPath     = flag.String("vocab", "", "Path to vocab file (enables transcript encoding)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	devicePref    = flag.String("device", "cpu", "Compute device (cpu, cuda)")
	workers       = flag.Int("workers", 0, "Worker count for the lane pool (0 = NumCPU)")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "archer_alignments", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of concurrent lanes to admit")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	breakerTrips  = flag.Int("breaker-failures", 5, "Consecutive forward failures before the circuit opens")
	breakerReset  = flag.Duration("breaker-reset", 30*time.Second, "Cooldown before the circuit probes again")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	backend := selectBackend(*devicePref)
	pool := sched.NewPool(backend, *workers)
	log.Info().Str("backend", backend.Name()).Msg("Lane pool ready")

	var vocab *labels.Vocabulary
	if *vocabPath != "" {
		var err error
		vocab, err = labels.Load(*vocabPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *vocabPath).Msg("Failed to load vocab")
		}
		log.Info().Int("tokens", vocab.Size()).Int("blank", vocab.BlankID()).Msg("Vocab loaded")
	}

	var fwd *client.Forwarder
	if *serverAddr != "" {
		cb := client.NewCircuitBreaker(*breakerTrips, *breakerReset)
		var err error
		fwd, err = client.NewForwarder(*serverAddr, *datasetName, cb)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer fwd.Close()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Forwarding alignments to Longbow")
	}

	// Server mode
	if *listenAddr != "" {
		var fi ForwarderInterface
		if fwd != nil {
			fi = fwd
		}
		srv := NewServer(pool, vocab, fi, cache.NewMapCache(), *maxConcurrent)
		go startServer(*listenAddr, srv)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, pool)
		return
	}

	if *listenAddr != "" {
		select {}
	}

	if *duration > 0 {
		runSoak(pool, *duration)
		return
	}

	runDemo(pool, fwd)
}

// selectBackend honors the device flag but degrades to CPU when the
// binary was built without CUDA support.
func selectBackend(pref string) device.Backend {
	if device.ParsePlacement(pref) == device.CUDA {
		if device.CudaAvailable() {
			return device.NewCudaBackend()
		}
		log.Warn().Msg("CUDA requested but unavailable, falling back to CPU")
	}
	return device.NewCPUBackend()
}

// syntheticLane builds a peaked emission matrix whose Viterbi path is a
// clean left-to-right traversal of the labels. Used by demo and soak modes.
func syntheticLane(frames, vocabSize int, labelSeq []int) engine.Lane {
	sharp := math.Log(0.9)
	rest := math.Log(0.1 / float64(vocabSize-1))

	data := make([]float64, frames*vocabSize)
	for t := 0; t < frames; t++ {
		peak := 0 // blank
		if len(labelSeq) > 0 {
			idx := t * len(labelSeq) / frames
			peak = labelSeq[idx]
		}
		for v := 0; v < vocabSize; v++ {
			if v == peak {
				data[t*vocabSize+v] = sharp
			} else {
				data[t*vocabSize+v] = rest
			}
		}
	}

	m, err := emission.New(frames, vocabSize, data)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build synthetic emissions")
	}
	return engine.Lane{Emissions: m, Labels: labelSeq, BlankID: 0}
}

func runSoak(pool *sched.Pool, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	batch := sched.Batch{Variant: lattice.Align, Op: sched.OpBest}
	for i := 0; i < 64; i++ {
		batch.Lanes = append(batch.Lanes, syntheticLane(200+i, 32, []int{3, 7, 7, 12, 5}))
	}

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalLanes int64
	var iter int

	for time.Now().Before(endTime) {
		results := pool.Run(context.Background(), batch)
		for _, r := range results {
			if r.Err != nil {
				log.Error().Err(r.Err).Msg("Soak lane failed")
			}
		}

		totalLanes += int64(len(batch.Lanes))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			lps := float64(totalLanes) / elapsed.Seconds()
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_lanes", totalLanes).
				Float64("lanes_per_sec", lps).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_lanes", totalLanes).
		Dur("total_time", totalElapsed).
		Float64("avg_lanes_per_sec", float64(totalLanes)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

// runDemo aligns a small synthetic batch and either forwards the spans
// to Longbow or prints them.
func runDemo(pool *sched.Pool, fwd *client.Forwarder) {
	batch := sched.Batch{
		Variant: lattice.Align,
		Op:      sched.OpBest,
		Lanes: []engine.Lane{
			syntheticLane(20, 8, []int{2, 5, 3}),
			syntheticLane(35, 8, []int{1, 4, 4, 6}),
		},
	}

	start := time.Now()
	results := pool.Run(context.Background(), batch)
	elapsed := time.Since(start)

	ok := make([]engine.Result, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			log.Error().Err(r.Err).Int("lane", i).Msg("Alignment failed")
			continue
		}
		log.Info().
			Int("lane", i).
			Float64("log_prob", r.LogProb).
			Ints("tokens", r.Tokens).
			Int("spans", len(r.Spans)).
			Msg("Aligned")
		ok = append(ok, r.Result)
	}
	log.Info().Int("count", len(results)).Dur("elapsed", elapsed).Msg("Demo batch complete")

	if fwd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := fwd.Forward(ctx, ok); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent alignments to Longbow")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("archer"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
