package main

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-archer/internal/client"
	"github.com/23skdu/longbow-archer/internal/engine"
	"github.com/23skdu/longbow-archer/internal/lattice"
	"github.com/23skdu/longbow-archer/internal/sched"
)

// ArcherFlightServer accepts lane batches over Arrow Flight. DoExchange
// aligns each uploaded batch and streams span batches back; DoPut aligns
// and discards the output (fire-and-forget ingestion).
type ArcherFlightServer struct {
	flight.BaseFlightServer
	pool  *sched.Pool
	alloc memory.Allocator
}

func NewArcherFlightServer(pool *sched.Pool) *ArcherFlightServer {
	return &ArcherFlightServer{
		pool:  pool,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *ArcherFlightServer) align(ctx context.Context, reader *flight.Reader) ([]sched.LaneResult, error) {
	var all []sched.LaneResult
	for reader.Next() {
		lanes, err := lanesFromRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		if len(lanes) == 0 {
			continue
		}
		results := s.pool.Run(ctx, sched.Batch{Variant: lattice.Align, Op: sched.OpBest, Lanes: lanes})
		all = append(all, results...)
	}
	return all, reader.Err()
}

func (s *ArcherFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	results, err := s.align(stream.Context(), reader)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info().Int("lanes", len(results)).Int("failed", failed).Msg("DoPut batch aligned")
	return nil
}

func (s *ArcherFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	results, err := s.align(stream.Context(), reader)
	if err != nil {
		return err
	}

	ok := make([]engine.Result, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			log.Warn().Err(r.Err).Msg("Lane failed in exchange batch")
			continue
		}
		ok = append(ok, r.Result)
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildAlignmentRecord(ok)
	if err != nil {
		return fmt.Errorf("building span batch: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.AlignmentSchema), ipc.WithAllocator(s.alloc))
	defer writer.Close()
	if rec != nil {
		defer rec.Release()
		if err := writer.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func StartFlightServer(addr string, pool *sched.Pool) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewArcherFlightServer(pool))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Archer Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
