package client

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-archer/internal/engine"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	recordsReceived []arrow.Record
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.recordsReceived = append(s.recordsReceived, rec)
	}
	return nil
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()

	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	err := server.Init("localhost:0")
	require.NoError(t, err)

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)

	return mockServer, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	_, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	rec, err := builder.BuildAlignmentRecord([]engine.Result{
		{LogProb: -1.5, Spans: []engine.Span{{Token: 2, Start: 0, End: 4}}},
	})
	require.NoError(t, err)
	defer rec.Release()

	err = client.DoPut(context.Background(), "alignments", rec)
	assert.NoError(t, err)
}

func TestForwarder(t *testing.T) {
	_, addr := startMockServer(t)

	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	fwd, err := NewForwarder(addr, "alignments", cb)
	require.NoError(t, err)
	defer fwd.Close()

	results := []engine.Result{
		{LogProb: -0.5, Spans: []engine.Span{{Token: 1, Start: 0, End: 2}}},
	}

	err = fwd.Forward(context.Background(), results)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())

	// Nothing to ship: no stream is opened, so no breaker activity.
	err = fwd.Forward(context.Background(), []engine.Result{{LogProb: -1.0}})
	assert.NoError(t, err)
}

func TestForwarder_CircuitOpen(t *testing.T) {
	_, addr := startMockServer(t)

	cb := NewCircuitBreaker(1, time.Hour)
	fwd, err := NewForwarder(addr, "alignments", cb)
	require.NoError(t, err)
	defer fwd.Close()

	cb.Failure()
	require.Equal(t, StateOpen, cb.State())

	err = fwd.Forward(context.Background(), []engine.Result{
		{Spans: []engine.Span{{Token: 1, Start: 0, End: 1}}},
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
