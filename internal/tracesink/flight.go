package tracesink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/emberml/ember/internal/logger"
	"github.com/emberml/ember/internal/metrics"
)

// FlightSink ships step batches to an Arrow Flight collector over
// gRPC. Connections are plaintext; the collector is expected to sit
// on a local or otherwise trusted network.
type FlightSink struct {
	addr    string
	path    []string
	timeout time.Duration
	client  flight.Client
	log     *logger.Logger
}

// NewFlightSink dials addr (host:port). path names the Flight
// descriptor the collector files batches under.
func NewFlightSink(addr string, path ...string) (*FlightSink, error) {
	if len(path) == 0 {
		path = []string{"ember", "trace"}
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &FlightSink{
		addr:    addr,
		path:    path,
		timeout: 30 * time.Second,
		client:  client,
		log:     logger.Component("tracesink"),
	}, nil
}

func (f *FlightSink) Publish(ctx context.Context, steps []StepRecord) error {
	if len(steps) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	stream, err := f.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight doput: %w", err)
	}

	rec := NewRecord(memory.DefaultAllocator, steps)
	defer rec.Release()

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: f.path,
	})
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("flight write: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("flight close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight close send: %w", err)
	}
	// Drain the server acknowledgement so the put is fully settled
	// before the session tears down.
	if _, err := stream.Recv(); err != nil && !errors.Is(err, io.EOF) {
		f.log.Debug("flight ack", "error", err.Error())
	}

	metrics.TraceRecordsPublished.Add(float64(len(steps)))
	f.log.Debug("trace batch published", "addr", f.addr, "steps", len(steps))
	return nil
}

func (f *FlightSink) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
