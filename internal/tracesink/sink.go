// Package tracesink exports per-step generation traces as Arrow
// record batches. A sink receives one batch per finished session;
// the Flight implementation ships batches to an external collector.
package tracesink

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// StepRecord is one forward step: one prompt position during prefill
// or one emitted token during decode.
type StepRecord struct {
	Phase      string
	Position   int32
	Token      int32
	BestLogit  float32
	DurationUS int64
}

// Sink consumes step batches. Publish must tolerate being called once
// per session with the whole session's steps.
type Sink interface {
	Publish(ctx context.Context, steps []StepRecord) error
	Close() error
}

// Schema is the Arrow schema every published batch uses.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "phase", Type: arrow.BinaryTypes.String},
		{Name: "position", Type: arrow.PrimitiveTypes.Int32},
		{Name: "token", Type: arrow.PrimitiveTypes.Int32},
		{Name: "best_logit", Type: arrow.PrimitiveTypes.Float32},
		{Name: "duration_us", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

// NewRecord builds one Arrow record from a step batch. The caller
// owns the returned record and must Release it.
func NewRecord(pool memory.Allocator, steps []StepRecord) arrow.Record {
	if pool == nil {
		pool = memory.DefaultAllocator
	}
	bld := array.NewRecordBuilder(pool, Schema())
	defer bld.Release()

	phase := bld.Field(0).(*array.StringBuilder)
	position := bld.Field(1).(*array.Int32Builder)
	token := bld.Field(2).(*array.Int32Builder)
	bestLogit := bld.Field(3).(*array.Float32Builder)
	duration := bld.Field(4).(*array.Int64Builder)

	for _, s := range steps {
		phase.Append(s.Phase)
		position.Append(s.Position)
		token.Append(s.Token)
		bestLogit.Append(s.BestLogit)
		duration.Append(s.DurationUS)
	}
	return bld.NewRecord()
}

// MockSink records published batches in memory for tests.
type MockSink struct {
	mu      sync.Mutex
	batches [][]StepRecord
	closed  bool
}

func NewMockSink() *MockSink { return &MockSink{} }

func (m *MockSink) Publish(_ context.Context, steps []StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]StepRecord, len(steps))
	copy(batch, steps)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockSink) Batches() [][]StepRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]StepRecord, len(m.batches))
	copy(out, m.batches)
	return out
}

func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
