package tracesink

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func sampleSteps() []StepRecord {
	return []StepRecord{
		{Phase: "prefill", Position: 0, Token: 1, BestLogit: 0.4, DurationUS: 120},
		{Phase: "prefill", Position: 1, Token: 2, BestLogit: 1.7, DurationUS: 95},
		{Phase: "decode", Position: 2, Token: 17, BestLogit: -0.3, DurationUS: 340},
	}
}

func TestNewRecordRoundTrip(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer pool.AssertSize(t, 0)

	steps := sampleSteps()
	rec := NewRecord(pool, steps)
	defer rec.Release()

	if rec.NumRows() != int64(len(steps)) {
		t.Fatalf("rows = %d, want %d", rec.NumRows(), len(steps))
	}
	if !rec.Schema().Equal(Schema()) {
		t.Fatalf("schema mismatch: %v", rec.Schema())
	}

	phase := rec.Column(0).(*array.String)
	position := rec.Column(1).(*array.Int32)
	token := rec.Column(2).(*array.Int32)
	bestLogit := rec.Column(3).(*array.Float32)
	duration := rec.Column(4).(*array.Int64)

	for i, s := range steps {
		if phase.Value(i) != s.Phase {
			t.Errorf("row %d phase = %q, want %q", i, phase.Value(i), s.Phase)
		}
		if position.Value(i) != s.Position {
			t.Errorf("row %d position = %d, want %d", i, position.Value(i), s.Position)
		}
		if token.Value(i) != s.Token {
			t.Errorf("row %d token = %d, want %d", i, token.Value(i), s.Token)
		}
		if bestLogit.Value(i) != s.BestLogit {
			t.Errorf("row %d best_logit = %v, want %v", i, bestLogit.Value(i), s.BestLogit)
		}
		if duration.Value(i) != s.DurationUS {
			t.Errorf("row %d duration = %d, want %d", i, duration.Value(i), s.DurationUS)
		}
	}
}

func TestNewRecordEmpty(t *testing.T) {
	rec := NewRecord(nil, nil)
	defer rec.Release()
	if rec.NumRows() != 0 {
		t.Errorf("rows = %d, want 0", rec.NumRows())
	}
}

func TestMockSinkCopiesBatch(t *testing.T) {
	sink := NewMockSink()
	steps := sampleSteps()
	if err := sink.Publish(context.Background(), steps); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Mutating the caller's slice must not reach the sink.
	steps[0].Token = 999

	batches := sink.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if batches[0][0].Token != 1 {
		t.Errorf("sink stored aliased batch: token = %d", batches[0][0].Token)
	}

	if sink.Closed() {
		t.Error("sink reported closed before Close")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sink.Closed() {
		t.Error("sink not closed after Close")
	}
}
