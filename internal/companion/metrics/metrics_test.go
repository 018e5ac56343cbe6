package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecorderDLQDepthNeverGoesNegative(t *testing.T) {
	r := New(0)
	r.RecordDLQ(1)
	r.RecordDLQ(1)
	r.RecordDLQ(-5)

	snap := r.Snapshot()
	assert.Equal(t, int64(0), snap.DLQDepth)
}

func TestRecorderOutboxLagPercentiles(t *testing.T) {
	r := New(0)
	for i := 1; i <= 100; i++ {
		r.RecordOutboxLag(time.Duration(i) * time.Millisecond)
	}

	snap := r.Snapshot()
	assert.InDelta(t, 51, snap.OutboxLagP50.Milliseconds(), 2)
	assert.InDelta(t, 96, snap.OutboxLagP95.Milliseconds(), 2)
}

func TestRecorderLagSampleWindowIsBounded(t *testing.T) {
	r := New(10)
	for i := 0; i < 100; i++ {
		r.RecordOutboxLag(time.Duration(i) * time.Millisecond)
	}
	assert.Len(t, r.lagSamples, 10)
}

func TestRecorderClarificationCount(t *testing.T) {
	r := New(0)
	r.RecordClarification()
	r.RecordClarification()

	snap := r.Snapshot()
	assert.Equal(t, int64(2), snap.ClarificationsIssued)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordDLQ(1)
	r.RecordOutboxLag(time.Second)
	r.RecordClarification()
	assert.Equal(t, Snapshot{}, r.Snapshot())
}

func TestStartPeriodicLoggingStopsOnCancel(t *testing.T) {
	r := New(0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.StartPeriodicLogging(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartPeriodicLogging did not stop after context cancellation")
	}
}
