// Package metrics implements the companion core's ambient operational
// counters: C7's outbox lag and DLQ depth, and C9's clarification issuance
// rate. Per SPEC_FULL.md these are not exposed through a Prometheus
// endpoint; they are logged periodically through kart-io/logger, matching
// the ambient-stack logging idiom used throughout internal/companion.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kart-io/logger"
)

// defaultMaxLagSamples bounds the outbox-lag ring buffer.
const defaultMaxLagSamples = 1000

// Recorder accumulates the counters named in SPEC_FULL.md's SUPPLEMENTED
// FEATURES: DLQ depth, an outbox-lag histogram (for §4.7's "P50 < 2s, P95 <
// 30s" SLO), and clarifications actually issued (for §8 property 7). A nil
// *Recorder is safe to call methods on, so components with optional
// instrumentation don't need a separate nil check.
type Recorder struct {
	mu sync.Mutex

	dlqDepth int64

	lagSamples    []time.Duration
	maxLagSamples int

	clarificationsIssued int64
}

// New returns a Recorder ready to accept updates. maxLagSamples bounds the
// outbox-lag sample window; 0 picks defaultMaxLagSamples.
func New(maxLagSamples int) *Recorder {
	if maxLagSamples <= 0 {
		maxLagSamples = defaultMaxLagSamples
	}
	return &Recorder{maxLagSamples: maxLagSamples}
}

// RecordDLQ adjusts the DLQ depth gauge by delta: +1 when an event moves to
// dlq, -1 when an operator drains or requeues one.
func (r *Recorder) RecordDLQ(delta int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.dlqDepth += delta
	if r.dlqDepth < 0 {
		r.dlqDepth = 0
	}
	r.mu.Unlock()
}

// RecordOutboxLag records one event's end-to-end lag, from CreatedAt to the
// tick that marked it done.
func (r *Recorder) RecordOutboxLag(d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lagSamples = append(r.lagSamples, d)
	if len(r.lagSamples) > r.maxLagSamples {
		r.lagSamples = r.lagSamples[len(r.lagSamples)-r.maxLagSamples:]
	}
}

// RecordClarification increments the count of clarification sessions
// actually opened — i.e. the ones §4.9's per-user rolling-hour rate limit
// did not suppress.
func (r *Recorder) RecordClarification() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.clarificationsIssued++
	r.mu.Unlock()
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	DLQDepth             int64
	OutboxLagP50         time.Duration
	OutboxLagP95         time.Duration
	ClarificationsIssued int64
}

// Snapshot computes the current percentile lag and returns a copy of every
// counter. It does not reset the underlying state.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		DLQDepth:             r.dlqDepth,
		ClarificationsIssued: r.clarificationsIssued,
	}
	if len(r.lagSamples) == 0 {
		return snap
	}
	sorted := make([]time.Duration, len(r.lagSamples))
	copy(sorted, r.lagSamples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	snap.OutboxLagP50 = percentile(sorted, 0.50)
	snap.OutboxLagP95 = percentile(sorted, 0.95)
	return snap
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// StartPeriodicLogging logs a Snapshot on the given cadence until ctx is
// cancelled, mirroring the worker's own ticker-driven decay sweeps rather
// than a pull-based scrape endpoint. Intended to run in its own goroutine.
func (r *Recorder) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	if r == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := r.Snapshot()
			logger.Infow("companion ambient metrics",
				"dlq_depth", snap.DLQDepth,
				"outbox_lag_p50_ms", snap.OutboxLagP50.Milliseconds(),
				"outbox_lag_p95_ms", snap.OutboxLagP95.Milliseconds(),
				"clarifications_issued", snap.ClarificationsIssued,
			)
		}
	}
}
