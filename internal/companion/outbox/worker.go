package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/metrics"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
	"github.com/rhao5556-beep/peiban-sub000/pkg/id"
	"github.com/rhao5556-beep/peiban-sub000/pkg/infra/pool"
	"github.com/rhao5556-beep/peiban-sub000/pkg/llm/resilience"
)

// workerStore is the slice of internal/companion/store/relational.Store the
// worker needs, kept as an interface so it can be faked in tests.
type workerStore interface {
	LeaseOutboxEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	ReclaimStaleLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error)
	MarkOutboxDone(ctx context.Context, eventID string) error
	RetryOutboxEvent(ctx context.Context, eventID string, retryCount, dlqThreshold int, backoff time.Duration, errMsg string) error
	MarkOutboxDLQ(ctx context.Context, eventID, errMsg string) error
	MarkOutboxPendingReview(ctx context.Context, eventID, errMsg string) error
	UpdateSinkCheckpoint(ctx context.Context, eventID string, vectorWritten, graphWritten bool) error
	OutboxBacklogSize(ctx context.Context) (int64, error)
	MarkMemoryCommitted(ctx context.Context, memoryID string) error
	InsertMemoryEntity(ctx context.Context, me *model.MemoryEntity) error
}

// graphSink is C2's write surface as seen by the worker.
type graphSink interface {
	UpsertEntity(ctx context.Context, userID, name string, typ model.GraphEntityType) (*model.GraphEntity, error)
	UpsertRelation(ctx context.Context, userID, sourceID, targetID, relationType string, delta float64) (*model.GraphRelation, error)
	DisconnectMemory(ctx context.Context, userID, memoryID string) error
}

// vectorSink is C3's write surface as seen by the worker.
type vectorSink interface {
	Upsert(ctx context.Context, userID, primaryID, memoryID string, vec []float32) error
	Delete(ctx context.Context, userID string, primaryIDs []string) error
}

// WorkerConfig carries the §9 enumerated worker-tunables relevant to C7,
// resolved once at composition time from internal/companion/config so this
// package stays decoupled from the options layer.
type WorkerConfig struct {
	PollInterval          time.Duration
	LeaseTimeout          time.Duration
	DLQRetryThreshold     int
	BatchSize             int
	BacklogHighWaterMark  int64
	// EventBudget bounds a single event's wall-clock processing time;
	// exceeding it routes straight to dlq rather than waiting for stale-lease
	// recovery to reclaim it. Kept below LeaseTimeout so a budget-exceeding
	// event never gets silently picked up by a second worker mid-flight.
	EventBudget time.Duration
}

// Worker is C7: leased polling with per-sink checkpoints, retries, DLQ, and
// stale-lease recovery, grounded on spec.md §4.7 and the reference's ants
// pool (pkg/infra/pool) for bounded per-event concurrency plus
// pkg/llm/resilience for the embedding/extraction retry-with-backoff calls.
type Worker struct {
	store   workerStore
	graph   graphSink
	vector  vectorSink
	embed   llm.EmbeddingProvider
	extract llm.Extractor
	pool    *pool.Pool
	cfg     WorkerConfig
	metrics *metrics.Recorder
}

// NewWorker wires C7's sinks and tunables. pool bounds per-event
// concurrency; cmd/worker gives the outbox drain its own
// pool.BackgroundPoolConfig()-sized pool, separate from the one the
// graph-decay and silence-decay passes share.
func NewWorker(store workerStore, graph graphSink, vector vectorSink, embed llm.EmbeddingProvider, extract llm.Extractor, p *pool.Pool, cfg WorkerConfig) *Worker {
	return &Worker{store: store, graph: graph, vector: vector, embed: embed, extract: extract, pool: p, cfg: cfg}
}

// WithMetrics attaches a Recorder that tick/processEvent report DLQ-depth
// and outbox-lag samples into. A nil Recorder (the NewWorker default) is a
// safe no-op.
func (w *Worker) WithMetrics(rec *metrics.Recorder) *Worker {
	w.metrics = rec
	return w
}

// Run polls until ctx is cancelled. Intended to be launched once per
// cmd/worker process.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick drains one batch. It never returns an error to Run: a tick failure
// is logged and retried on the next poll, matching §5's "durability is
// still best-effort-at-least-once" propagation policy.
func (w *Worker) tick(ctx context.Context) {
	if n, err := w.store.ReclaimStaleLeases(ctx, w.cfg.LeaseTimeout); err != nil {
		logger.Errorw("outbox stale-lease reclaim failed", "error", err.Error())
	} else if n > 0 {
		logger.Warnw("reclaimed stale outbox leases", "count", n)
	}

	limit := w.cfg.BatchSize
	if backlog, err := w.store.OutboxBacklogSize(ctx); err != nil {
		logger.Errorw("outbox backlog check failed", "error", err.Error())
	} else if backlog > w.cfg.BacklogHighWaterMark {
		limit *= 2
		logger.Warnw("degraded-memory-durability: outbox backlog above high-water mark",
			"backlog", backlog, "high_water_mark", w.cfg.BacklogHighWaterMark, "widened_batch", limit)
	}

	events, err := w.store.LeaseOutboxEvents(ctx, limit)
	if err != nil {
		logger.Errorw("outbox lease failed", "error", err.Error())
		return
	}

	var wg sync.WaitGroup
	for i := range events {
		ev := events[i]
		wg.Add(1)
		err := w.pool.Submit(func() {
			defer wg.Done()
			w.processEvent(ctx, &ev)
		})
		if err != nil {
			wg.Done()
			logger.Errorw("outbox worker pool rejected task, will retry next poll", "event_id", ev.EventID, "error", err.Error())
		}
	}
	wg.Wait()
}

func (w *Worker) processEvent(parent context.Context, ev *model.OutboxEvent) {
	ctx, cancel := context.WithTimeout(parent, w.cfg.EventBudget)
	defer cancel()

	var err error
	switch ev.Kind {
	case model.OutboxEventKindDelete:
		err = w.applyDelete(ctx, ev)
	default:
		err = w.applyUpsert(ctx, ev)
	}

	if err == nil {
		if err := w.store.MarkOutboxDone(parent, ev.EventID); err != nil {
			logger.Errorw("failed to mark outbox event done", "event_id", ev.EventID, "error", err.Error())
		}
		w.metrics.RecordOutboxLag(time.Since(ev.CreatedAt))
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if derr := w.store.MarkOutboxDLQ(parent, ev.EventID, "per-event wall-clock budget exceeded: "+err.Error()); derr != nil {
			logger.Errorw("failed to dlq budget-exceeded event", "event_id", ev.EventID, "error", derr.Error())
		}
		w.metrics.RecordDLQ(1)
		return
	}

	w.handleFailure(parent, ev, err)
}

func (w *Worker) handleFailure(ctx context.Context, ev *model.OutboxEvent, err error) {
	var errno *apierrors.Errno
	if errors.As(err, &errno) {
		switch errno.Kind {
		case apierrors.KindStorePermanent:
			if derr := w.store.MarkOutboxDLQ(ctx, ev.EventID, err.Error()); derr != nil {
				logger.Errorw("failed to dlq permanently-failed event", "event_id", ev.EventID, "error", derr.Error())
			}
			w.metrics.RecordDLQ(1)
			return
		case apierrors.KindPolicyReview:
			if derr := w.store.MarkOutboxPendingReview(ctx, ev.EventID, err.Error()); derr != nil {
				logger.Errorw("failed to route event to pending_review", "event_id", ev.EventID, "error", derr.Error())
			}
			return
		}
	}

	retryCount := ev.RetryCount + 1
	backoff := backoffFor(retryCount)
	if rerr := w.store.RetryOutboxEvent(ctx, ev.EventID, retryCount, w.cfg.DLQRetryThreshold, backoff, err.Error()); rerr != nil {
		logger.Errorw("failed to record outbox retry", "event_id", ev.EventID, "error", rerr.Error())
	}
	if retryCount > w.cfg.DLQRetryThreshold {
		w.metrics.RecordDLQ(1)
	}
}

// backoffFor computes the exponential backoff note written into
// error_message (§4.7 step 4); the worker re-leases pending rows purely by
// created_at order, so this value is informational/log-facing rather than a
// scheduled wakeup.
func backoffFor(retryCount int) time.Duration {
	d := 500 * time.Millisecond
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d > 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// applyUpsert resumes a kind=upsert event from whichever checkpoints are
// already set, so a crash between C3 and C2 writes re-applies only the
// remaining sink (§4.7's "resume a partially-applied event" requirement).
func (w *Worker) applyUpsert(ctx context.Context, ev *model.OutboxEvent) error {
	userID, _ := ev.Payload["user_id"].(string)
	content, _ := ev.Payload["content"].(string)
	memoryID := ev.MemoryID

	if ev.VectorWrittenAt == nil {
		var vec []float32
		retryErr := resilience.RetryWithBackoff(ctx, resilience.DefaultRetryConfig(), func() error {
			v, err := w.embed.Embed(ctx, content)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		if retryErr != nil {
			// The embedding model is an external collaborator (§1 scope note);
			// this package cannot distinguish its permanent failures from
			// transient ones without a classified error from that provider,
			// so it is treated as StoreTransient and left to the retry/DLQ
			// threshold to eventually terminate a truly broken provider.
			return apierrors.NewStoreTransientErr("COMPANION-OUTBOX-001", "embedding provider call failed").WithCause(retryErr)
		}
		primaryID := DerivePrimaryID(userID, memoryID)
		if err := w.vector.Upsert(ctx, userID, primaryID, memoryID, vec); err != nil {
			return err
		}
		if err := w.store.UpdateSinkCheckpoint(ctx, ev.EventID, true, false); err != nil {
			return err
		}
		ev.VectorWrittenAt = ptrNow()
	}

	if ev.GraphWrittenAt == nil {
		var result llm.ExtractResult
		retryErr := resilience.RetryWithBackoff(ctx, resilience.DefaultRetryConfig(), func() error {
			r, err := w.extract.Extract(ctx, content)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if retryErr != nil {
			return apierrors.NewStoreTransientErr("COMPANION-OUTBOX-002", "extraction provider call failed").WithCause(retryErr)
		}

		entityIDs := make(map[string]string, len(result.Entities))
		for _, e := range result.Entities {
			ge, err := w.graph.UpsertEntity(ctx, userID, e.Name, model.GraphEntityType(e.Type))
			if err != nil {
				return err
			}
			entityIDs[e.Name] = ge.ID
			me := &model.MemoryEntity{
				ID:         id.NewULID(),
				UserID:     userID,
				MemoryID:   memoryID,
				EntityID:   ge.ID,
				Confidence: 1,
				Source:     "extraction",
			}
			if err := w.store.InsertMemoryEntity(ctx, me); err != nil {
				return err
			}
		}
		for _, r := range result.Relations {
			sourceID, sourceOK := entityIDs[r.Source]
			targetID, targetOK := entityIDs[r.Target]
			if !sourceOK || !targetOK {
				// Relation references a name extract() didn't also surface as
				// an entity; skip rather than fail the whole event.
				continue
			}
			if _, err := w.graph.UpsertRelation(ctx, userID, sourceID, targetID, r.Type, 1.0); err != nil {
				return err
			}
		}
		if err := w.store.UpdateSinkCheckpoint(ctx, ev.EventID, false, true); err != nil {
			return err
		}
		ev.GraphWrittenAt = ptrNow()
	}

	return w.store.MarkMemoryCommitted(ctx, memoryID)
}

// applyDelete resumes a kind=delete event, idempotently tombstoning the
// vector row and disconnecting graph mentions (§4.12(b)).
func (w *Worker) applyDelete(ctx context.Context, ev *model.OutboxEvent) error {
	userID, _ := ev.Payload["user_id"].(string)
	memoryID := ev.MemoryID
	primaryID := DerivePrimaryID(userID, memoryID)

	if err := w.vector.Delete(ctx, userID, []string{primaryID}); err != nil {
		return err
	}
	if err := w.graph.DisconnectMemory(ctx, userID, memoryID); err != nil {
		return err
	}
	return nil
}

func ptrNow() *time.Time {
	t := time.Now().UTC()
	return &t
}
