package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/metrics"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
)

type fakeStore struct {
	done          []string
	dlq           []string
	pendingReview []string
	retried       []string
	lastRetryN    int
	checkpoints   map[string][2]bool
	committed     []string
	entities      []*model.MemoryEntity
}

func newFakeStore() *fakeStore {
	return &fakeStore{checkpoints: map[string][2]bool{}}
}

func (f *fakeStore) LeaseOutboxEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	return nil, nil
}
func (f *fakeStore) ReclaimStaleLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeStore) MarkOutboxDone(ctx context.Context, eventID string) error {
	f.done = append(f.done, eventID)
	return nil
}
func (f *fakeStore) RetryOutboxEvent(ctx context.Context, eventID string, retryCount, dlqThreshold int, backoff time.Duration, errMsg string) error {
	f.retried = append(f.retried, eventID)
	f.lastRetryN = retryCount
	return nil
}
func (f *fakeStore) MarkOutboxDLQ(ctx context.Context, eventID, errMsg string) error {
	f.dlq = append(f.dlq, eventID)
	return nil
}
func (f *fakeStore) MarkOutboxPendingReview(ctx context.Context, eventID, errMsg string) error {
	f.pendingReview = append(f.pendingReview, eventID)
	return nil
}
func (f *fakeStore) UpdateSinkCheckpoint(ctx context.Context, eventID string, vectorWritten, graphWritten bool) error {
	cp := f.checkpoints[eventID]
	if vectorWritten {
		cp[0] = true
	}
	if graphWritten {
		cp[1] = true
	}
	f.checkpoints[eventID] = cp
	return nil
}
func (f *fakeStore) OutboxBacklogSize(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) MarkMemoryCommitted(ctx context.Context, memoryID string) error {
	f.committed = append(f.committed, memoryID)
	return nil
}
func (f *fakeStore) InsertMemoryEntity(ctx context.Context, me *model.MemoryEntity) error {
	f.entities = append(f.entities, me)
	return nil
}

type fakeGraph struct {
	upsertEntityErr   error
	upsertRelationErr error
	entityIDs         map[string]string
	relations         int
	disconnected      []string
}

func newFakeGraph() *fakeGraph { return &fakeGraph{entityIDs: map[string]string{}} }

func (g *fakeGraph) UpsertEntity(ctx context.Context, userID, name string, typ model.GraphEntityType) (*model.GraphEntity, error) {
	if g.upsertEntityErr != nil {
		return nil, g.upsertEntityErr
	}
	id := "entity-" + name
	g.entityIDs[name] = id
	return &model.GraphEntity{ID: id, UserID: userID, Name: name, Type: typ}, nil
}
func (g *fakeGraph) UpsertRelation(ctx context.Context, userID, sourceID, targetID, relationType string, delta float64) (*model.GraphRelation, error) {
	if g.upsertRelationErr != nil {
		return nil, g.upsertRelationErr
	}
	g.relations++
	return &model.GraphRelation{UserID: userID, SourceID: sourceID, TargetID: targetID, RelationType: relationType, Weight: delta}, nil
}
func (g *fakeGraph) DisconnectMemory(ctx context.Context, userID, memoryID string) error {
	g.disconnected = append(g.disconnected, memoryID)
	return nil
}

type fakeVector struct {
	upsertErr error
	upserted  []string
	deleted   [][]string
}

func (v *fakeVector) Upsert(ctx context.Context, userID, primaryID, memoryID string, vec []float32) error {
	if v.upsertErr != nil {
		return v.upsertErr
	}
	v.upserted = append(v.upserted, primaryID)
	return nil
}
func (v *fakeVector) Delete(ctx context.Context, userID string, primaryIDs []string) error {
	v.deleted = append(v.deleted, primaryIDs)
	return nil
}

type fakeEmbed struct {
	vec []float32
	err error
}

func (f *fakeEmbed) Embed(ctx context.Context, text string) ([]float32, error) { return f.vec, f.err }
func (f *fakeEmbed) Dimension() int                                           { return len(f.vec) }

type fakeExtract struct {
	result llm.ExtractResult
	err    error
}

func (f *fakeExtract) Extract(ctx context.Context, text string) (llm.ExtractResult, error) {
	return f.result, f.err
}

func testWorker(store *fakeStore, graph *fakeGraph, vector *fakeVector, embed *fakeEmbed, extract *fakeExtract) *Worker {
	return NewWorker(store, graph, vector, embed, extract, nil, WorkerConfig{
		DLQRetryThreshold: 5,
		EventBudget:       time.Minute,
	})
}

func TestWorkerAppliesUpsertEventAcrossBothSinks(t *testing.T) {
	store := newFakeStore()
	graph := newFakeGraph()
	vector := &fakeVector{}
	embed := &fakeEmbed{vec: []float32{0.1, 0.2}}
	extract := &fakeExtract{result: llm.ExtractResult{
		Entities:  []llm.ExtractedEntity{{Name: "Alice", Type: "person"}},
		Relations: []llm.ExtractedRelation{{Source: "Alice", Target: "Alice", Type: "self"}},
	}}
	w := testWorker(store, graph, vector, embed, extract)

	ev := &model.OutboxEvent{
		EventID:  "evt-1",
		MemoryID: "mem-1",
		Kind:     model.OutboxEventKindUpsert,
		Payload:  model.JSONMap{"user_id": "user-1", "content": "hello"},
	}

	w.processEvent(context.Background(), ev)

	assert.Contains(t, store.done, "evt-1")
	assert.Contains(t, store.committed, "mem-1")
	assert.Len(t, vector.upserted, 1)
	assert.Equal(t, DerivePrimaryID("user-1", "mem-1"), vector.upserted[0])
	assert.Equal(t, 1, graph.relations)
	require.Len(t, store.entities, 1)
	assert.Equal(t, "entity-Alice", store.entities[0].EntityID)
	assert.True(t, store.checkpoints["evt-1"][0])
	assert.True(t, store.checkpoints["evt-1"][1])
}

func TestWorkerAppliesDeleteEvent(t *testing.T) {
	store := newFakeStore()
	graph := newFakeGraph()
	vector := &fakeVector{}
	w := testWorker(store, graph, vector, &fakeEmbed{}, &fakeExtract{})

	ev := &model.OutboxEvent{
		EventID:  "evt-2",
		MemoryID: "mem-2",
		Kind:     model.OutboxEventKindDelete,
		Payload:  model.JSONMap{"user_id": "user-1"},
	}
	w.processEvent(context.Background(), ev)

	assert.Contains(t, store.done, "evt-2")
	assert.Contains(t, graph.disconnected, "mem-2")
	require.Len(t, vector.deleted, 1)
	assert.Equal(t, DerivePrimaryID("user-1", "mem-2"), vector.deleted[0][0])
}

func TestWorkerRecordsOutboxLagOnSuccess(t *testing.T) {
	store := newFakeStore()
	graph := newFakeGraph()
	vector := &fakeVector{}
	w := testWorker(store, graph, vector, &fakeEmbed{}, &fakeExtract{})
	rec := metrics.New(0)
	w.WithMetrics(rec)

	ev := &model.OutboxEvent{
		EventID:   "evt-lag",
		MemoryID:  "mem-lag",
		Kind:      model.OutboxEventKindDelete,
		Payload:   model.JSONMap{"user_id": "user-1"},
		CreatedAt: time.Now().Add(-50 * time.Millisecond),
	}
	w.processEvent(context.Background(), ev)

	snap := rec.Snapshot()
	assert.Greater(t, snap.OutboxLagP50, time.Duration(0))
	assert.Equal(t, int64(0), snap.DLQDepth)
}

func TestWorkerRecordsDLQDepthOnPermanentFailure(t *testing.T) {
	store := newFakeStore()
	graph := newFakeGraph()
	graph.upsertEntityErr = apierrors.NewStorePermanentErr("COMPANION-TEST-002", "schema mismatch")
	vector := &fakeVector{}
	embed := &fakeEmbed{vec: []float32{0.1}}
	extract := &fakeExtract{result: llm.ExtractResult{Entities: []llm.ExtractedEntity{{Name: "Carl", Type: "person"}}}}
	w := testWorker(store, graph, vector, embed, extract)
	rec := metrics.New(0)
	w.WithMetrics(rec)

	ev := &model.OutboxEvent{
		EventID:  "evt-dlq",
		MemoryID: "mem-dlq",
		Kind:     model.OutboxEventKindUpsert,
		Payload:  model.JSONMap{"user_id": "user-1", "content": "hi"},
	}
	w.processEvent(context.Background(), ev)

	assert.Equal(t, int64(1), rec.Snapshot().DLQDepth)
}

func TestWorkerRoutesStorePermanentFailureToDLQ(t *testing.T) {
	store := newFakeStore()
	graph := newFakeGraph()
	graph.upsertEntityErr = apierrors.NewStorePermanentErr("COMPANION-TEST-001", "schema mismatch")
	vector := &fakeVector{}
	embed := &fakeEmbed{vec: []float32{0.1}}
	extract := &fakeExtract{result: llm.ExtractResult{Entities: []llm.ExtractedEntity{{Name: "Bob", Type: "person"}}}}
	w := testWorker(store, graph, vector, embed, extract)

	ev := &model.OutboxEvent{
		EventID:  "evt-3",
		MemoryID: "mem-3",
		Kind:     model.OutboxEventKindUpsert,
		Payload:  model.JSONMap{"user_id": "user-1", "content": "hi"},
	}
	w.processEvent(context.Background(), ev)

	assert.Contains(t, store.dlq, "evt-3")
	assert.Empty(t, store.done)
	assert.Empty(t, store.retried)
}

func TestWorkerRetriesTransientVectorFailure(t *testing.T) {
	store := newFakeStore()
	graph := newFakeGraph()
	vector := &fakeVector{upsertErr: apierrors.ErrStoreUnavailable}
	embed := &fakeEmbed{vec: []float32{0.1}}
	w := testWorker(store, graph, vector, embed, &fakeExtract{})

	ev := &model.OutboxEvent{
		EventID:  "evt-4",
		MemoryID: "mem-4",
		Kind:     model.OutboxEventKindUpsert,
		Payload:  model.JSONMap{"user_id": "user-1", "content": "hi"},
	}
	w.processEvent(context.Background(), ev)

	assert.Contains(t, store.retried, "evt-4")
	assert.Equal(t, 1, store.lastRetryN)
	assert.Empty(t, store.done)
	assert.Empty(t, store.dlq)
}

func TestBackoffForGrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoffFor(1))
	assert.Equal(t, time.Second, backoffFor(2))
	assert.Equal(t, 2*time.Second, backoffFor(3))
	assert.Equal(t, 30*time.Second, backoffFor(20))
}

func TestDerivePrimaryIDIsDeterministicPerUserMemoryPair(t *testing.T) {
	a := DerivePrimaryID("user-1", "mem-1")
	b := DerivePrimaryID("user-1", "mem-1")
	c := DerivePrimaryID("user-1", "mem-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
