// Package outbox implements C6 (the transactional outbox writer) and C7
// (the polling worker that drains it to the graph and vector sinks),
// grounded on spec.md §4.7 and the reference's resilience/backoff helpers
// (pkg/llm/resilience) plus its ants-backed worker pool (pkg/infra/pool).
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	"github.com/rhao5556-beep/peiban-sub000/pkg/id"
)

// DerivePrimaryID computes the deterministic vector primary_id from
// (user_id, memory_id), per §4.7's idempotent-re-apply requirement: the
// worker can retry a vector upsert after a crash without creating a
// duplicate row, since the id is a pure function of its inputs rather than
// a freshly generated one.
func DerivePrimaryID(userID, memoryID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + memoryID))
	return hex.EncodeToString(sum[:])[:32]
}

// relationalStore is the slice of internal/companion/store/relational.Store
// the writer needs, kept narrow so tests can fake it without a live DB.
type relationalStore interface {
	CreateMemoryWithOutbox(ctx context.Context, mem *model.Memory, event *model.OutboxEvent) error
}

// Writer is C6: it turns a fast-path memory write into a co-committed
// OutboxEvent, never emitting a Memory without exactly one corresponding
// event (§3 OutboxEvent invariant, §5 transactional-insert guarantee).
type Writer struct {
	store relationalStore
}

// NewWriter wraps a relational store satisfying CreateMemoryWithOutbox.
func NewWriter(store relationalStore) *Writer {
	return &Writer{store: store}
}

// NewUpsertPayload builds the JSON snapshot §3 requires: content/embedding/
// user_id as they stood at commit time, so the worker never has to re-read
// the (possibly since-changed) Memory row mid-processing.
func NewUpsertPayload(userID, content string, embedding []byte) model.JSONMap {
	return model.JSONMap{
		"user_id":   userID,
		"content":   content,
		"embedding": embedding,
	}
}

// NewMemoryWithEvent builds a pending Memory plus its matching upsert
// OutboxEvent. idempotencyKey may be empty when the caller has none (e.g.
// internal/system-originated writes). embedding is the fallback column (§3
// Memory.embedding) and the payload snapshot the worker re-upserts from.
func NewMemoryWithEvent(userID, content string, valence float64, embedding []byte, metadata model.JSONMap, idempotencyKey string) (*model.Memory, *model.OutboxEvent) {
	now := time.Now().UTC()
	mem := &model.Memory{
		ID:         id.NewULID(),
		UserID:     userID,
		Content:    content,
		Embedding:  embedding,
		Valence:    valence,
		Status:     model.MemoryStatusPending,
		ObservedAt: now,
		Metadata:   metadata,
	}
	event := &model.OutboxEvent{
		ID:             id.NewULID(),
		EventID:        id.NewUUID(),
		Kind:           model.OutboxEventKindUpsert,
		Payload:        NewUpsertPayload(userID, content, embedding),
		Status:         model.OutboxStatusPending,
		IdempotencyKey: idempotencyKey,
	}
	return mem, event
}

// NewDeletionEvent builds a kind=delete event for an already soft-deleted
// memory, per §4.12(b).
func NewDeletionEvent(userID, memoryID string) *model.OutboxEvent {
	return &model.OutboxEvent{
		ID:       id.NewULID(),
		EventID:  id.NewUUID(),
		MemoryID: memoryID,
		Kind:     model.OutboxEventKindDelete,
		Payload:  model.JSONMap{"user_id": userID, "memory_id": memoryID},
		Status:   model.OutboxStatusPending,
	}
}

// Write co-commits mem and event via the relational store's transaction.
func (w *Writer) Write(ctx context.Context, mem *model.Memory, event *model.OutboxEvent) error {
	return w.store.CreateMemoryWithOutbox(ctx, mem, event)
}
