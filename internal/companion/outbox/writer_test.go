package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
)

type fakeRelationalStore struct {
	memories []*model.Memory
	events   []*model.OutboxEvent
	err      error
}

func (f *fakeRelationalStore) CreateMemoryWithOutbox(ctx context.Context, mem *model.Memory, event *model.OutboxEvent) error {
	if f.err != nil {
		return f.err
	}
	f.memories = append(f.memories, mem)
	f.events = append(f.events, event)
	return nil
}

func TestDerivePrimaryIDIsDeterministic(t *testing.T) {
	a := DerivePrimaryID("user-1", "mem-1")
	b := DerivePrimaryID("user-1", "mem-1")
	c := DerivePrimaryID("user-1", "mem-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNewMemoryWithEventSetsEmbeddingOnBothMemoryAndPayload(t *testing.T) {
	embedding := []byte{1, 2, 3, 4}
	mem, event := NewMemoryWithEvent("user-1", "likes tea", 0.5, embedding, model.JSONMap{"session_id": "sess-1"}, "idem-1")

	assert.Equal(t, embedding, mem.Embedding)
	assert.Equal(t, model.MemoryStatusPending, mem.Status)
	assert.Equal(t, "user-1", mem.UserID)

	require.NotNil(t, event)
	assert.Equal(t, model.OutboxEventKindUpsert, event.Kind)
	assert.Equal(t, embedding, event.Payload["embedding"])
	assert.Equal(t, "idem-1", event.IdempotencyKey)
}

func TestNewDeletionEventBuildsDeleteKindPayload(t *testing.T) {
	event := NewDeletionEvent("user-1", "mem-1")
	assert.Equal(t, model.OutboxEventKindDelete, event.Kind)
	assert.Equal(t, "mem-1", event.MemoryID)
	assert.Equal(t, "mem-1", event.Payload["memory_id"])
}

func TestWriteDelegatesToStore(t *testing.T) {
	store := &fakeRelationalStore{}
	w := NewWriter(store)

	mem, event := NewMemoryWithEvent("user-1", "hello", 0, nil, nil, "")
	err := w.Write(context.Background(), mem, event)
	require.NoError(t, err)
	assert.Len(t, store.memories, 1)
	assert.Len(t, store.events, 1)
}

func TestWritePropagatesStoreError(t *testing.T) {
	store := &fakeRelationalStore{err: assert.AnError}
	w := NewWriter(store)

	mem, event := NewMemoryWithEvent("user-1", "hello", 0, nil, nil, "")
	err := w.Write(context.Background(), mem, event)
	assert.Error(t, err)
}
