package relational

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
)

// Store is C1's DAO surface over the companion schema. Methods that take a
// userID scope their queries by it, per §5's "no cross-user reads"
// shared-resource rule; methods keyed only by a memory, conflict, session
// or event id (MarkMemoryCommitted, DeprecateMemory, GetConflict and the
// like) filter by that id alone.
type Store struct {
	db *gorm.DB
}

// New wraps an already-opened *gorm.DB (see Open) as a Store.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// DB exposes the underlying gorm handle for adapters that share it (C2).
func (s *Store) DB() *gorm.DB { return s.db }

// CreateMemoryWithOutbox inserts Memory and OutboxEvent atomically, per §5's
// "Per-user Memory + OutboxEvent insertion is transactional" ordering
// guarantee and §4.11 step 10.
func (s *Store) CreateMemoryWithOutbox(ctx context.Context, mem *model.Memory, event *model.OutboxEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(mem).Error; err != nil {
			return apierrors.ErrStoreUnavailable.WithCause(err)
		}
		event.MemoryID = mem.ID
		if err := tx.Create(event).Error; err != nil {
			return apierrors.ErrStoreUnavailable.WithCause(err)
		}
		return nil
	})
}

// GetMemory returns a memory scoped to userID. Soft-deleted rows are
// reported as not found, matching C12's 404-for-deleted contract.
func (s *Store) GetMemory(ctx context.Context, userID, memoryID string) (*model.Memory, error) {
	var mem model.Memory
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND status <> ?", memoryID, userID, model.MemoryStatusDeleted).
		First(&mem).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierrors.ErrMemoryNotFound
	}
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return &mem, nil
}

// RecentMemories returns a user's most recent non-deleted memories, newest
// first, used by C8's graph_only retrieval mode (§9 Open Question (b)) as
// the seed set in place of vector candidates.
func (s *Store) RecentMemories(ctx context.Context, userID string, limit int) ([]model.Memory, error) {
	var mems []model.Memory
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status <> ?", userID, model.MemoryStatusDeleted).
		Order("observed_at DESC").
		Limit(limit).
		Find(&mems).Error
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return mems, nil
}

// MarkMemoryCommitted transitions a memory to committed once every sink
// checkpoint is written (§3 Memory lifecycle).
func (s *Store) MarkMemoryCommitted(ctx context.Context, memoryID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("id = ?", memoryID).
		Updates(map[string]interface{}{"status": model.MemoryStatusCommitted, "committed_at": now}).Error
}

// DeprecateMemory marks a memory conflict_status=deprecated so retrieval
// stops surfacing it (§8 property 9).
func (s *Store) DeprecateMemory(ctx context.Context, memoryID string) error {
	return s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("id = ?", memoryID).
		Update("conflict_status", model.ConflictStatusDeprecated).Error
}

// GetIdempotencyReplay returns a non-expired cached response for (key, userID),
// implementing §4.11 step 2's replay check; nil, nil means no replay exists.
func (s *Store) GetIdempotencyReplay(ctx context.Context, key, userID string) (*model.IdempotencyKey, error) {
	if key == "" {
		return nil, nil
	}
	var rec model.IdempotencyKey
	err := s.db.WithContext(ctx).
		Where("key = ? AND user_id = ? AND expires_at > ?", key, userID, time.Now().UTC()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return &rec, nil
}

// PutIdempotencyRecord upserts an idempotency record with the configured TTL.
func (s *Store) PutIdempotencyRecord(ctx context.Context, rec *model.IdempotencyKey, ttl time.Duration) error {
	rec.ExpiresAt = time.Now().UTC().Add(ttl)
	return s.db.WithContext(ctx).Save(rec).Error
}

// UpsertIdMapping creates or updates the bridge row for a user's postgres id.
func (s *Store) UpsertIdMapping(ctx context.Context, m *model.IdMapping) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND postgres_id = ?", m.UserID, m.PostgresID).
		Assign(model.IdMapping{
			GraphNodeID:     m.GraphNodeID,
			VectorPrimaryID: m.VectorPrimaryID,
			EntityType:      m.EntityType,
		}).
		FirstOrCreate(m).Error
}

// GetIdMapping looks up the bridge row for a user's postgres id.
func (s *Store) GetIdMapping(ctx context.Context, userID, postgresID string) (*model.IdMapping, error) {
	var m model.IdMapping
	err := s.db.WithContext(ctx).Where("user_id = ? AND postgres_id = ?", userID, postgresID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return &m, nil
}

// InsertMemoryEntity records that memoryID mentions entityID, idempotently
// on the (user, memory, entity) triple (§3 MemoryEntity).
func (s *Store) InsertMemoryEntity(ctx context.Context, me *model.MemoryEntity) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND memory_id = ? AND entity_id = ?", me.UserID, me.MemoryID, me.EntityID).
		FirstOrCreate(me).Error
}

// ListActiveUserIDs returns every distinct user id with at least one
// non-deleted memory, the population cmd/worker's periodic graph-decay and
// silence-decay passes sweep over.
func (s *Store) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.Memory{}).
		Where("status != ?", model.MemoryStatusDeleted).
		Distinct("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return ids, nil
}
