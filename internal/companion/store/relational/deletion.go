package relational

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
)

// SoftDeleteMemories marks each memory deleted and writes a DeletionAudit row
// in one transaction, per §4.12(a). audit.AffectedRecords must already carry
// the memory ids plus their derived graph/vector primary ids, resolved by
// the caller via IdMapping before calling this (the caller owns the
// audit_hash computation so it can be verified independent of storage).
func (s *Store) SoftDeleteMemories(ctx context.Context, userID string, memoryIDs []string, audit *model.DeletionAudit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Memory{}).
			Where("id IN ? AND user_id = ?", memoryIDs, userID).
			Update("status", model.MemoryStatusDeleted).Error; err != nil {
			return apierrors.ErrStoreUnavailable.WithCause(err)
		}
		audit.UserID = userID
		audit.Status = model.DeletionAuditStatusCompleted
		now := time.Now().UTC()
		audit.CompletedAt = &now
		if err := tx.Create(audit).Error; err != nil {
			return apierrors.ErrStoreUnavailable.WithCause(err)
		}
		return nil
	})
}

// ListMemoryIDsForUser returns every non-deleted memory id for userID, used
// by the delete_all=true path (§4.10 DELETE /memories).
func (s *Store) ListMemoryIDsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("user_id = ? AND status <> ?", userID, model.MemoryStatusDeleted).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return ids, nil
}

// EnqueueDeletionOutboxEvents writes one kind=delete OutboxEvent per memory,
// so the worker removes the corresponding vector rows and disconnects graph
// edges idempotently (§4.12(b)).
func (s *Store) EnqueueDeletionOutboxEvents(ctx context.Context, events []model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&events).Error; err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return nil
}
