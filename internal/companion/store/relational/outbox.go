package relational

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
)

// LeaseOutboxEvents leases up to limit pending events via a conditional
// UPDATE pending->processing, returning only rows whose prior status was
// pending, per §5's cross-worker mutual-exclusion guarantee. Postgres lacks
// UPDATE ... RETURNING chained with a LIMIT subselect in gorm's builder, so
// this selects candidate ids first, claims them by id with a status guard,
// then reads back only the rows stamped with this call's
// processing_started_at; a second worker racing on the same ids simply
// claims zero rows.
func (s *Store) LeaseOutboxEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ? AND status = ?", ids, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":                model.OutboxStatusProcessing,
			"processing_started_at": now,
		}).Error; err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}

	var leased []model.OutboxEvent
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND status = ? AND processing_started_at = ?", ids, model.OutboxStatusProcessing, now).
		Find(&leased).Error; err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return leased, nil
}

// ReclaimStaleLeases returns processing rows whose processing_started_at is
// older than leaseTimeout back to pending (§4.5 step 5, §3 OutboxEvent invariant).
func (s *Store) ReclaimStaleLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	deadline := time.Now().UTC().Add(-leaseTimeout)
	res := s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("status = ? AND processing_started_at < ?", model.OutboxStatusProcessing, deadline).
		Updates(map[string]interface{}{
			"status":                model.OutboxStatusPending,
			"processing_started_at": nil,
		})
	if res.Error != nil {
		return 0, apierrors.ErrStoreUnavailable.WithCause(res.Error)
	}
	return res.RowsAffected, nil
}

// MarkOutboxDone marks an event fully applied across all sinks.
func (s *Store) MarkOutboxDone(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{"status": model.OutboxStatusDone, "processed_at": now}).Error
}

// RetryOutboxEvent returns a failed event to pending with an incremented
// retry_count and a backoff note, or routes it to dlq once retryCount
// exceeds dlqThreshold (§4.5 step 4).
func (s *Store) RetryOutboxEvent(ctx context.Context, eventID string, retryCount, dlqThreshold int, backoff time.Duration, errMsg string) error {
	status := model.OutboxStatusPending
	if retryCount > dlqThreshold {
		status = model.OutboxStatusDLQ
	}
	return s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":                status,
			"retry_count":           retryCount,
			"error_message":         errMsg + " (retry backoff " + backoff.String() + ")",
			"processing_started_at": nil,
		}).Error
}

// MarkOutboxDLQ routes an event straight to dlq, for StorePermanent failures
// that must never be retried (§7 StorePermanent: "DLQ with classification
// preserved").
func (s *Store) MarkOutboxDLQ(ctx context.Context, eventID, errMsg string) error {
	return s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":                model.OutboxStatusDLQ,
			"error_message":         errMsg,
			"processing_started_at": nil,
		}).Error
}

// MarkOutboxPendingReview routes an event whose extraction failure indicates
// a policy-review need (§4.5 step 4).
func (s *Store) MarkOutboxPendingReview(ctx context.Context, eventID, errMsg string) error {
	return s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":        model.OutboxStatusPendingReview,
			"error_message": errMsg,
		}).Error
}

// UpdateSinkCheckpoint records that a given sink finished writing this event
// (§3 OutboxEvent per-sink checkpoints), so re-application after a lease
// expiry is resumable and idempotent (§5).
func (s *Store) UpdateSinkCheckpoint(ctx context.Context, eventID string, vectorWritten, graphWritten bool) error {
	updates := map[string]interface{}{}
	now := time.Now().UTC()
	if vectorWritten {
		updates["vector_written_at"] = now
	}
	if graphWritten {
		updates["graph_written_at"] = now
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("event_id = ?", eventID).Updates(updates).Error
}

// GetOutboxEvent returns an event by its business event_id.
func (s *Store) GetOutboxEvent(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	var ev model.OutboxEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return &ev, nil
}

// OutboxBacklogSize counts pending events, used for the §5 backpressure
// high-water-mark check.
func (s *Store) OutboxBacklogSize(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("status = ?", model.OutboxStatusPending).
		Count(&count).Error; err != nil {
		return 0, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return count, nil
}
