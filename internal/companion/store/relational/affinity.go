package relational

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
)

// LatestAffinity returns the current affinity state for userID: the most
// recent AffinityHistory row, or nil if the user has never had one.
func (s *Store) LatestAffinity(ctx context.Context, userID string) (*model.AffinityHistory, error) {
	var row model.AffinityHistory
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return &row, nil
}

// HistorySince returns a user's AffinityHistory rows newer than since,
// newest first, the read path behind `GET /affinity/history?days=N`.
func (s *Store) HistorySince(ctx context.Context, userID string, since time.Time) ([]model.AffinityHistory, error) {
	var rows []model.AffinityHistory
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return rows, nil
}

// AppendAffinityHistory serializes per-user affinity updates with a
// row-level SELECT ... FOR UPDATE inside a transaction, per §5's "no two
// concurrent turns compute new_score from a stale old_score" guarantee.
// compute receives the current latest row (nil if none) and returns the new
// row to append.
func (s *Store) AppendAffinityHistory(ctx context.Context, userID string, compute func(latest *model.AffinityHistory) (*model.AffinityHistory, error)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest model.AffinityHistory
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			First(&latest).Error

		var latestPtr *model.AffinityHistory
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			latestPtr = nil
		case err != nil:
			return apierrors.ErrStoreUnavailable.WithCause(err)
		default:
			latestPtr = &latest
		}

		next, err := compute(latestPtr)
		if err != nil {
			return err
		}
		next.UserID = userID
		if err := tx.Create(next).Error; err != nil {
			return apierrors.ErrStoreUnavailable.WithCause(err)
		}
		return nil
	})
}
