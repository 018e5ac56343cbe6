package relational

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
)

// orderedPair returns (a, b) sorted lexically so the unordered-pair
// uniqueness check in §4.1(c) is order-independent.
func orderedPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// FindConflictForPair returns an existing MemoryConflict row for the
// unordered (memory1, memory2) pair, or nil if none exists.
func (s *Store) FindConflictForPair(ctx context.Context, userID, memory1, memory2 string) (*model.MemoryConflict, error) {
	lo, hi := orderedPair(memory1, memory2)
	var row model.MemoryConflict
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND memory_1_id = ? AND memory_2_id = ?", userID, lo, hi).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return &row, nil
}

// InsertConflict records a newly detected conflict, normalizing the pair
// ordering first so the uniqueness check above stays meaningful.
func (s *Store) InsertConflict(ctx context.Context, c *model.MemoryConflict) error {
	c.Memory1ID, c.Memory2ID = orderedPair(c.Memory1ID, c.Memory2ID)
	return s.db.WithContext(ctx).Create(c).Error
}

// ResolveConflict marks a conflict resolved with the chosen method and,
// where applicable, the preferred memory.
func (s *Store) ResolveConflict(ctx context.Context, conflictID string, method model.ConflictResolutionMethod, preferredMemoryID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&model.MemoryConflict{}).
		Where("id = ?", conflictID).
		Updates(map[string]interface{}{
			"status":             model.ConflictRowStatusResolved,
			"resolution_method":  method,
			"preferred_memory_id": preferredMemoryID,
			"resolved_at":        now,
		}).Error
}

// GetConflict loads a conflict by id.
func (s *Store) GetConflict(ctx context.Context, conflictID string) (*model.MemoryConflict, error) {
	var row model.MemoryConflict
	err := s.db.WithContext(ctx).Where("id = ?", conflictID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierrors.ErrMemoryNotFound.WithMessage("conflict not found")
	}
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return &row, nil
}

// CreateClarificationSession opens a new pending clarification subdialog (§4.9).
func (s *Store) CreateClarificationSession(ctx context.Context, cs *model.ClarificationSession) error {
	return s.db.WithContext(ctx).Create(cs).Error
}

// PendingClarificationSession returns the outstanding pending session for a
// user's conversation session, if any (§4.11 step 5).
func (s *Store) PendingClarificationSession(ctx context.Context, userID, sessionID string) (*model.ClarificationSession, error) {
	var row model.ClarificationSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND status = ?", userID, sessionID, model.ClarificationStatusPending).
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

// AnswerClarificationSession records the user's reply and closes the session.
func (s *Store) AnswerClarificationSession(ctx context.Context, id, response string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&model.ClarificationSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.ClarificationStatusAnswered,
			"user_response": response,
			"answered_at":   now,
		}).Error
}

// CountClarificationsSince counts sessions opened for userID since since,
// enforcing the §4.9/§3 rate contract of at most one pending session per
// user per hour.
func (s *Store) CountClarificationsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ClarificationSession{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return 0, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return count, nil
}
