// Package affinity implements C10: signal-driven score updates with decay,
// discrete state-label mapping, and history append. Grounded on spec.md
// §4.6; the per-user serialization the update rule requires is delegated to
// store/relational.Store.AppendAffinityHistory's row-level locking, mirroring
// the reference's internal/rag/biz/cache.go read-through cache shape for the
// latest-state cache this package maintains on top of it.
package affinity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/logger"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	"github.com/rhao5556-beep/peiban-sub000/pkg/utils/json"
)

// State is the closed-set relational-stance label derived from a score (§4.6).
type State string

const (
	StateStranger     State = "stranger"
	StateAcquaintance State = "acquaintance"
	StateFriend       State = "friend"
	StateCloseFriend  State = "close_friend"
	StateBestFriend   State = "best_friend"
)

// StateForScore maps a score in [-1,1] to its closed-set label (§4.6 table).
func StateForScore(score float64) State {
	switch {
	case score < 0:
		return StateStranger
	case score < 0.3:
		return StateAcquaintance
	case score < 0.5:
		return StateFriend
	case score < 0.7:
		return StateCloseFriend
	default:
		return StateBestFriend
	}
}

// Signals carries the per-turn inputs to the update rule (§4.6).
type Signals struct {
	UserInitiated      bool
	EmotionValence     float64
	MemoryConfirmation bool
	Correction         bool
	SilenceDays        float64
	TriggerEvent       string
}

// Delta computes Δ from the §4.6 update rule:
//
//	Δ = 0.01·[user_initiated] + 0.005·max(0, valence) + 0.01·[memory_confirmation]
//	    − 0.02·[correction] − 0.01·[valence < −0.5] − 0.005·silence_days
func (s Signals) Delta() float64 {
	d := 0.0
	if s.UserInitiated {
		d += 0.01
	}
	d += 0.005 * math.Max(0, s.EmotionValence)
	if s.MemoryConfirmation {
		d += 0.01
	}
	if s.Correction {
		d -= 0.02
	}
	if s.EmotionValence < -0.5 {
		d -= 0.01
	}
	d -= 0.005 * s.SilenceDays
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type affinityStore interface {
	LatestAffinity(ctx context.Context, userID string) (*model.AffinityHistory, error)
	AppendAffinityHistory(ctx context.Context, userID string, compute func(latest *model.AffinityHistory) (*model.AffinityHistory, error)) error
}

// CacheConfig configures the Redis-backed latest-affinity cache, matching
// the reference cache shape's TTL/prefix knobs.
type CacheConfig struct {
	Enabled   bool
	TTL       time.Duration
	KeyPrefix string
}

// DefaultCacheConfig returns the default latest-affinity cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Enabled: true, TTL: 10 * time.Minute, KeyPrefix: "companion:affinity:"}
}

// Service is C10's orchestrator.
type Service struct {
	store affinityStore
	redis *goredis.Client
	cfg   CacheConfig
}

// New composes C10 from its store dependency; redis may be nil to disable caching.
func New(store affinityStore, redis *goredis.Client, cfg CacheConfig) *Service {
	return &Service{store: store, redis: redis, cfg: cfg}
}

func (s *Service) cacheKey(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return s.cfg.KeyPrefix + hex.EncodeToString(sum[:])
}

// Snapshot is the read-model §4.10 GET /affinity/ returns.
type Snapshot struct {
	UserID    string    `json:"user_id"`
	Score     float64   `json:"score"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Current returns a user's affinity snapshot, read-through cached.
func (s *Service) Current(ctx context.Context, userID string) (*Snapshot, error) {
	if s.cfg.Enabled && s.redis != nil {
		if data, err := s.redis.Get(ctx, s.cacheKey(userID)).Bytes(); err == nil {
			var snap Snapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return &snap, nil
			}
			logger.Warnw("corrupt affinity cache entry, evicting", "user_id", userID)
			_ = s.redis.Del(ctx, s.cacheKey(userID)).Err()
		} else if err != goredis.Nil {
			logger.Warnw("affinity cache read failed, falling back to store", "error", err.Error())
		}
	}

	latest, err := s.store.LatestAffinity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return &Snapshot{UserID: userID, Score: 0, State: StateForScore(0)}, nil
	}
	snap := &Snapshot{UserID: userID, Score: latest.NewScore, State: StateForScore(latest.NewScore), UpdatedAt: latest.CreatedAt}
	s.writeCache(ctx, userID, snap)
	return snap, nil
}

// Apply applies one turn's signals atomically per user (§5 serialization),
// invalidating the cache on write.
func (s *Service) Apply(ctx context.Context, userID string, sig Signals) (*Snapshot, error) {
	var result *model.AffinityHistory
	err := s.store.AppendAffinityHistory(ctx, userID, func(latest *model.AffinityHistory) (*model.AffinityHistory, error) {
		old := 0.0
		if latest != nil {
			old = latest.NewScore
		}
		delta := sig.Delta()
		next := clamp(old+delta, -1, 1)
		row := &model.AffinityHistory{
			OldScore:     old,
			NewScore:     next,
			Delta:        delta,
			TriggerEvent: sig.TriggerEvent,
			Signals: model.JSONMap{
				"user_initiated":      sig.UserInitiated,
				"emotion_valence":     sig.EmotionValence,
				"memory_confirmation": sig.MemoryConfirmation,
				"correction":          sig.Correction,
				"silence_days":        sig.SilenceDays,
			},
		}
		result = row
		return row, nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateCache(ctx, userID)
	return &Snapshot{UserID: userID, Score: result.NewScore, State: StateForScore(result.NewScore), UpdatedAt: time.Now().UTC()}, nil
}

// ApplySilenceDecay implements §8 property S6: the daily scheduler's
// silence-only update, decreasing score by min(0.07, remaining_to_floor).
func (s *Service) ApplySilenceDecay(ctx context.Context, userID string) (*Snapshot, error) {
	var result *model.AffinityHistory
	err := s.store.AppendAffinityHistory(ctx, userID, func(latest *model.AffinityHistory) (*model.AffinityHistory, error) {
		old := 0.0
		if latest != nil {
			old = latest.NewScore
		}
		remainingToFloor := old - (-1)
		delta := -math.Min(0.07, remainingToFloor)
		next := clamp(old+delta, -1, 1)
		row := &model.AffinityHistory{
			OldScore:     old,
			NewScore:     next,
			Delta:        delta,
			TriggerEvent: "silence_decay",
			Signals:      model.JSONMap{"silence_decay": true},
		}
		result = row
		return row, nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, userID)
	return &Snapshot{UserID: userID, Score: result.NewScore, State: StateForScore(result.NewScore), UpdatedAt: time.Now().UTC()}, nil
}

func (s *Service) writeCache(ctx context.Context, userID string, snap *Snapshot) {
	if !s.cfg.Enabled || s.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, s.cacheKey(userID), data, s.cfg.TTL).Err(); err != nil {
		logger.Warnw("failed to write affinity cache entry", "error", err.Error(), "user_id", userID)
	}
}

func (s *Service) invalidateCache(ctx context.Context, userID string) {
	if !s.cfg.Enabled || s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, s.cacheKey(userID)).Err(); err != nil {
		logger.Warnw("failed to invalidate affinity cache entry", "error", err.Error(), "user_id", userID)
	}
}
