package affinity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
)

func TestStateForScoreMatchesClosedSetTable(t *testing.T) {
	assert.Equal(t, StateStranger, StateForScore(-0.5))
	assert.Equal(t, StateAcquaintance, StateForScore(0))
	assert.Equal(t, StateAcquaintance, StateForScore(0.29))
	assert.Equal(t, StateFriend, StateForScore(0.3))
	assert.Equal(t, StateFriend, StateForScore(0.49))
	assert.Equal(t, StateCloseFriend, StateForScore(0.5))
	assert.Equal(t, StateCloseFriend, StateForScore(0.69))
	assert.Equal(t, StateBestFriend, StateForScore(0.7))
	assert.Equal(t, StateBestFriend, StateForScore(1))
}

func TestSignalsDeltaMatchesUpdateRule(t *testing.T) {
	sig := Signals{UserInitiated: true, EmotionValence: 0.8, MemoryConfirmation: true}
	got := sig.Delta()
	want := 0.01 + 0.005*0.8 + 0.01
	assert.InDelta(t, want, got, 1e-9)
}

func TestSignalsDeltaCorrectionStrictlyDecreases(t *testing.T) {
	base := Signals{}.Delta()
	corrected := Signals{Correction: true}.Delta()
	assert.Less(t, corrected, base)
}

func TestSignalsDeltaNegativeValencePenalty(t *testing.T) {
	sig := Signals{EmotionValence: -0.9}
	got := sig.Delta()
	assert.InDelta(t, -0.01, got, 1e-9)
}

type fakeAffinityStore struct {
	latest *model.AffinityHistory
	rows   []*model.AffinityHistory
}

func (f *fakeAffinityStore) LatestAffinity(ctx context.Context, userID string) (*model.AffinityHistory, error) {
	return f.latest, nil
}
func (f *fakeAffinityStore) AppendAffinityHistory(ctx context.Context, userID string, compute func(latest *model.AffinityHistory) (*model.AffinityHistory, error)) error {
	next, err := compute(f.latest)
	if err != nil {
		return err
	}
	next.UserID = userID
	f.rows = append(f.rows, next)
	f.latest = next
	return nil
}

func TestApplyClampsToUnitRangeAndAppendsHistory(t *testing.T) {
	store := &fakeAffinityStore{latest: &model.AffinityHistory{NewScore: 0.99}}
	svc := New(store, nil, DefaultCacheConfig())

	snap, err := svc.Apply(context.Background(), "user-1", Signals{UserInitiated: true, EmotionValence: 1, TriggerEvent: "turn"})
	require.NoError(t, err)
	assert.LessOrEqual(t, snap.Score, 1.0)
	require.Len(t, store.rows, 1)
	assert.Equal(t, 0.99, store.rows[0].OldScore)
}

func TestApplySilenceDecayDecreasesTowardFloorNotBelow(t *testing.T) {
	store := &fakeAffinityStore{latest: &model.AffinityHistory{NewScore: -0.98}}
	svc := New(store, nil, DefaultCacheConfig())

	snap, err := svc.ApplySilenceDecay(context.Background(), "user-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Score, -1.0)
	assert.InDelta(t, -1.0, snap.Score, 1e-9)
}

func TestCurrentDefaultsToZeroWhenNoHistory(t *testing.T) {
	store := &fakeAffinityStore{}
	svc := New(store, nil, DefaultCacheConfig())

	snap, err := svc.Current(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.Score)
	assert.Equal(t, StateAcquaintance, snap.State)
}
