package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/metrics"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
)

var testOpposites = map[string]string{"likes": "dislikes"}

func TestDetectFlagsOppositePredicatePairsSharingObject(t *testing.T) {
	triples := []Triple{
		{MemoryID: "mem-1", Subject: "user", Predicate: "likes", Object: "spicy food"},
		{MemoryID: "mem-2", Subject: "user", Predicate: "dislikes", Object: "spicy food"},
	}
	detections := Detect(triples, testOpposites, 0.8)
	require.Len(t, detections, 1)
	assert.Equal(t, "mem-1", detections[0].Memory1ID)
	assert.Equal(t, "mem-2", detections[0].Memory2ID)
	assert.Equal(t, model.ConflictTypeOpposite, detections[0].Type)
	assert.GreaterOrEqual(t, detections[0].Confidence, 0.8)
}

func TestDetectIgnoresPairsBelowJaccardThreshold(t *testing.T) {
	triples := []Triple{
		{MemoryID: "mem-1", Subject: "user", Predicate: "likes", Object: "spicy thai food"},
		{MemoryID: "mem-2", Subject: "user", Predicate: "dislikes", Object: "sweet desserts"},
	}
	detections := Detect(triples, testOpposites, 0.8)
	assert.Empty(t, detections)
}

func TestDetectIgnoresNonOppositePredicates(t *testing.T) {
	triples := []Triple{
		{MemoryID: "mem-1", Subject: "user", Predicate: "likes", Object: "tea"},
		{MemoryID: "mem-2", Subject: "user", Predicate: "likes", Object: "tea"},
	}
	detections := Detect(triples, testOpposites, 0.8)
	assert.Empty(t, detections)
}

func TestDetectSkipsTriplesFromTheSameMemory(t *testing.T) {
	triples := []Triple{
		{MemoryID: "mem-1", Subject: "user", Predicate: "likes", Object: "tea"},
		{MemoryID: "mem-1", Subject: "user", Predicate: "dislikes", Object: "tea"},
	}
	detections := Detect(triples, testOpposites, 0.8)
	assert.Empty(t, detections)
}

type fakeConflictStore struct {
	conflicts      map[string]*model.MemoryConflict
	sessions       map[string]*model.ClarificationSession
	sessionsSince  int64
	deprecated     []string
	resolvedMethod model.ConflictResolutionMethod
	resolvedID     string
	preferredID    string
}

func newFakeConflictStore() *fakeConflictStore {
	return &fakeConflictStore{conflicts: map[string]*model.MemoryConflict{}, sessions: map[string]*model.ClarificationSession{}}
}

func (f *fakeConflictStore) FindConflictForPair(ctx context.Context, userID, memory1, memory2 string) (*model.MemoryConflict, error) {
	for _, c := range f.conflicts {
		if (c.Memory1ID == memory1 && c.Memory2ID == memory2) || (c.Memory1ID == memory2 && c.Memory2ID == memory1) {
			return c, nil
		}
	}
	return nil, nil
}
func (f *fakeConflictStore) InsertConflict(ctx context.Context, c *model.MemoryConflict) error {
	f.conflicts[c.ID] = c
	return nil
}
func (f *fakeConflictStore) GetConflict(ctx context.Context, conflictID string) (*model.MemoryConflict, error) {
	return f.conflicts[conflictID], nil
}
func (f *fakeConflictStore) ResolveConflict(ctx context.Context, conflictID string, method model.ConflictResolutionMethod, preferredMemoryID string) error {
	f.resolvedID = conflictID
	f.resolvedMethod = method
	f.preferredID = preferredMemoryID
	if c, ok := f.conflicts[conflictID]; ok {
		c.Status = model.ConflictRowStatusResolved
	}
	return nil
}
func (f *fakeConflictStore) CreateClarificationSession(ctx context.Context, cs *model.ClarificationSession) error {
	f.sessions[cs.ID] = cs
	return nil
}
func (f *fakeConflictStore) PendingClarificationSession(ctx context.Context, userID, sessionID string) (*model.ClarificationSession, error) {
	for _, s := range f.sessions {
		if s.UserID == userID && s.SessionID == sessionID && s.Status == model.ClarificationStatusPending {
			return s, nil
		}
	}
	return nil, nil
}
func (f *fakeConflictStore) AnswerClarificationSession(ctx context.Context, id, response string) error {
	if s, ok := f.sessions[id]; ok {
		s.Status = model.ClarificationStatusAnswered
		s.UserResponse = response
	}
	return nil
}
func (f *fakeConflictStore) CountClarificationsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	return f.sessionsSince, nil
}
func (f *fakeConflictStore) DeprecateMemory(ctx context.Context, memoryID string) error {
	f.deprecated = append(f.deprecated, memoryID)
	return nil
}

func testConfig() *config.CompanionOptions { return config.NewCompanionOptions() }

func TestRecordDetectionsSkipsExistingUnorderedPair(t *testing.T) {
	store := newFakeConflictStore()
	store.conflicts["existing"] = &model.MemoryConflict{ID: "existing", Memory1ID: "mem-2", Memory2ID: "mem-1"}
	svc := New(store, testConfig())

	created, err := svc.RecordDetections(context.Background(), "user-1", []Detection{
		{Memory1ID: "mem-1", Memory2ID: "mem-2", Type: model.ConflictTypeOpposite, Confidence: 0.9},
	})
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestRecordDetectionsInsertsNewConflict(t *testing.T) {
	store := newFakeConflictStore()
	svc := New(store, testConfig())

	created, err := svc.RecordDetections(context.Background(), "user-1", []Detection{
		{Memory1ID: "mem-1", Memory2ID: "mem-2", Type: model.ConflictTypeOpposite, Confidence: 0.9},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Len(t, store.conflicts, 1)
}

func TestTryOpenClarificationRespectsRateLimit(t *testing.T) {
	store := newFakeConflictStore()
	store.sessionsSince = 1
	svc := New(store, testConfig())

	cs, err := svc.TryOpenClarification(context.Background(), "user-1", "sess-1", "conflict-1", "which is it?")
	require.NoError(t, err)
	assert.Nil(t, cs)
	assert.Empty(t, store.sessions)
}

func TestTryOpenClarificationOpensWhenUnderLimit(t *testing.T) {
	store := newFakeConflictStore()
	svc := New(store, testConfig())

	cs, err := svc.TryOpenClarification(context.Background(), "user-1", "sess-1", "conflict-1", "which is it?")
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Equal(t, "conflict-1", cs.ConflictID)
}

func TestTryOpenClarificationRecordsMetricOnlyWhenOpened(t *testing.T) {
	rec := metrics.New(0)

	limited := newFakeConflictStore()
	limited.sessionsSince = 1
	svc := New(limited, testConfig()).WithMetrics(rec)
	_, err := svc.TryOpenClarification(context.Background(), "user-1", "sess-1", "conflict-1", "which is it?")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Snapshot().ClarificationsIssued)

	opened := newFakeConflictStore()
	svc = New(opened, testConfig()).WithMetrics(rec)
	_, err = svc.TryOpenClarification(context.Background(), "user-1", "sess-2", "conflict-1", "which is it?")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Snapshot().ClarificationsIssued)
}

func TestProcessClarificationResponseResolvesAndDeprecatesOtherMemory(t *testing.T) {
	store := newFakeConflictStore()
	store.conflicts["conflict-1"] = &model.MemoryConflict{ID: "conflict-1", Memory1ID: "mem-1", Memory2ID: "mem-2"}
	session := &model.ClarificationSession{ID: "sess-rec", ConflictID: "conflict-1", UserID: "user-1"}
	store.sessions["sess-rec"] = session
	svc := New(store, testConfig())

	err := svc.ProcessClarificationResponse(context.Background(), session, "mem-1 is correct", "mem-1")
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionUserClarified, store.resolvedMethod)
	assert.Equal(t, "mem-1", store.preferredID)
	require.Len(t, store.deprecated, 1)
	assert.Equal(t, "mem-2", store.deprecated[0])
	assert.Equal(t, model.ClarificationStatusAnswered, session.Status)
}

func TestGenerateQuestionFallsBackWithoutTopic(t *testing.T) {
	q := GenerateQuestion(nil)
	assert.NotEmpty(t, q)
}
