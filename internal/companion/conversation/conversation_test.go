package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/affinity"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/conflict"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/emotion"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/retrieval"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/graph"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/vector"
)

// --- fakes shared across tests ---

type fakeIdempotencyStore struct {
	records map[string]*model.IdempotencyKey
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{records: map[string]*model.IdempotencyKey{}}
}
func (f *fakeIdempotencyStore) GetIdempotencyReplay(ctx context.Context, key, userID string) (*model.IdempotencyKey, error) {
	if rec, ok := f.records[key+":"+userID]; ok {
		return rec, nil
	}
	return nil, nil
}
func (f *fakeIdempotencyStore) PutIdempotencyRecord(ctx context.Context, rec *model.IdempotencyKey, ttl time.Duration) error {
	f.records[rec.Key+":"+rec.UserID] = rec
	return nil
}

type fakeWriter struct {
	written []*model.Memory
	err     error
}

func (f *fakeWriter) Write(ctx context.Context, mem *model.Memory, event *model.OutboxEvent) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, mem)
	return nil
}

type fakeMemoryReader struct {
	byID map[string]*model.Memory
}

func (f *fakeMemoryReader) GetMemory(ctx context.Context, userID, memoryID string) (*model.Memory, error) {
	return f.byID[memoryID], nil
}

type fakeEntityLookup struct {
	byName map[string]*model.GraphEntity
}

func (f *fakeEntityLookup) FindEntityByName(ctx context.Context, userID, name string) (*model.GraphEntity, error) {
	return f.byName[name], nil
}

type fakeReplyProvider struct {
	text string
	err  error
}

func (f *fakeReplyProvider) StreamReply(ctx context.Context, prompt string, tier llm.Tier) (<-chan llm.StreamFrame, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan llm.StreamFrame, 2)
	out <- llm.StreamFrame{Kind: llm.FrameText, Text: f.text}
	out <- llm.StreamFrame{Kind: llm.FrameEnd}
	close(out)
	return out, nil
}

type fakeEmbedProvider struct {
	vec []float32
}

func (f *fakeEmbedProvider) Embed(ctx context.Context, text string) ([]float32, error) { return f.vec, nil }
func (f *fakeEmbedProvider) Dimension() int                                            { return len(f.vec) }

type fakeAffinityStore struct {
	latest *model.AffinityHistory
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
	f.latest = next
	return nil
}

type fakeConflictStore struct {
	conflicts     map[string]*model.MemoryConflict
	sessions      map[string]*model.ClarificationSession
	sessionsSince int64
	deprecated    []string
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
	if c, ok := f.conflicts[conflictID]; ok {
		c.Status = model.ConflictRowStatusResolved
		c.PreferredMemoryID = preferredMemoryID
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

type fakeRetrievalMemories struct {
	byID map[string]model.Memory
}

func (f *fakeRetrievalMemories) GetMemory(ctx context.Context, userID, memoryID string) (*model.Memory, error) {
	m, ok := f.byID[memoryID]
	if !ok {
		return nil, assert.AnError
	}
	return &m, nil
}
func (f *fakeRetrievalMemories) RecentMemories(ctx context.Context, userID string, limit int) ([]model.Memory, error) {
	return nil, nil
}

type fakeVectors struct {
	hits []vector.Hit
}

func (f *fakeVectors) Search(ctx context.Context, userID string, vec []float32, topK int) ([]vector.Hit, error) {
	return f.hits, nil
}

type fakeGraphReader struct {
	entitiesByMemory map[string][]model.GraphEntity
}

func (f *fakeGraphReader) EntitiesForMemory(ctx context.Context, userID, memoryID string) ([]model.GraphEntity, error) {
	return f.entitiesByMemory[memoryID], nil
}
func (f *fakeGraphReader) ExpandNeighbors(ctx context.Context, userID, startEntityID string, maxHops int, edgeWeightFloor float64) ([]graph.Neighbor, error) {
	return nil, nil
}
func (f *fakeGraphReader) FindEntityByName(ctx context.Context, userID, name string) (*model.GraphEntity, error) {
	return nil, nil
}

func buildTestService(t *testing.T, idem *fakeIdempotencyStore, writer *fakeWriter, reply *fakeReplyProvider, conflictStore *fakeConflictStore) *Service {
	t.Helper()
	cfg := config.NewCompanionOptions()

	affSvc := affinity.New(&fakeAffinityStore{latest: &model.AffinityHistory{NewScore: 0.2}}, nil, affinity.DefaultCacheConfig())
	conflictSvc := conflict.New(conflictStore, cfg)
	retrievalSvc := retrieval.New(
		&fakeRetrievalMemories{byID: map[string]model.Memory{}},
		&fakeVectors{},
		&fakeGraphReader{entitiesByMemory: map[string][]model.GraphEntity{}},
		&fakeAffinityStore{latest: &model.AffinityHistory{NewScore: 0.2}},
		&fakeEmbedProvider{vec: []float32{0.1, 0.2}},
		cfg,
	)

	return New(
		idem,
		writer,
		&fakeMemoryReader{byID: map[string]*model.Memory{}},
		&fakeEntityLookup{byName: map[string]*model.GraphEntity{}},
		affSvc,
		conflictSvc,
		retrievalSvc,
		reply,
		&fakeEmbedProvider{vec: []float32{0.1, 0.2}},
		cfg,
	)
}

func collect(out <-chan Frame) []Frame {
	var frames []Frame
	for f := range out {
		frames = append(frames, f)
	}
	return frames
}

func TestHandleEmitsStartTextMemoryPendingDoneInOrder(t *testing.T) {
	writer := &fakeWriter{}
	svc := buildTestService(t, newFakeIdempotencyStore(), writer, &fakeReplyProvider{text: "hello there"}, newFakeConflictStore())

	frames := collect(svc.Handle(context.Background(), TurnRequest{UserID: "user-1", SessionID: "sess-1", Message: "hi"}))

	require.True(t, len(frames) >= 4)
	assert.Equal(t, FrameStart, frames[0].Type)
	assert.Equal(t, FrameText, frames[1].Type)
	assert.Equal(t, "hello there", frames[1].Content)

	var sawMemoryPending, sawDone bool
	for _, f := range frames {
		if f.Type == FrameMemoryPending {
			sawMemoryPending = true
			assert.NotEmpty(t, f.MemoryID)
		}
		if f.Type == FrameDone {
			sawDone = true
		}
	}
	assert.True(t, sawMemoryPending)
	assert.True(t, sawDone)
	assert.Len(t, writer.written, 1)
}

func TestHandleReplaysIdempotentRequestWithoutRewriting(t *testing.T) {
	idem := newFakeIdempotencyStore()
	idem.records["key-1:user-1"] = &model.IdempotencyKey{
		Key: "key-1", UserID: "user-1", MemoryID: "mem-replay",
		ResponseBody: model.JSONMap{"reply": "cached reply", "memory_id": "mem-replay"},
	}
	writer := &fakeWriter{}
	svc := buildTestService(t, idem, writer, &fakeReplyProvider{text: "should not be used"}, newFakeConflictStore())

	frames := collect(svc.Handle(context.Background(), TurnRequest{UserID: "user-1", SessionID: "sess-1", Message: "hi again", IdempotencyKey: "key-1"}))

	require.True(t, len(frames) >= 3)
	assert.Equal(t, FrameStart, frames[0].Type)
	assert.Equal(t, FrameText, frames[1].Type)
	assert.Equal(t, "cached reply", frames[1].Content)
	assert.Empty(t, writer.written)

	last := frames[len(frames)-1]
	assert.Equal(t, FrameDone, last.Type)
	assert.Equal(t, true, last.Metadata["replayed"])
}

func TestHandleRoutesPendingClarificationResponseAndStillCommitsMemory(t *testing.T) {
	conflictStore := newFakeConflictStore()
	conflictStore.conflicts["conflict-1"] = &model.MemoryConflict{ID: "conflict-1", Memory1ID: "mem-1", Memory2ID: "mem-2"}
	conflictStore.sessions["sess-clarify"] = &model.ClarificationSession{
		ID: "sess-clarify", UserID: "user-1", SessionID: "sess-1", ConflictID: "conflict-1",
		Status: model.ClarificationStatusPending,
	}

	writer := &fakeWriter{}
	svc := buildTestService(t, newFakeIdempotencyStore(), writer, &fakeReplyProvider{text: "unused"}, conflictStore)

	frames := collect(svc.Handle(context.Background(), TurnRequest{UserID: "user-1", SessionID: "sess-1", Message: "the first one is right"}))

	require.NotEmpty(t, frames)
	assert.Equal(t, FrameStart, frames[0].Type)
	assert.Equal(t, model.ClarificationStatusAnswered, conflictStore.sessions["sess-clarify"].Status)
	assert.Equal(t, model.ConflictRowStatusResolved, conflictStore.conflicts["conflict-1"].Status)
	assert.Len(t, writer.written, 1)

	var sawDone bool
	for _, f := range frames {
		if f.Type == FrameDone {
			sawDone = true
		}
		assert.NotEqual(t, FrameClarification, f.Type)
	}
	assert.True(t, sawDone)
}

func TestHandleEmitsErrorFrameWhenReplyStreamUnavailable(t *testing.T) {
	writer := &fakeWriter{}
	svc := buildTestService(t, newFakeIdempotencyStore(), writer, &fakeReplyProvider{err: assert.AnError}, newFakeConflictStore())

	frames := collect(svc.Handle(context.Background(), TurnRequest{UserID: "user-1", SessionID: "sess-1", Message: "hi"}))

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, FrameError, last.Type)
	assert.Empty(t, writer.written)
}

func TestRouteTierEscalatesOnHighValence(t *testing.T) {
	svc := buildTestService(t, newFakeIdempotencyStore(), &fakeWriter{}, &fakeReplyProvider{text: "x"}, newFakeConflictStore())
	text := "I am furious and angry about this"
	tier := svc.routeTier(context.Background(), "user-1", text, affinity.StateAcquaintance, emotion.Analyze(text))
	assert.Equal(t, llm.Tier1, tier)
}

func TestChoosePreferredMemoryPicksHigherOverlap(t *testing.T) {
	mem1 := &model.Memory{Content: "I love spicy thai food"}
	mem2 := &model.Memory{Content: "I hate spicy food entirely"}
	preferred := choosePreferredMemory("actually I really do hate spicy food", "mem-1", mem1, "mem-2", mem2)
	assert.Equal(t, "mem-2", preferred)
}
