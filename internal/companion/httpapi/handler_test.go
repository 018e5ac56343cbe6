package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/affinity"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/conflict"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/conversation"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/retrieval"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/graph"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/vector"
	"github.com/rhao5556-beep/peiban-sub000/pkg/security/auth/jwt"
)

func init() { gin.SetMode(gin.TestMode) }

// fakeMemoryStore implements the memoryStore interface over an in-memory map.
type fakeMemoryStore struct {
	byID    map[string]*model.Memory
	history []model.AffinityHistory
	deleted []string
	events  []model.OutboxEvent
}

func (f *fakeMemoryStore) GetMemory(_ context.Context, _, id string) (*model.Memory, error) {
	return f.byID[id], nil
}

func (f *fakeMemoryStore) ListMemoryIDsForUser(_ context.Context, _ string) ([]string, error) {
	var ids []string
	for id, m := range f.byID {
		if m.Status != model.MemoryStatusDeleted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeMemoryStore) SoftDeleteMemories(_ context.Context, _ string, memoryIDs []string, _ *model.DeletionAudit) error {
	for _, id := range memoryIDs {
		if m, ok := f.byID[id]; ok {
			m.Status = model.MemoryStatusDeleted
		}
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func (f *fakeMemoryStore) EnqueueDeletionOutboxEvents(_ context.Context, events []model.OutboxEvent) error {
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeMemoryStore) GetIdMapping(_ context.Context, _, _ string) (*model.IdMapping, error) {
	return nil, nil
}

func (f *fakeMemoryStore) HistorySince(_ context.Context, _ string, _ time.Time) ([]model.AffinityHistory, error) {
	return f.history, nil
}

type fakeGraphStore struct {
	entities  []model.GraphEntity
	relations []model.GraphRelation
}

func (f *fakeGraphStore) ListGraph(_ context.Context, _ string, _ time.Time) ([]model.GraphEntity, []model.GraphRelation, error) {
	return f.entities, f.relations, nil
}

type fakeAffinityStore struct{ latest *model.AffinityHistory }

func (f *fakeAffinityStore) LatestAffinity(_ context.Context, _ string) (*model.AffinityHistory, error) {
	return f.latest, nil
}

func (f *fakeAffinityStore) AppendAffinityHistory(_ context.Context, userID string, compute func(*model.AffinityHistory) (*model.AffinityHistory, error)) error {
	next, err := compute(f.latest)
	if err != nil {
		return err
	}
	next.UserID = userID
	f.latest = next
	return nil
}

type fakeConflictStore struct{}

func (f *fakeConflictStore) FindConflictForPair(context.Context, string, string, string) (*model.MemoryConflict, error) {
	return nil, nil
}
func (f *fakeConflictStore) InsertConflict(context.Context, *model.MemoryConflict) error { return nil }
func (f *fakeConflictStore) GetConflict(context.Context, string) (*model.MemoryConflict, error) {
	return nil, nil
}
func (f *fakeConflictStore) ResolveConflict(context.Context, string, model.ConflictResolutionMethod, string) error {
	return nil
}
func (f *fakeConflictStore) CreateClarificationSession(context.Context, *model.ClarificationSession) error {
	return nil
}
func (f *fakeConflictStore) PendingClarificationSession(context.Context, string, string) (*model.ClarificationSession, error) {
	return nil, nil
}
func (f *fakeConflictStore) AnswerClarificationSession(context.Context, string, string) error {
	return nil
}
func (f *fakeConflictStore) CountClarificationsSince(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeConflictStore) DeprecateMemory(context.Context, string) error { return nil }

type fakeRetrievalMemories struct{}

func (f *fakeRetrievalMemories) GetMemory(context.Context, string, string) (*model.Memory, error) {
	return nil, nil
}
func (f *fakeRetrievalMemories) RecentMemories(context.Context, string, int) ([]model.Memory, error) {
	return nil, nil
}

type fakeGraphReaderForRetrieval struct{}

func (f *fakeGraphReaderForRetrieval) EntitiesForMemory(context.Context, string, string) ([]model.GraphEntity, error) {
	return nil, nil
}
func (f *fakeGraphReaderForRetrieval) ExpandNeighbors(context.Context, string, string, int, float64) ([]graph.Neighbor, error) {
	return nil, nil
}
func (f *fakeGraphReaderForRetrieval) FindEntityByName(context.Context, string, string) (*model.GraphEntity, error) {
	return nil, nil
}

type fakeEmbed struct{}

func (f *fakeEmbed) Embed(context.Context, string) ([]float32, error) { return []float32{0.1, 0.2}, nil }
func (f *fakeEmbed) Dimension() int                                   { return 2 }

type fakeReply struct{}

func (f *fakeReply) StreamReply(_ context.Context, _ string, _ llm.Tier) (<-chan llm.StreamFrame, error) {
	out := make(chan llm.StreamFrame, 2)
	out <- llm.StreamFrame{Kind: llm.FrameText, Text: "hi there"}
	out <- llm.StreamFrame{Kind: llm.FrameEnd}
	close(out)
	return out, nil
}

type fakeIdempotency struct{}

func (f *fakeIdempotency) GetIdempotencyReplay(context.Context, string, string) (*model.IdempotencyKey, error) {
	return nil, nil
}
func (f *fakeIdempotency) PutIdempotencyRecord(context.Context, *model.IdempotencyKey, time.Duration) error {
	return nil
}

type fakeWriter struct{}

func (f *fakeWriter) Write(context.Context, *model.Memory, *model.OutboxEvent) error { return nil }

type fakeEntities struct{}

func (f *fakeEntities) FindEntityByName(context.Context, string, string) (*model.GraphEntity, error) {
	return nil, nil
}

func buildTestHandler(t *testing.T) (*Handler, *jwt.JWT, *fakeMemoryStore) {
	t.Helper()

	cfg := config.NewCompanionOptions()

	affSvc := affinity.New(&fakeAffinityStore{}, (*goredis.Client)(nil), affinity.DefaultCacheConfig())
	conflictSvc := conflict.New(&fakeConflictStore{}, cfg)

	retrievalSvc := retrieval.New(
		&fakeRetrievalMemories{},
		vectorSearcherAdapter{},
		&fakeGraphReaderForRetrieval{},
		&fakeAffinityStore{},
		&fakeEmbed{},
		cfg,
	)

	convSvc := conversation.New(
		&fakeIdempotency{},
		&fakeWriter{},
		&fakeRetrievalMemories{},
		&fakeEntities{},
		affSvc,
		conflictSvc,
		retrievalSvc,
		&fakeReply{},
		&fakeEmbed{},
		cfg,
	)

	memStore := &fakeMemoryStore{byID: map[string]*model.Memory{
		"mem-1": {ID: "mem-1", UserID: "user-1", Content: "likes tea", Status: model.MemoryStatusCommitted, CreatedAt: time.Now()},
	}}
	graphStore := &fakeGraphStore{entities: []model.GraphEntity{{ID: "e-1", Name: "Paris", Type: model.GraphEntityPlace, MentionCount: 2}}}

	authenticator, err := jwt.New(jwt.WithKey("test-signing-key-at-least-32-bytes!!"))
	require.NoError(t, err)

	h := New(convSvc, affSvc, memStore, graphStore, authenticator)
	return h, authenticator, memStore
}

// vectorSearcherAdapter satisfies retrieval's vectorSearcher interface with
// an always-empty result, since no test here exercises vector ranking.
type vectorSearcherAdapter struct{}

func (vectorSearcherAdapter) Search(context.Context, string, []float32, int) ([]vector.Hit, error) {
	return nil, nil
}

func newRouter(h *Handler, authenticator *jwt.JWT) *gin.Engine {
	engine := gin.New()
	Register(engine, h, authenticator)
	return engine
}

func bearerFor(t *testing.T, authenticator *jwt.JWT, userID string) string {
	t.Helper()
	token, err := authenticator.Sign(context.Background(), userID)
	require.NoError(t, err)
	return "Bearer " + token.GetAccessToken()
}

func TestIssueTokenReturnsAccessToken(t *testing.T) {
	h, authenticator, _ := buildTestHandler(t)
	engine := newRouter(h, authenticator)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"user_id":"user-1"}`))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestProtectedRouteRejectsMissingBearer(t *testing.T) {
	h, authenticator, _ := buildTestHandler(t)
	engine := newRouter(h, authenticator)

	req := httptest.NewRequest(http.MethodGet, "/memories/mem-1", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetMemoryReturnsCommittedMemory(t *testing.T) {
	h, authenticator, _ := buildTestHandler(t)
	engine := newRouter(h, authenticator)

	req := httptest.NewRequest(http.MethodGet, "/memories/mem-1", nil)
	req.Header.Set("Authorization", bearerFor(t, authenticator, "user-1"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp MemoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "mem-1", resp.ID)
	assert.Equal(t, "committed", resp.Status)
}

func TestGetMemoryReturns404ForUnknownID(t *testing.T) {
	h, authenticator, _ := buildTestHandler(t)
	engine := newRouter(h, authenticator)

	req := httptest.NewRequest(http.MethodGet, "/memories/does-not-exist", nil)
	req.Header.Set("Authorization", bearerFor(t, authenticator, "user-1"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteMemoriesSoftDeletesAndEnqueues(t *testing.T) {
	h, authenticator, store := buildTestHandler(t)
	engine := newRouter(h, authenticator)

	req := httptest.NewRequest(http.MethodDelete, "/memories", strings.NewReader(`{"memory_ids":["mem-1"]}`))
	req.Header.Set("Authorization", bearerFor(t, authenticator, "user-1"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.MemoryStatusDeleted, store.byID["mem-1"].Status)
	assert.Len(t, store.events, 1)
}

func TestDeleteMemoriesRejectsEmptyBody(t *testing.T) {
	h, authenticator, _ := buildTestHandler(t)
	engine := newRouter(h, authenticator)

	req := httptest.NewRequest(http.MethodDelete, "/memories", strings.NewReader(`{}`))
	req.Header.Set("Authorization", bearerFor(t, authenticator, "user-1"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetGraphReturnsNodesAndEdges(t *testing.T) {
	h, authenticator, _ := buildTestHandler(t)
	engine := newRouter(h, authenticator)

	req := httptest.NewRequest(http.MethodGet, "/graph/", nil)
	req.Header.Set("Authorization", bearerFor(t, authenticator, "user-1"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp GraphResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "Paris", resp.Nodes[0].Name)
}

func TestStreamMessageEmitsStartAndDoneFrames(t *testing.T) {
	h, authenticator, _ := buildTestHandler(t)
	engine := newRouter(h, authenticator)

	req := httptest.NewRequest(http.MethodPost, "/sse/message", strings.NewReader(`{"message":"hello"}`))
	req.Header.Set("Authorization", bearerFor(t, authenticator, "user-1"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"type":"start"`)
	assert.Contains(t, body, `"type":"done"`)
}
