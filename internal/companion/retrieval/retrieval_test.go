package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/graph"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/vector"
)

type fakeMemories struct {
	byID   map[string]model.Memory
	recent []model.Memory
}

func (f *fakeMemories) GetMemory(ctx context.Context, userID, memoryID string) (*model.Memory, error) {
	m, ok := f.byID[memoryID]
	if !ok {
		return nil, assert.AnError
	}
	return &m, nil
}
func (f *fakeMemories) RecentMemories(ctx context.Context, userID string, limit int) ([]model.Memory, error) {
	return f.recent, nil
}

type fakeVectors struct {
	hits []vector.Hit
	err  error
}

func (f *fakeVectors) Search(ctx context.Context, userID string, vec []float32, topK int) ([]vector.Hit, error) {
	return f.hits, f.err
}

type fakeGraphReader struct {
	entitiesByMemory map[string][]model.GraphEntity
	neighbors        map[string][]graph.Neighbor
	byName           map[string]*model.GraphEntity
}

func (f *fakeGraphReader) EntitiesForMemory(ctx context.Context, userID, memoryID string) ([]model.GraphEntity, error) {
	return f.entitiesByMemory[memoryID], nil
}
func (f *fakeGraphReader) ExpandNeighbors(ctx context.Context, userID, startEntityID string, maxHops int, edgeWeightFloor float64) ([]graph.Neighbor, error) {
	return f.neighbors[startEntityID], nil
}
func (f *fakeGraphReader) FindEntityByName(ctx context.Context, userID, name string) (*model.GraphEntity, error) {
	return f.byName[name], nil
}

type fakeAffinity struct {
	latest *model.AffinityHistory
}

func (f *fakeAffinity) LatestAffinity(ctx context.Context, userID string) (*model.AffinityHistory, error) {
	return f.latest, nil
}

type fakeEmbed struct {
	vec []float32
}

func (f *fakeEmbed) Embed(ctx context.Context, text string) ([]float32, error) { return f.vec, nil }
func (f *fakeEmbed) Dimension() int                                           { return len(f.vec) }

func testConfig() *config.CompanionOptions {
	return config.NewCompanionOptions()
}

func TestRetrieveRanksByFourFactorScoreAndRespectsTopK(t *testing.T) {
	now := time.Now().UTC()
	mem1 := model.Memory{ID: "mem-1", UserID: "user-1", Content: "likes tea", Valence: 0.5, ObservedAt: now}
	mem2 := model.Memory{ID: "mem-2", UserID: "user-1", Content: "likes coffee", Valence: 0.2, ObservedAt: now.Add(-40 * 24 * time.Hour)}

	memories := &fakeMemories{byID: map[string]model.Memory{"mem-1": mem1, "mem-2": mem2}}
	vectors := &fakeVectors{hits: []vector.Hit{
		{PrimaryID: "p1", MemoryID: "mem-1", Score: 0.9},
		{PrimaryID: "p2", MemoryID: "mem-2", Score: 0.85},
	}}
	graphReader := &fakeGraphReader{
		entitiesByMemory: map[string][]model.GraphEntity{
			"mem-1": {{ID: "e1", Name: "tea"}},
			"mem-2": {{ID: "e2", Name: "coffee"}},
		},
		neighbors: map[string][]graph.Neighbor{
			"e1": {{Entity: model.GraphEntity{ID: "e3", Name: "caffeine"}, Relation: model.GraphRelation{SourceID: "e1", RelationType: "contains", Weight: 0.8}, Hop: 1}},
		},
		byName: map[string]*model.GraphEntity{},
	}
	affinity := &fakeAffinity{latest: &model.AffinityHistory{NewScore: 0.6}}
	embed := &fakeEmbed{vec: []float32{0.1, 0.2}}

	svc := New(memories, vectors, graphReader, affinity, embed, testConfig())

	result, err := svc.Retrieve(context.Background(), "user-1", "tell me about drinks", 10, "")
	require.NoError(t, err)
	require.Len(t, result.Memories, 2)
	assert.Equal(t, "mem-1", result.Memories[0].Memory.ID)
	assert.Greater(t, result.Memories[0].Score, result.Memories[1].Score)
	require.Len(t, result.Facts, 1)
	assert.Equal(t, "tea", result.Facts[0].SourceEntity)
	assert.Equal(t, "caffeine", result.Facts[0].TargetEntity)
}

func TestRetrieveFiltersCandidatesBelowVectorScoreThreshold(t *testing.T) {
	mem1 := model.Memory{ID: "mem-1", UserID: "user-1", ObservedAt: time.Now().UTC()}
	memories := &fakeMemories{byID: map[string]model.Memory{"mem-1": mem1}}
	vectors := &fakeVectors{hits: []vector.Hit{
		{PrimaryID: "p1", MemoryID: "mem-1", Score: 0.01},
	}}
	graphReader := &fakeGraphReader{entitiesByMemory: map[string][]model.GraphEntity{}, neighbors: map[string][]graph.Neighbor{}, byName: map[string]*model.GraphEntity{}}
	affinity := &fakeAffinity{}
	embed := &fakeEmbed{vec: []float32{0.1}}

	svc := New(memories, vectors, graphReader, affinity, embed, testConfig())
	result, err := svc.Retrieve(context.Background(), "user-1", "query", 10, "")
	require.NoError(t, err)
	assert.Empty(t, result.Memories)
}

func TestRetrieveGraphOnlyModeSkipsVectorSearch(t *testing.T) {
	mem1 := model.Memory{ID: "mem-1", UserID: "user-1", ObservedAt: time.Now().UTC()}
	memories := &fakeMemories{byID: map[string]model.Memory{"mem-1": mem1}, recent: []model.Memory{mem1}}
	vectors := &fakeVectors{err: assert.AnError}
	graphReader := &fakeGraphReader{entitiesByMemory: map[string][]model.GraphEntity{}, neighbors: map[string][]graph.Neighbor{}, byName: map[string]*model.GraphEntity{}}
	affinity := &fakeAffinity{}
	embed := &fakeEmbed{vec: []float32{0.1}}

	svc := New(memories, vectors, graphReader, affinity, embed, testConfig())
	result, err := svc.Retrieve(context.Background(), "user-1", "query", 10, ModeGraphOnly)
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, "mem-1", result.Memories[0].Memory.ID)
}

func TestAnnotateConflictHintsFlagsOppositePredicatePairsSharingTarget(t *testing.T) {
	facts := []Fact{
		{SourceEntity: "user", Relation: "likes", TargetEntity: "cats", Weight: 0.5},
		{SourceEntity: "user", Relation: "dislikes", TargetEntity: "cats", Weight: 0.5},
		{SourceEntity: "user", Relation: "likes", TargetEntity: "dogs", Weight: 0.5},
	}
	opposites := map[string]string{"likes": "dislikes"}
	annotateConflictHints(facts, opposites)

	assert.True(t, facts[0].ConflictHint)
	assert.True(t, facts[1].ConflictHint)
	assert.False(t, facts[2].ConflictHint)
}

func TestBuildFactsDeduplicatesAndKeepsMaxWeight(t *testing.T) {
	neighbors := []graph.Neighbor{
		{Entity: model.GraphEntity{Name: "tea"}, Relation: model.GraphRelation{SourceID: "e1", RelationType: "likes", Weight: 0.3}, Hop: 1},
		{Entity: model.GraphEntity{Name: "tea"}, Relation: model.GraphRelation{SourceID: "e1", RelationType: "likes", Weight: 0.9}, Hop: 1},
	}
	names := map[string]string{"e1": "user"}
	facts := buildFacts(neighbors, names)

	require.Len(t, facts, 1)
	assert.Equal(t, 0.9, facts[0].Weight)
}
