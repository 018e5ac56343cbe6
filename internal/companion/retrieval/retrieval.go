// Package retrieval implements C8: vector search, graph expansion, a
// four-factor re-rank, and entity-fact lookup, grounded on the reference's
// internal/rag/biz/retriever.go orchestration shape (embed -> search ->
// rerank -> repack), adapted from single-corpus document retrieval to
// per-user memory retrieval with a graph co-signal.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kart-io/logger"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/graph"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/store/vector"
)

// ModeGraphOnly implements §9 Open Question (b): it suppresses C3 vector
// calls entirely, seeding graph expansion from the user's most recent
// memories instead of vector candidates.
const ModeGraphOnly = "graph_only"

const (
	factsLimit        = 20 // §4.8 step 5, F≈20
	defaultMaxHops    = 2
	graphExpandBudget = 300 * time.Millisecond
)

type memoryReader interface {
	GetMemory(ctx context.Context, userID, memoryID string) (*model.Memory, error)
	RecentMemories(ctx context.Context, userID string, limit int) ([]model.Memory, error)
}

type vectorSearcher interface {
	Search(ctx context.Context, userID string, vec []float32, topK int) ([]vector.Hit, error)
}

type graphReader interface {
	EntitiesForMemory(ctx context.Context, userID, memoryID string) ([]model.GraphEntity, error)
	ExpandNeighbors(ctx context.Context, userID, startEntityID string, maxHops int, edgeWeightFloor float64) ([]graph.Neighbor, error)
	FindEntityByName(ctx context.Context, userID, name string) (*model.GraphEntity, error)
}

type affinityReader interface {
	LatestAffinity(ctx context.Context, userID string) (*model.AffinityHistory, error)
}

// Service is C8's DAO-composing orchestrator.
type Service struct {
	memories memoryReader
	vectors  vectorSearcher
	graph    graphReader
	affinity affinityReader
	embed    llm.EmbeddingProvider
	cfg      *config.CompanionOptions
}

// New composes C8 from its sink dependencies and the resolved configuration.
func New(memories memoryReader, vectors vectorSearcher, g graphReader, affinity affinityReader, embed llm.EmbeddingProvider, cfg *config.CompanionOptions) *Service {
	return &Service{memories: memories, vectors: vectors, graph: g, affinity: affinity, embed: embed, cfg: cfg}
}

// RankedMemory is one memory paired with its final rerank score.
type RankedMemory struct {
	Memory model.Memory
	Score  float64
}

// Fact is one deduplicated graph triple surfaced to the reply prompt.
type Fact struct {
	SourceEntity string
	Relation     string
	TargetEntity string
	Weight       float64
	HopDistance  int
	ConflictHint bool
}

// Result is retrieve()'s (memories[], facts[]) return value.
type Result struct {
	Memories []RankedMemory
	Facts    []Fact
}

type candidate struct {
	mem         model.Memory
	vectorScore float64
}

// Retrieve implements §4.8's retrieve(user_id, query_text, top_k) -> (memories[], facts[]).
func (s *Service) Retrieve(ctx context.Context, userID, queryText string, topK int, mode string) (*Result, error) {
	if topK < s.cfg.TopKMin {
		topK = s.cfg.TopKMin
	}
	if topK > s.cfg.TopKMax {
		topK = s.cfg.TopKMax
	}
	candidateK := 5 * topK
	if candidateK < 50 {
		candidateK = 50
	}

	candidates := s.gatherCandidates(ctx, userID, queryText, candidateK, mode)
	if len(candidates) == 0 {
		return &Result{}, nil
	}

	seedEntities, memEntities := s.seedEntitiesForCandidates(ctx, userID, candidates)
	if len(seedEntities) == 0 {
		// Semantic fallback (§4.8 step 3): the query itself may name a concept
		// absent from any retrieved memory's direct entity mentions.
		if e, err := s.graph.FindEntityByName(ctx, userID, queryText); err == nil && e != nil {
			seedEntities[e.ID] = *e
		}
	}

	neighbors, expandErr := s.expandWithBudget(ctx, userID, seedEntities)
	if expandErr != nil {
		logger.Warnw("graph expansion degraded", "error", expandErr.Error())
	}

	entityBestWeight, entityName := indexNeighbors(seedEntities, neighbors)
	facts := buildFacts(neighbors, entityName)
	annotateConflictHints(facts, s.cfg.OppositePredicates)
	sortFacts(facts)
	if len(facts) > factsLimit {
		facts = facts[:factsLimit]
	}

	var affinityScore float64
	if latest, err := s.affinity.LatestAffinity(ctx, userID); err == nil && latest != nil {
		affinityScore = latest.NewScore
	}

	ranked := s.rerank(candidates, memEntities, entityBestWeight, affinityScore)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	return &Result{Memories: ranked, Facts: facts}, nil
}

// gatherCandidates implements §4.8 steps 1-2, or the graph_only substitute
// for them (§9 Open Question (b)).
func (s *Service) gatherCandidates(ctx context.Context, userID, queryText string, candidateK int, mode string) []candidate {
	if mode == ModeGraphOnly {
		recents, err := s.memories.RecentMemories(ctx, userID, candidateK)
		if err != nil {
			logger.Warnw("graph_only recent-memory lookup failed, retrieval degrades to empty", "error", err.Error())
			return nil
		}
		out := make([]candidate, 0, len(recents))
		for _, m := range recents {
			out = append(out, candidate{mem: m, vectorScore: 0})
		}
		return out
	}

	qv, err := s.embed.Embed(ctx, queryText)
	if err != nil {
		logger.Warnw("query embedding failed, retrieval degrades for this turn", "error", err.Error())
		return nil
	}
	hits, err := s.vectors.Search(ctx, userID, qv, candidateK)
	if err != nil {
		logger.Warnw("vector search failed, retrieval degrades", "error", err.Error())
		return nil
	}

	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		if h.Score < s.cfg.VectorScoreThreshold {
			continue
		}
		mem, err := s.memories.GetMemory(ctx, userID, h.MemoryID)
		if err != nil {
			// Soft-deleted or transiently unavailable: degrade, don't fail the turn.
			continue
		}
		out = append(out, candidate{mem: *mem, vectorScore: h.Score})
	}
	return out
}

// seedEntitiesForCandidates unions every candidate's MemoryEntity-bridged
// entities, per §4.8 step 3.
func (s *Service) seedEntitiesForCandidates(ctx context.Context, userID string, candidates []candidate) (map[string]model.GraphEntity, map[string][]string) {
	seeds := map[string]model.GraphEntity{}
	memEntities := map[string][]string{}
	for _, c := range candidates {
		entities, err := s.graph.EntitiesForMemory(ctx, userID, c.mem.ID)
		if err != nil {
			continue
		}
		ids := make([]string, 0, len(entities))
		for _, e := range entities {
			seeds[e.ID] = e
			ids = append(ids, e.ID)
		}
		memEntities[c.mem.ID] = ids
	}
	return seeds, memEntities
}

// expandWithBudget performs 2-hop expansion from every seed entity, falling
// back to 1 hop for any entity reached after the latency budget is spent
// (§4.2/§4.8: "degrade to 1 on latency budget exceeded").
func (s *Service) expandWithBudget(ctx context.Context, userID string, seeds map[string]model.GraphEntity) ([]graph.Neighbor, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, graphExpandBudget)
	defer cancel()

	var all []graph.Neighbor
	degraded := false
	for id := range seeds {
		hops := defaultMaxHops
		callCtx := budgetCtx
		if degraded {
			hops = 1
			callCtx = ctx
		}
		n, err := s.graph.ExpandNeighbors(callCtx, userID, id, hops, s.cfg.EdgeWeightFloor)
		if err != nil {
			if !degraded && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
				degraded = true
				n, err = s.graph.ExpandNeighbors(ctx, userID, id, 1, s.cfg.EdgeWeightFloor)
			}
			if err != nil {
				continue
			}
		}
		all = append(all, n...)
	}
	if degraded {
		return all, fmt.Errorf("graph expansion exceeded %s budget, degraded to 1 hop for remaining entities", graphExpandBudget)
	}
	return all, nil
}

// indexNeighbors builds (a) the best outgoing edge weight seen from each
// entity, used by rerank's edge_weight term, and (b) an entity-id -> name
// lookup for fact rendering.
func indexNeighbors(seeds map[string]model.GraphEntity, neighbors []graph.Neighbor) (map[string]float64, map[string]string) {
	bestWeight := map[string]float64{}
	name := map[string]string{}
	for id, e := range seeds {
		name[id] = e.Name
	}
	for _, n := range neighbors {
		name[n.Entity.ID] = n.Entity.Name
		if n.Relation.Weight > bestWeight[n.Relation.SourceID] {
			bestWeight[n.Relation.SourceID] = n.Relation.Weight
		}
	}
	return bestWeight, name
}

func buildFacts(neighbors []graph.Neighbor, entityName map[string]string) []Fact {
	type key struct{ source, relation, target string }
	dedup := map[key]*Fact{}
	for _, n := range neighbors {
		source := entityName[n.Relation.SourceID]
		if source == "" {
			source = n.Relation.SourceID
		}
		k := key{source, n.Relation.RelationType, n.Entity.Name}
		if existing, ok := dedup[k]; ok {
			if n.Relation.Weight > existing.Weight {
				existing.Weight = n.Relation.Weight
			}
			continue
		}
		dedup[k] = &Fact{
			SourceEntity: source,
			Relation:     n.Relation.RelationType,
			TargetEntity: n.Entity.Name,
			Weight:       n.Relation.Weight,
			HopDistance:  n.Hop,
		}
	}
	facts := make([]Fact, 0, len(dedup))
	for _, f := range dedup {
		facts = append(facts, *f)
	}
	return facts
}

// annotateConflictHints flags fact pairs sharing a target whose relations
// are configured opposite predicates, per §4.8 step 5.
func annotateConflictHints(facts []Fact, opposites map[string]string) {
	for i := range facts {
		for j := i + 1; j < len(facts); j++ {
			if facts[i].TargetEntity != facts[j].TargetEntity {
				continue
			}
			if isOppositePair(facts[i].Relation, facts[j].Relation, opposites) {
				facts[i].ConflictHint = true
				facts[j].ConflictHint = true
			}
		}
	}
}

func isOppositePair(a, b string, opposites map[string]string) bool {
	if v, ok := opposites[a]; ok && v == b {
		return true
	}
	if v, ok := opposites[b]; ok && v == a {
		return true
	}
	return false
}

// sortFacts orders by the §4.2 expand() tie-break: higher weight, then
// lower hop distance.
func sortFacts(facts []Fact) {
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Weight != facts[j].Weight {
			return facts[i].Weight > facts[j].Weight
		}
		return facts[i].HopDistance < facts[j].HopDistance
	})
}

// rerank implements §4.8 step 4's four-factor score.
func (s *Service) rerank(candidates []candidate, memEntities map[string][]string, entityBestWeight map[string]float64, affinityScore float64) []RankedMemory {
	now := time.Now().UTC()
	ranked := make([]RankedMemory, 0, len(candidates))
	w := s.cfg.RerankWeights

	for _, c := range candidates {
		edgeWeight := 0.0
		for _, eid := range memEntities[c.mem.ID] {
			if bw := entityBestWeight[eid]; bw > edgeWeight {
				edgeWeight = bw
			}
		}
		affinityBonus := 0.0
		if c.mem.Valence > 0 {
			affinityBonus = math.Max(0, affinityScore)
		}
		daysSince := now.Sub(c.mem.ObservedAt).Hours() / 24
		recency := math.Exp(-daysSince / 30)

		final := w.Vector*c.vectorScore + w.Edge*edgeWeight + w.Affinity*affinityBonus + w.Recency*recency
		if daysSince <= float64(s.cfg.RecencyBoostWindowDays) {
			final += s.cfg.RerankRecencyBoost
		}
		ranked = append(ranked, RankedMemory{Memory: c.mem, Score: final})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}
