// Package graph implements C2: entity/relation upserts with edge-weight
// decay and 1-3 hop queries with semantic fallback. No graph database
// client exists anywhere in the retrieval pack (no neo4j/dgraph/janusgraph
// driver), so this adapter is Postgres-backed, reusing C1's *gorm.DB over
// the companion_graph_entities/companion_graph_relations tables — see
// DESIGN.md's standard-library-only justification. The recursive
// multi-hop/dedup traversal shape is grounded on the reference's
// internal/rag/biz/path_finder.go (visited-set BFS/DFS with a depth cutoff).
package graph

import (
	"context"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
	"github.com/rhao5556-beep/peiban-sub000/pkg/id"
)

// Store is C2's DAO surface.
type Store struct {
	db *gorm.DB
}

// New wraps C1's shared *gorm.DB.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// UpsertEntity creates a GraphEntity or, if one already exists for (userID,
// name, type), bumps its mention_count and last_mentioned_at.
func (s *Store) UpsertEntity(ctx context.Context, userID, name string, typ model.GraphEntityType) (*model.GraphEntity, error) {
	now := time.Now().UTC()
	var existing model.GraphEntity
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND name = ? AND type = ?", userID, name, typ).
		First(&existing).Error

	switch {
	case err == gorm.ErrRecordNotFound:
		e := &model.GraphEntity{
			ID:               id.NewULID(),
			UserID:           userID,
			Name:             name,
			Type:             typ,
			MentionCount:     1,
			FirstMentionedAt: now,
			LastMentionedAt:  now,
		}
		if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
			return nil, apierrors.ErrStoreUnavailable.WithCause(err)
		}
		return e, nil
	case err != nil:
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	default:
		existing.MentionCount++
		existing.LastMentionedAt = now
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, apierrors.ErrStoreUnavailable.WithCause(err)
		}
		return &existing, nil
	}
}

// UpsertRelation creates or strengthens a directed edge. Weight is clamped
// to 1.0, matching §3's GraphRelation invariant.
func (s *Store) UpsertRelation(ctx context.Context, userID, sourceID, targetID, relationType string, delta float64) (*model.GraphRelation, error) {
	now := time.Now().UTC()
	var existing model.GraphRelation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND source_id = ? AND target_id = ? AND relation_type = ?", userID, sourceID, targetID, relationType).
		First(&existing).Error

	switch {
	case err == gorm.ErrRecordNotFound:
		r := &model.GraphRelation{
			ID:              id.NewULID(),
			UserID:          userID,
			SourceID:        sourceID,
			TargetID:        targetID,
			RelationType:    relationType,
			Weight:          math.Min(1.0, delta),
			CreatedAt:       now,
			LastRefreshedAt: now,
		}
		if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
			return nil, apierrors.ErrStoreUnavailable.WithCause(err)
		}
		return r, nil
	case err != nil:
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	default:
		existing.Weight = math.Min(1.0, existing.Weight+delta)
		existing.LastRefreshedAt = now
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, apierrors.ErrStoreUnavailable.WithCause(err)
		}
		return &existing, nil
	}
}

// ApplyTimeDecay implements §4.2's apply_time_decay: for every edge owned by
// userID, new_weight = current_weight * 2^(-Δt/halfLifeDays) where Δt is
// days since last_refreshed_at; edges below floor are pruned. Returns the
// number of edges pruned.
func (s *Store) ApplyTimeDecay(ctx context.Context, userID string, halfLifeDays, floor float64) (int64, error) {
	var edges []model.GraphRelation
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&edges).Error; err != nil {
		return 0, apierrors.ErrStoreUnavailable.WithCause(err)
	}

	now := time.Now().UTC()
	var pruneIDs []string
	for i := range edges {
		e := &edges[i]
		deltaDays := now.Sub(e.LastRefreshedAt).Hours() / 24
		if deltaDays <= 0 {
			continue
		}
		e.Weight *= math.Pow(2, -deltaDays/halfLifeDays)
		if e.Weight < floor {
			pruneIDs = append(pruneIDs, e.ID)
			continue
		}
		if err := s.db.WithContext(ctx).Model(&model.GraphRelation{}).
			Where("id = ?", e.ID).
			Update("weight", e.Weight).Error; err != nil {
			return 0, apierrors.ErrStoreUnavailable.WithCause(err)
		}
	}

	if len(pruneIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", pruneIDs).Delete(&model.GraphRelation{})
	if res.Error != nil {
		return 0, apierrors.ErrStoreUnavailable.WithCause(res.Error)
	}
	return res.RowsAffected, nil
}

// Neighbor is one hop of a graph expansion result.
type Neighbor struct {
	Entity   model.GraphEntity
	Relation model.GraphRelation
	Hop      int
}

// ExpandNeighbors performs a breadth-first 1..maxHops expansion from
// startEntityID, visited-set deduplicated so cycles terminate, matching the
// reference path_finder's traversal shape. Edges below edgeWeightFloor are
// not followed, since a decayed-to-nothing edge carries no semantic weight.
func (s *Store) ExpandNeighbors(ctx context.Context, userID, startEntityID string, maxHops int, edgeWeightFloor float64) ([]Neighbor, error) {
	visited := map[string]bool{startEntityID: true}
	frontier := []string{startEntityID}
	var results []Neighbor

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var relations []model.GraphRelation
		if err := s.db.WithContext(ctx).
			Where("user_id = ? AND source_id IN ? AND weight >= ?", userID, frontier, edgeWeightFloor).
			Find(&relations).Error; err != nil {
			return nil, apierrors.ErrStoreUnavailable.WithCause(err)
		}

		var nextFrontier []string
		for _, rel := range relations {
			if visited[rel.TargetID] {
				continue
			}
			visited[rel.TargetID] = true

			var entity model.GraphEntity
			if err := s.db.WithContext(ctx).Where("id = ?", rel.TargetID).First(&entity).Error; err != nil {
				continue
			}
			results = append(results, Neighbor{Entity: entity, Relation: rel, Hop: hop})
			nextFrontier = append(nextFrontier, rel.TargetID)
		}
		frontier = nextFrontier
	}
	return results, nil
}

// FindEntityByName resolves a mention string to an existing entity by exact
// name. Retrieval uses it as its semantic fallback (§4.2) when none of its
// candidate memories yields a seed entity, looking up the query text
// itself; a nil result leaves the seed set empty.
func (s *Store) FindEntityByName(ctx context.Context, userID, name string) (*model.GraphEntity, error) {
	var e model.GraphEntity
	err := s.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, name).First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return &e, nil
}

// DisconnectMemory decrements mention_count for every entity memoryID
// mentions, pruning entities whose count reaches zero, and removes the
// MemoryEntity bridge rows — the worker's idempotent graph-side half of a
// kind=delete event (§4.12(b)). Safe to re-run: a memory already
// disconnected simply has no bridge rows left to act on.
func (s *Store) DisconnectMemory(ctx context.Context, userID, memoryID string) error {
	entities, err := s.EntitiesForMemory(ctx, userID, memoryID)
	if err != nil {
		return err
	}
	for i := range entities {
		e := &entities[i]
		e.MentionCount--
		if e.MentionCount <= 0 {
			if err := s.db.WithContext(ctx).Delete(&model.GraphEntity{}, "id = ?", e.ID).Error; err != nil {
				return apierrors.ErrStoreUnavailable.WithCause(err)
			}
			continue
		}
		if err := s.db.WithContext(ctx).Model(&model.GraphEntity{}).
			Where("id = ?", e.ID).
			Update("mention_count", e.MentionCount).Error; err != nil {
			return apierrors.ErrStoreUnavailable.WithCause(err)
		}
	}
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND memory_id = ?", userID, memoryID).
		Delete(&model.MemoryEntity{}).Error; err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return nil
}

// ListGraph returns every entity and relation a user owns, optionally
// restricted to nodes last mentioned since the given cutoff — the read
// path behind the graph-export surface (§6 `GET /graph/`).
func (s *Store) ListGraph(ctx context.Context, userID string, since time.Time) ([]model.GraphEntity, []model.GraphRelation, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !since.IsZero() {
		q = q.Where("last_mentioned_at >= ?", since)
	}
	var entities []model.GraphEntity
	if err := q.Find(&entities).Error; err != nil {
		return nil, nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}

	var relations []model.GraphRelation
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&relations).Error; err != nil {
		return nil, nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return entities, relations, nil
}

// EntitiesForMemory returns every graph entity a memory mentions, via the
// MemoryEntity bridge table (§3).
func (s *Store) EntitiesForMemory(ctx context.Context, userID, memoryID string) ([]model.GraphEntity, error) {
	var entityIDs []string
	if err := s.db.WithContext(ctx).Model(&model.MemoryEntity{}).
		Where("user_id = ? AND memory_id = ?", userID, memoryID).
		Pluck("entity_id", &entityIDs).Error; err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var entities []model.GraphEntity
	if err := s.db.WithContext(ctx).Where("id IN ?", entityIDs).Find(&entities).Error; err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	return entities, nil
}
