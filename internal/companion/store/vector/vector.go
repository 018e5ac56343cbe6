// Package vector implements C3: per-user embedding storage and nearest-
// neighbor search, grounded on the reference's pkg/component/milvus/milvus.go
// client-wrapper shape (HasCollection-guarded CreateCollection, index-then-
// load sequencing, column-based insert/search). Each user gets its own
// logical collection rather than a shared collection filtered by user_id,
// since §3 calls the per-user scoping out explicitly and a dedicated
// collection keeps deletion and reindexing blast radius to one user.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
	milvusopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/milvus"
)

const (
	collectionPrefix = "companion_mem_"
	vectorField      = "embedding"
	primaryField     = "primary_id"
	userField        = "user_id"
	memoryField      = "memory_id"
	maxIDLen         = 64
)

// Store is C3's per-user vector DAO surface.
type Store struct {
	client    *milvusclient.Client
	dimension int
}

// New connects to Milvus per opts. dimension is D from §3 (1024 reference).
func New(ctx context.Context, opts *milvusopts.Options, dimension int) (*Store, error) {
	if opts == nil {
		return nil, fmt.Errorf("milvus options is nil")
	}
	if errs := opts.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid milvus options: %v", errs)
	}

	cctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	c, err := milvusclient.New(cctx, &milvusclient.ClientConfig{
		Address:  opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DBName:   opts.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}
	return &Store{client: c, dimension: dimension}, nil
}

// Close releases the underlying Milvus connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// collectionName derives a valid, bounded Milvus collection identifier from
// an arbitrary user id (Milvus names are letters/digits/underscore only).
func collectionName(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return collectionPrefix + hex.EncodeToString(sum[:])[:32]
}

// ensureCollection creates the per-user collection, a COSINE-metric index on
// embedding, and loads it into memory, mirroring the reference's
// CreateCollection sequencing but with a VarChar primary key (primary_id is
// caller-supplied, not Milvus auto-id, since §3 requires upsert-by-primary_id
// uniqueness rather than insert-and-return-an-id).
func (s *Store) ensureCollection(ctx context.Context, name string) error {
	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	schema := entity.NewSchema().
		WithName(name).
		WithDescription("companion memory embeddings").
		WithAutoID(false)

	schema.WithField(
		entity.NewField().
			WithName(primaryField).
			WithDataType(entity.FieldTypeVarChar).
			WithIsPrimaryKey(true).
			WithMaxLength(maxIDLen),
	)
	schema.WithField(
		entity.NewField().
			WithName(userField).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLen),
	)
	schema.WithField(
		entity.NewField().
			WithName(memoryField).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLen),
	)
	schema.WithField(
		entity.NewField().
			WithName(vectorField).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(s.dimension)),
	)

	if err := s.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(name, schema)); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := index.NewIvfFlatIndex(entity.COSINE, 128)
	createIdxTask, err := s.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(name, vectorField, idx))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := createIdxTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for index creation: %w", err)
	}

	loadTask, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the vector for primaryID, enforcing the §3
// uniqueness-on-primary_id contract via Milvus's native upsert rather than a
// read-then-write, which would race against a concurrent outbox retry.
func (s *Store) Upsert(ctx context.Context, userID, primaryID, memoryID string, vec []float32) error {
	if len(vec) != s.dimension {
		return apierrors.NewValidationErr("COMPANION-VEC-001", fmt.Sprintf("embedding dimension %d does not match configured %d", len(vec), s.dimension))
	}
	name := collectionName(userID)
	if err := s.ensureCollection(ctx, name); err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(err)
	}

	columns := []column.Column{
		column.NewColumnVarChar(primaryField, []string{primaryID}),
		column.NewColumnVarChar(userField, []string{userID}),
		column.NewColumnVarChar(memoryField, []string{memoryID}),
		column.NewColumnFloatVector(vectorField, s.dimension, [][]float32{vec}),
	}
	if _, err := s.client.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(name, columns...)); err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(fmt.Errorf("failed to upsert vector: %w", err))
	}
	if _, err := s.client.Flush(ctx, milvusclient.NewFlushOption(name)); err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(fmt.Errorf("failed to flush collection: %w", err))
	}
	return nil
}

// Hit is one ranked candidate from Search.
type Hit struct {
	PrimaryID string
	MemoryID  string
	Score     float64 // cosine similarity normalized to [0,1], per §3
}

// Search returns the topK nearest memories to vec for userID. Milvus's
// COSINE metric reports raw similarity in [-1,1]; §3 requires scores in
// [0,1], so results are remapped via (raw+1)/2.
func (s *Store) Search(ctx context.Context, userID string, vec []float32, topK int) ([]Hit, error) {
	if len(vec) != s.dimension {
		return nil, apierrors.NewValidationErr("COMPANION-VEC-001", fmt.Sprintf("embedding dimension %d does not match configured %d", len(vec), s.dimension))
	}
	name := collectionName(userID)
	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(err)
	}
	if !exists {
		return nil, nil
	}

	results, err := s.client.Search(ctx, milvusclient.NewSearchOption(
		name,
		topK,
		[]entity.Vector{entity.FloatVector(vec)},
	).WithANNSField(vectorField).
		WithOutputFields(primaryField, memoryField))
	if err != nil {
		return nil, apierrors.ErrStoreUnavailable.WithCause(fmt.Errorf("failed to search: %w", err))
	}
	if len(results) == 0 {
		return nil, nil
	}

	res := results[0]
	hits := make([]Hit, 0, res.ResultCount)
	for i := 0; i < res.ResultCount; i++ {
		h := Hit{Score: normalizeCosine(float64(res.Scores[i]))}
		for _, field := range res.Fields {
			switch col := field.(type) {
			case *column.ColumnVarChar:
				switch col.Name() {
				case primaryField:
					h.PrimaryID = col.Data()[i]
				case memoryField:
					h.MemoryID = col.Data()[i]
				}
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func normalizeCosine(raw float64) float64 {
	v := (raw + 1) / 2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Delete removes the given primary ids from userID's collection, per §3's
// delete(primary_id[]) operation.
func (s *Store) Delete(ctx context.Context, userID string, primaryIDs []string) error {
	if len(primaryIDs) == 0 {
		return nil
	}
	name := collectionName(userID)
	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(err)
	}
	if !exists {
		return nil
	}

	expr := buildInExpr(primaryField, primaryIDs)
	if _, err := s.client.Delete(ctx, milvusclient.NewDeleteOption(name).WithExpr(expr)); err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(fmt.Errorf("failed to delete vectors: %w", err))
	}
	return nil
}

// buildInExpr builds a Milvus boolean expression matching any of values for
// a VarChar field, e.g. `primary_id in ["a", "b"]`.
func buildInExpr(field string, values []string) string {
	expr := field + " in ["
	for i, v := range values {
		if i > 0 {
			expr += ", "
		}
		expr += fmt.Sprintf("%q", v)
	}
	expr += "]"
	return expr
}

// DropUser removes a user's entire collection, used by the delete_all=true
// GDPR path (§4.12) to avoid leaving an empty-but-allocated collection behind.
func (s *Store) DropUser(ctx context.Context, userID string) error {
	name := collectionName(userID)
	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(err)
	}
	if !exists {
		return nil
	}
	if err := s.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(name)); err != nil {
		return apierrors.ErrStoreUnavailable.WithCause(fmt.Errorf("failed to drop collection: %w", err))
	}
	return nil
}
