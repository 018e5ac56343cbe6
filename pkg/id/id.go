// Package id provides unique ID generation, wired to real third-party
// libraries instead of the hand-rolled generators the reference codebase
// carried (oklog/ulid/v2 was declared in the reference's go.mod but only
// referenced from an unused backup directory — here it is the real,
// exercised implementation behind Generator).
//
// Usage:
//
//	mem.ID = id.NewULID()       // time-sortable, used for Memory/OutboxEvent/etc.
//	sess.SessionID = id.NewUUID() // opaque, used for session/clarification ids
package id

import (
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator creates a new unique identifier.
type Generator interface {
	Generate() string
}

type ulidGenerator struct {
	mu sync.Mutex
}

// NewULIDGenerator returns a Generator producing lexicographically sortable,
// time-ordered ULIDs. Monotonic entropy is provided by ulid.Monotonic so two
// ids generated within the same millisecond still sort in call order.
func NewULIDGenerator() Generator {
	return &ulidGenerator{}
}

func (g *ulidGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.Make().String()
}

type uuidGenerator struct{}

// NewUUIDGenerator returns a Generator producing random (v4) UUIDs.
func NewUUIDGenerator() Generator {
	return uuidGenerator{}
}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

var (
	defaultULID = NewULIDGenerator()
	defaultUUID = NewUUIDGenerator()
)

// NewULID returns a new ULID string using the package default generator.
// Used for entities that benefit from time-ordering: Memory, OutboxEvent,
// GraphEntity, GraphRelation, MemoryConflict, ClarificationSession,
// DeletionAudit (see SPEC_FULL.md DOMAIN STACK table).
func NewULID() string { return defaultULID.Generate() }

// NewUUID returns a new random UUID string using the package default
// generator. Used for session ids, idempotency keys, and event ids.
func NewUUID() string { return defaultUUID.Generate() }
