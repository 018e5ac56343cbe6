// Package model defines the companion core's §3 data-model entities as
// gorm-tagged structs, grounded on the reference's internal/model package
// (varchar primary keys, explicit TableName methods, status columns as
// enumerated strings rather than a free-form field).
package model

import (
	"time"

	"gorm.io/gorm"
)

// MemoryStatus enumerates Memory.status.
type MemoryStatus string

const (
	MemoryStatusPending   MemoryStatus = "pending"
	MemoryStatusCommitted MemoryStatus = "committed"
	MemoryStatusDeleted   MemoryStatus = "deleted"
)

// ConflictStatus enumerates Memory.conflict_status.
type ConflictStatus string

const (
	ConflictStatusActive     ConflictStatus = "active"
	ConflictStatusDeprecated ConflictStatus = "deprecated"
	ConflictStatusConflicted ConflictStatus = "conflicted"
)

// Memory is one committed user utterance treated as a standalone episode (§3).
type Memory struct {
	ID             string         `json:"id" gorm:"primaryKey;type:varchar(32)"`
	UserID         string         `json:"user_id" gorm:"type:varchar(64);index:idx_memory_user;not null"`
	Content        string         `json:"content" gorm:"type:text;not null"`
	Embedding      []byte         `json:"-" gorm:"type:bytea"` // redundant fallback vector column, D=1024 encoded as little-endian float32s
	Valence        float64        `json:"valence" gorm:"default:0"`
	Status         MemoryStatus   `json:"status" gorm:"type:varchar(16);default:'pending';index:idx_memory_user"`
	ConflictStatus ConflictStatus `json:"conflict_status" gorm:"type:varchar(16);default:'active'"`
	ObservedAt     time.Time      `json:"observed_at"`
	CreatedAt      time.Time      `json:"created_at" gorm:"autoCreateTime"`
	CommittedAt    *time.Time     `json:"committed_at,omitempty"`
	Metadata       JSONMap        `json:"metadata,omitempty" gorm:"type:jsonb"`
}

func (Memory) TableName() string { return "companion_memories" }

// OutboxStatus enumerates OutboxEvent.status.
type OutboxStatus string

const (
	OutboxStatusPending       OutboxStatus = "pending"
	OutboxStatusProcessing    OutboxStatus = "processing"
	OutboxStatusDone          OutboxStatus = "done"
	OutboxStatusFailed        OutboxStatus = "failed"
	OutboxStatusDLQ           OutboxStatus = "dlq"
	OutboxStatusPendingReview OutboxStatus = "pending_review"
)

// OutboxEventKind distinguishes an upsert event from a GDPR delete event (§4.12).
type OutboxEventKind string

const (
	OutboxEventKindUpsert OutboxEventKind = "upsert"
	OutboxEventKindDelete OutboxEventKind = "delete"
)

// OutboxEvent is exactly one event per memory write (§3).
type OutboxEvent struct {
	ID                 string       `json:"id" gorm:"primaryKey;type:varchar(32)"`
	EventID            string       `json:"event_id" gorm:"type:varchar(64);uniqueIndex;not null"`
	MemoryID           string       `json:"memory_id" gorm:"type:varchar(32);index;not null"`
	Kind               OutboxEventKind `json:"kind" gorm:"type:varchar(16);default:'upsert'"`
	Payload            JSONMap      `json:"payload" gorm:"type:jsonb"`
	Status             OutboxStatus `json:"status" gorm:"type:varchar(20);default:'pending';index:idx_outbox_status_lease"`
	RetryCount         int          `json:"retry_count" gorm:"default:0"`
	IdempotencyKey     string       `json:"idempotency_key" gorm:"type:varchar(128);index"`
	CreatedAt          time.Time    `json:"created_at" gorm:"autoCreateTime"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty" gorm:"index:idx_outbox_status_lease"`
	ProcessedAt        *time.Time   `json:"processed_at,omitempty"`
	VectorWrittenAt    *time.Time   `json:"vector_written_at,omitempty"`
	GraphWrittenAt     *time.Time   `json:"graph_written_at,omitempty"`
	ErrorMessage       string       `json:"error_message,omitempty" gorm:"type:text"`
}

func (OutboxEvent) TableName() string { return "companion_outbox_events" }

// IdempotencyKey records the response for a (key, user_id) pair for the §4.11
// step-2 replay check; the 24h TTL is enforced by ExpiresAt, which the
// replay lookup filters on. Expired rows are not deleted.
type IdempotencyKey struct {
	Key          string    `json:"key" gorm:"primaryKey;type:varchar(128)"`
	UserID       string    `json:"user_id" gorm:"primaryKey;type:varchar(64)"`
	MemoryID     string    `json:"memory_id" gorm:"type:varchar(32)"`
	ReplyHash    string    `json:"reply_hash" gorm:"type:varchar(64)"`
	ResponseBody JSONMap   `json:"response_body" gorm:"type:jsonb"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	ExpiresAt    time.Time `json:"expires_at" gorm:"index"`
}

func (IdempotencyKey) TableName() string { return "companion_idempotency_keys" }

// IdMappingEntityType enumerates the kind of entity an IdMapping row bridges to.
type IdMappingEntityType string

const (
	IdMappingEntityMemory IdMappingEntityType = "memory"
	IdMappingEntityGraph  IdMappingEntityType = "graph_entity"
	IdMappingEntityVector IdMappingEntityType = "vector_row"
)

// IdMapping bridges a user's postgres row to its graph/vector counterparts (§3).
type IdMapping struct {
	ID             string              `json:"id" gorm:"primaryKey;type:varchar(32)"`
	UserID         string              `json:"user_id" gorm:"type:varchar(64);uniqueIndex:idx_id_mapping_unique;not null"`
	PostgresID     string              `json:"postgres_id" gorm:"type:varchar(32);uniqueIndex:idx_id_mapping_unique;not null"`
	GraphNodeID    string              `json:"graph_node_id,omitempty" gorm:"type:varchar(32)"`
	VectorPrimaryID string             `json:"vector_primary_id,omitempty" gorm:"type:varchar(32)"`
	EntityType     IdMappingEntityType `json:"entity_type" gorm:"type:varchar(16)"`
	CreatedAt      time.Time           `json:"created_at" gorm:"autoCreateTime"`
}

func (IdMapping) TableName() string { return "companion_id_mappings" }

// MemoryEntity bridges a memory to a graph entity it mentions (§3).
type MemoryEntity struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	UserID     string    `json:"user_id" gorm:"type:varchar(64);uniqueIndex:idx_memory_entity_unique;not null"`
	MemoryID   string    `json:"memory_id" gorm:"type:varchar(32);uniqueIndex:idx_memory_entity_unique;not null"`
	EntityID   string    `json:"entity_id" gorm:"type:varchar(32);uniqueIndex:idx_memory_entity_unique;not null"`
	Confidence float64   `json:"confidence" gorm:"default:1"`
	Source     string    `json:"source" gorm:"type:varchar(32)"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (MemoryEntity) TableName() string { return "companion_memory_entities" }

// GraphEntityType enumerates GraphEntity.type.
type GraphEntityType string

const (
	GraphEntityPerson  GraphEntityType = "person"
	GraphEntityPlace   GraphEntityType = "location"
	GraphEntityConcept GraphEntityType = "concept"
	GraphEntityEvent   GraphEntityType = "event"
)

// GraphEntity is a user-scoped graph node (§3), stored as a Postgres table
// since no graph database client exists anywhere in the retrieval pack —
// see DESIGN.md's standard-library-only justification for store/graph.
type GraphEntity struct {
	ID               string          `json:"id" gorm:"primaryKey;type:varchar(32)"`
	UserID           string          `json:"user_id" gorm:"type:varchar(64);index:idx_graph_entity_user;not null"`
	Name             string          `json:"name" gorm:"type:varchar(255);index:idx_graph_entity_user;not null"`
	Type             GraphEntityType `json:"type" gorm:"type:varchar(16)"`
	MentionCount     int             `json:"mention_count" gorm:"default:1"`
	FirstMentionedAt time.Time       `json:"first_mentioned_at"`
	LastMentionedAt  time.Time       `json:"last_mentioned_at"`
}

func (GraphEntity) TableName() string { return "companion_graph_entities" }

// GraphRelation is a directed, weighted edge between two GraphEntity rows (§3).
type GraphRelation struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	UserID           string    `json:"user_id" gorm:"type:varchar(64);index:idx_graph_relation_user;not null"`
	SourceID         string    `json:"source_id" gorm:"type:varchar(32);index;not null"`
	TargetID         string    `json:"target_id" gorm:"type:varchar(32);index;not null"`
	RelationType     string    `json:"relation_type" gorm:"type:varchar(64);not null"`
	Weight           float64   `json:"weight" gorm:"default:1"` // invariant: never exceeds 1.0
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
	LastRefreshedAt  time.Time `json:"last_refreshed_at"`
}

func (GraphRelation) TableName() string { return "companion_graph_relations" }

// AffinityState is the discrete label derived from AffinityHistory.new_score (§4.6).
type AffinityState string

const (
	AffinityStateStranger     AffinityState = "stranger"
	AffinityStateAcquaintance AffinityState = "acquaintance"
	AffinityStateFriend       AffinityState = "friend"
	AffinityStateCloseFriend  AffinityState = "close_friend"
	AffinityStateBestFriend   AffinityState = "best_friend"
)

// AffinityHistory is an append-only per-user score trail (§3); the latest
// row for a user_id is the current state.
type AffinityHistory struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID       string    `json:"user_id" gorm:"type:varchar(64);index:idx_affinity_user_created;not null"`
	OldScore     float64   `json:"old_score"`
	NewScore     float64   `json:"new_score"` // invariant: within [-1, 1]
	Delta        float64   `json:"delta"`
	TriggerEvent string    `json:"trigger_event" gorm:"type:varchar(64)"`
	Signals      JSONMap   `json:"signals" gorm:"type:jsonb"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime;index:idx_affinity_user_created"`
}

func (AffinityHistory) TableName() string { return "companion_affinity_history" }

// ConflictType enumerates MemoryConflict.conflict_type.
type ConflictType string

const (
	ConflictTypeOpposite      ConflictType = "opposite"
	ConflictTypeContradiction ConflictType = "contradiction"
	ConflictTypeInconsistent  ConflictType = "inconsistent"
)

// ConflictRowStatus enumerates MemoryConflict.status.
type ConflictRowStatus string

const (
	ConflictRowStatusPending  ConflictRowStatus = "pending"
	ConflictRowStatusResolved ConflictRowStatus = "resolved"
	ConflictRowStatusIgnored  ConflictRowStatus = "ignored"
)

// ConflictResolutionMethod enumerates MemoryConflict.resolution_method.
type ConflictResolutionMethod string

const (
	ResolutionUserClarified ConflictResolutionMethod = "user_clarified"
	ResolutionTimePriority  ConflictResolutionMethod = "time_priority"
	ResolutionAutoMerged    ConflictResolutionMethod = "auto_merged"
)

// MemoryConflict records a detected contradiction between two memories (§3).
// Uniqueness is enforced on the unordered pair at the DAO layer (§4.1(c))
// since gorm cannot express an order-independent unique constraint directly.
type MemoryConflict struct {
	ID                string                    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	UserID            string                    `json:"user_id" gorm:"type:varchar(64);index;not null"`
	Memory1ID         string                    `json:"memory_1_id" gorm:"type:varchar(32);index:idx_conflict_pair;not null"`
	Memory2ID         string                    `json:"memory_2_id" gorm:"type:varchar(32);index:idx_conflict_pair;not null"`
	ConflictType      ConflictType              `json:"conflict_type" gorm:"type:varchar(16)"`
	CommonTopic       StringSlice               `json:"common_topic" gorm:"type:jsonb"`
	Confidence        float64                   `json:"confidence"`
	Status            ConflictRowStatus         `json:"status" gorm:"type:varchar(16);default:'pending'"`
	ResolutionMethod  *ConflictResolutionMethod `json:"resolution_method,omitempty" gorm:"type:varchar(24)"`
	PreferredMemoryID string                    `json:"preferred_memory_id,omitempty" gorm:"type:varchar(32)"`
	CreatedAt         time.Time                 `json:"created_at" gorm:"autoCreateTime"`
	ResolvedAt        *time.Time                `json:"resolved_at,omitempty"`
	Metadata          JSONMap                   `json:"metadata,omitempty" gorm:"type:jsonb"`
}

func (MemoryConflict) TableName() string { return "companion_memory_conflicts" }

// ClarificationStatus enumerates ClarificationSession.status.
type ClarificationStatus string

const (
	ClarificationStatusPending  ClarificationStatus = "pending"
	ClarificationStatusAnswered ClarificationStatus = "answered"
	ClarificationStatusTimeout  ClarificationStatus = "timeout"
)

// ClarificationSession is the interactive subdialog spawned by C9 (§3). At
// most one `pending` session exists per user per hour; enforced by the
// conflict service, not by a DB constraint, since it is a rate rule over
// time rather than a point-in-time uniqueness rule.
type ClarificationSession struct {
	ID           string               `json:"id" gorm:"primaryKey;type:varchar(32)"`
	UserID       string               `json:"user_id" gorm:"type:varchar(64);index;not null"`
	ConflictID   string               `json:"conflict_id" gorm:"type:varchar(32);index;not null"`
	SessionID    string               `json:"session_id" gorm:"type:varchar(64);index"`
	Question     string               `json:"question" gorm:"type:text"`
	UserResponse string               `json:"user_response,omitempty" gorm:"type:text"`
	Status       ClarificationStatus  `json:"status" gorm:"type:varchar(16);default:'pending'"`
	CreatedAt    time.Time            `json:"created_at" gorm:"autoCreateTime"`
	AnsweredAt   *time.Time           `json:"answered_at,omitempty"`
}

func (ClarificationSession) TableName() string { return "companion_clarification_sessions" }

// DeletionType enumerates the scope of a DeletionAudit row.
type DeletionType string

const (
	DeletionTypeSelective DeletionType = "selective"
	DeletionTypeAll       DeletionType = "delete_all"
)

// DeletionAuditStatus enumerates DeletionAudit.status.
type DeletionAuditStatus string

const (
	DeletionAuditStatusRequested DeletionAuditStatus = "requested"
	DeletionAuditStatusCompleted DeletionAuditStatus = "completed"
	DeletionAuditStatusFailed    DeletionAuditStatus = "failed"
)

// DeletionAudit records one GDPR deletion request and its canonical-JSON
// hash over affected_records (§4.12, §3).
type DeletionAudit struct {
	ID              string              `json:"id" gorm:"primaryKey;type:varchar(32)"`
	UserID          string              `json:"user_id" gorm:"type:varchar(64);index;not null"`
	DeletionType    DeletionType        `json:"deletion_type" gorm:"type:varchar(16)"`
	AffectedRecords JSONMap             `json:"affected_records" gorm:"type:jsonb"`
	RequestedAt     time.Time           `json:"requested_at" gorm:"autoCreateTime"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	AuditHash       string              `json:"audit_hash" gorm:"type:varchar(64)"`
	Signature       string              `json:"signature,omitempty" gorm:"type:varchar(512)"`
	Status          DeletionAuditStatus `json:"status" gorm:"type:varchar(16);default:'requested'"`
}

func (DeletionAudit) TableName() string { return "companion_deletion_audits" }

// AllTables lists every model for AutoMigrate, in FK-safe creation order.
func AllTables() []interface{} {
	return []interface{}{
		&Memory{},
		&OutboxEvent{},
		&IdempotencyKey{},
		&IdMapping{},
		&GraphEntity{},
		&GraphRelation{},
		&MemoryEntity{},
		&AffinityHistory{},
		&MemoryConflict{},
		&ClarificationSession{},
		&DeletionAudit{},
	}
}

// Migrate runs AutoMigrate over every companion table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllTables()...)
}
