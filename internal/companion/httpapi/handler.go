// Package httpapi implements C12: the HTTP/SSE surface binding bearer-token
// auth, the conversation turn stream, memory status polling, GDPR deletion,
// affinity reads, and graph export onto gin routes. Grounded on the
// reference's internal/rag/handler/rag.go (SuccessResponse/ErrorResponse
// envelope, ShouldBindJSON + binding tags, context.WithTimeout on the
// request) and internal/rag/router/router.go (engine.Group route
// registration), adapted from a request/response RAG handler to a
// streaming conversational one.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/affinity"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/conversation"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/outbox"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
	"github.com/rhao5556-beep/peiban-sub000/pkg/id"
	"github.com/rhao5556-beep/peiban-sub000/pkg/security/auth/jwt"
)

// requestTimeout bounds every non-streaming handler's store/service calls,
// matching the reference Query handler's WithTimeout pattern.
const requestTimeout = 30 * time.Second

// memoryStore is the subset of store/relational.Store the memory-status and
// deletion endpoints need.
type memoryStore interface {
	GetMemory(ctx context.Context, userID, memoryID string) (*model.Memory, error)
	ListMemoryIDsForUser(ctx context.Context, userID string) ([]string, error)
	SoftDeleteMemories(ctx context.Context, userID string, memoryIDs []string, audit *model.DeletionAudit) error
	EnqueueDeletionOutboxEvents(ctx context.Context, events []model.OutboxEvent) error
	GetIdMapping(ctx context.Context, userID, postgresID string) (*model.IdMapping, error)
	HistorySince(ctx context.Context, userID string, since time.Time) ([]model.AffinityHistory, error)
}

// graphStore is the subset of store/graph.Store the graph-export endpoint needs.
type graphStore interface {
	ListGraph(ctx context.Context, userID string, since time.Time) ([]model.GraphEntity, []model.GraphRelation, error)
}

// Handler composes C12's dependencies: the turn orchestrator, the affinity
// reader, the relational/graph stores for the polling and export
// endpoints, and the authenticator that mints and verifies bearer tokens.
type Handler struct {
	conversation *conversation.Service
	affinity     *affinity.Service
	memories     memoryStore
	graph        graphStore
	auth         *jwt.JWT
}

// New composes a Handler from its dependencies.
func New(conv *conversation.Service, aff *affinity.Service, memories memoryStore, graph graphStore, authenticator *jwt.JWT) *Handler {
	return &Handler{conversation: conv, affinity: aff, memories: memories, graph: graph, auth: authenticator}
}

// SuccessResponse mirrors the reference handler's envelope for the
// non-streaming endpoints.
type SuccessResponse struct {
	Code    int         `json:"code" example:"0"`
	Message string      `json:"message" example:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse mirrors the reference handler's error envelope, carrying
// the companion error taxonomy's Code instead of a bare HTTP status.
type ErrorResponse struct {
	Code    string `json:"code" example:"CORE-02002"`
	Message string `json:"message" example:"token invalid or expired"`
}

func respondErr(c *gin.Context, err *apierrors.Errno) {
	c.JSON(err.HTTPStatus(), ErrorResponse{Code: err.Code, Message: err.Message})
}

func errTokenMissing() *apierrors.Errno { return apierrors.ErrTokenMissing }
func errTokenInvalid() *apierrors.Errno { return apierrors.ErrTokenInvalid }

// TokenRequest is POST /auth/token's body (§6); UserID is optional — an
// empty one mints a fresh anonymous-style identity so a first-time client
// can bootstrap without a prior registration step.
type TokenRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// TokenResponse is POST /auth/token's response (§6).
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

// IssueToken implements `POST /auth/token` (§6).
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErr(c, apierrors.ErrInvalidRequest.WithCause(err))
			return
		}
	}

	userID := req.UserID
	if userID == "" {
		userID = id.NewUUID()
	}

	token, err := h.auth.Sign(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, apierrors.ErrInternal.WithCause(err))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{AccessToken: token.GetAccessToken(), UserID: userID})
}

// SSEMessageRequest is POST /sse/message's body (§6).
type SSEMessageRequest struct {
	Message        string `json:"message" binding:"required"`
	SessionID      string `json:"session_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// StreamMessage implements `POST /sse/message` (§4.10, §4.11, §6): it frames
// every conversation.Frame as an SSE `data: {...}` event, flushing after
// each one, and stops cleanly when the client disconnects — the slow-path
// memory write conversation.Service already started keeps running on its
// own detached context regardless (§5's "fire-and-forget is forbidden").
func (h *Handler) StreamMessage(c *gin.Context) {
	var req SSEMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apierrors.ErrMissingMessage.WithCause(err))
		return
	}

	userID := userIDFromContext(c)
	turn := conversation.TurnRequest{
		UserID:         userID,
		SessionID:      req.SessionID,
		Message:        req.Message,
		IdempotencyKey: req.IdempotencyKey,
		Mode:           req.Mode,
	}

	frames := h.conversation.Handle(c.Request.Context(), turn)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case frame, ok := <-frames:
			if !ok {
				return false
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				logger.Error("sse frame marshal failed", "err", err)
				return false
			}
			c.SSEvent("", string(payload))
			return frame.Type != conversation.FrameDone && frame.Type != conversation.FrameError
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// MemoryResponse is `GET /memories/{id}`'s response shape (§6).
type MemoryResponse struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
}

// GetMemory implements `GET /memories/{id}` (§4.10, §6): 404 for
// soft-deleted or unknown memories, so pollers treat both identically.
func (h *Handler) GetMemory(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	userID := userIDFromContext(c)
	mem, err := h.memories.GetMemory(ctx, userID, c.Param("id"))
	if err != nil {
		respondErr(c, apierrors.ErrStoreUnavailable.WithCause(err))
		return
	}
	if mem == nil || mem.Status == model.MemoryStatusDeleted {
		respondErr(c, apierrors.ErrMemoryNotFound)
		return
	}

	c.JSON(http.StatusOK, MemoryResponse{
		ID:          mem.ID,
		Content:     mem.Content,
		Status:      string(mem.Status),
		CreatedAt:   mem.CreatedAt,
		CommittedAt: mem.CommittedAt,
	})
}

// DeleteMemoriesRequest is `DELETE /memories`'s body (§4.12, §6).
type DeleteMemoriesRequest struct {
	MemoryIDs []string `json:"memory_ids,omitempty"`
	DeleteAll bool     `json:"delete_all,omitempty"`
}

// DeleteMemoriesResponse is `DELETE /memories`'s response shape (§6).
type DeleteMemoriesResponse struct {
	Accepted        bool   `json:"accepted"`
	DeletionAuditID string `json:"deletion_audit_id"`
}

// DeleteMemories implements §4.12's GDPR deletion flow: soft-delete plus a
// hashed audit row, then enqueue idempotent sink-deletion outbox events so
// the worker removes the corresponding vector rows and graph edges.
func (h *Handler) DeleteMemories(c *gin.Context) {
	var req DeleteMemoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apierrors.ErrInvalidDeleteReq.WithCause(err))
		return
	}
	if len(req.MemoryIDs) == 0 && !req.DeleteAll {
		respondErr(c, apierrors.ErrInvalidDeleteReq)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	userID := userIDFromContext(c)

	memoryIDs := req.MemoryIDs
	deletionType := model.DeletionTypeSelective
	if req.DeleteAll {
		deletionType = model.DeletionTypeAll
		ids, err := h.memories.ListMemoryIDsForUser(ctx, userID)
		if err != nil {
			respondErr(c, apierrors.ErrStoreUnavailable.WithCause(err))
			return
		}
		memoryIDs = ids
	}

	affected := make(map[string]any, len(memoryIDs))
	events := make([]model.OutboxEvent, 0, len(memoryIDs))
	for _, memID := range memoryIDs {
		derivedIDs := map[string]string{"memory_id": memID}
		if mapping, err := h.memories.GetIdMapping(ctx, userID, memID); err == nil && mapping != nil {
			derivedIDs["graph_entity_id"] = mapping.GraphNodeID
			derivedIDs["vector_primary_id"] = mapping.VectorPrimaryID
		}
		affected[memID] = derivedIDs
		events = append(events, *outbox.NewDeletionEvent(userID, memID))
	}

	auditPayload, err := json.Marshal(affected)
	if err != nil {
		respondErr(c, apierrors.ErrInternal.WithCause(err))
		return
	}
	hash := sha256.Sum256(auditPayload)

	audit := &model.DeletionAudit{
		ID:              id.NewULID(),
		DeletionType:    deletionType,
		AffectedRecords: model.JSONMap(affected),
		AuditHash:       hex.EncodeToString(hash[:]),
	}

	if err := h.memories.SoftDeleteMemories(ctx, userID, memoryIDs, audit); err != nil {
		respondErr(c, apierrors.ErrStoreUnavailable.WithCause(err))
		return
	}
	if err := h.memories.EnqueueDeletionOutboxEvents(ctx, events); err != nil {
		respondErr(c, apierrors.ErrStoreUnavailable.WithCause(err))
		return
	}

	c.JSON(http.StatusOK, DeleteMemoriesResponse{Accepted: true, DeletionAuditID: audit.ID})
}

// AffinityResponse is `GET /affinity/`'s response shape (§6).
type AffinityResponse struct {
	UserID    string    `json:"user_id"`
	Score     float64   `json:"score"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetAffinity implements `GET /affinity/` (§6).
func (h *Handler) GetAffinity(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	userID := userIDFromContext(c)
	snap, err := h.affinity.Current(ctx, userID)
	if err != nil {
		respondErr(c, apierrors.ErrStoreUnavailable.WithCause(err))
		return
	}

	c.JSON(http.StatusOK, AffinityResponse{
		UserID:    snap.UserID,
		Score:     snap.Score,
		State:     string(snap.State),
		UpdatedAt: snap.UpdatedAt,
	})
}

// AffinityHistoryRow is one entry of `GET /affinity/history?days=N` (§6).
type AffinityHistoryRow struct {
	OldScore     float64   `json:"old_score"`
	NewScore     float64   `json:"new_score"`
	Delta        float64   `json:"delta"`
	TriggerEvent string    `json:"trigger_event"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetAffinityHistory implements `GET /affinity/history?days=N` (§6).
func (h *Handler) GetAffinityHistory(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days <= 0 {
		days = 7
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	userID := userIDFromContext(c)

	rows, err := h.memories.HistorySince(ctx, userID, time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		respondErr(c, apierrors.ErrStoreUnavailable.WithCause(err))
		return
	}

	out := make([]AffinityHistoryRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, AffinityHistoryRow{
			OldScore:     r.OldScore,
			NewScore:     r.NewScore,
			Delta:        r.Delta,
			TriggerEvent: r.TriggerEvent,
			CreatedAt:    r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// GraphNode is one entry of `GET /graph/`'s `nodes` array (§6).
type GraphNode struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	MentionCount int    `json:"mention_count"`
}

// GraphEdge is one entry of `GET /graph/`'s `edges` array (§6).
type GraphEdge struct {
	ID           string  `json:"id"`
	SourceID     string  `json:"source_id"`
	TargetID     string  `json:"target_id"`
	RelationType string  `json:"relation_type"`
	Weight       float64 `json:"weight"`
}

// GraphResponse is `GET /graph/`'s full response shape (§6).
type GraphResponse struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GetGraph implements `GET /graph/?day=N` (§6): day restricts nodes to
// those mentioned within the last N days; 0 or absent means unrestricted.
func (h *Handler) GetGraph(c *gin.Context) {
	days, _ := strconv.Atoi(c.Query("day"))
	var since time.Time
	if days > 0 {
		since = time.Now().UTC().AddDate(0, 0, -days)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	userID := userIDFromContext(c)

	entities, relations, err := h.graph.ListGraph(ctx, userID, since)
	if err != nil {
		respondErr(c, apierrors.ErrStoreUnavailable.WithCause(err))
		return
	}

	resp := GraphResponse{
		Nodes: make([]GraphNode, 0, len(entities)),
		Edges: make([]GraphEdge, 0, len(relations)),
	}
	for _, e := range entities {
		resp.Nodes = append(resp.Nodes, GraphNode{ID: e.ID, Name: e.Name, Type: string(e.Type), MentionCount: e.MentionCount})
	}
	for _, r := range relations {
		resp.Edges = append(resp.Edges, GraphEdge{ID: r.ID, SourceID: r.SourceID, TargetID: r.TargetID, RelationType: r.RelationType, Weight: r.Weight})
	}
	c.JSON(http.StatusOK, resp)
}
