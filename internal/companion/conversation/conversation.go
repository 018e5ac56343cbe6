// Package conversation implements C11: the per-turn orchestrator binding
// idempotency replay, inline emotion analysis, affinity read, clarification
// routing, tier selection, retrieval, conflict detection, reply streaming,
// and the slow-path memory commit into the single SSE-framed turn §4.11
// describes. Grounded on the reference's internal/rag/biz/service.go
// RAGService.Query orchestration shape (cache-check -> retrieve -> generate
// -> respond), generalized from a single-shot request/response into a
// streaming, multi-branch conversational turn.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kart-io/logger"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/affinity"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/conflict"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/emotion"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/outbox"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/retrieval"
)

// FrameType enumerates the §6 SSE wire-frame shapes.
type FrameType string

const (
	FrameStart         FrameType = "start"
	FrameText          FrameType = "text"
	FrameMemoryPending FrameType = "memory_pending"
	FrameClarification FrameType = "clarification"
	FrameDone          FrameType = "done"
	FrameError         FrameType = "error"
)

// Frame is one emitted unit of the turn's SSE stream, matching §6's JSON
// shapes bit-for-bit via the omitempty tags.
type Frame struct {
	Type      FrameType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	MemoryID  string         `json:"memory_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TurnRequest is one turn's input; UserID is assumed already resolved from
// the bearer token by the HTTP layer (C12), not re-verified here.
type TurnRequest struct {
	UserID         string
	SessionID      string
	Message        string
	IdempotencyKey string
	Mode           string
}

type idempotencyStore interface {
	GetIdempotencyReplay(ctx context.Context, key, userID string) (*model.IdempotencyKey, error)
	PutIdempotencyRecord(ctx context.Context, rec *model.IdempotencyKey, ttl time.Duration) error
}

type memoryWriter interface {
	Write(ctx context.Context, mem *model.Memory, event *model.OutboxEvent) error
}

type memoryReader interface {
	GetMemory(ctx context.Context, userID, memoryID string) (*model.Memory, error)
}

type entityLookup interface {
	FindEntityByName(ctx context.Context, userID, name string) (*model.GraphEntity, error)
}

// Service is C11's orchestrator.
type Service struct {
	idempotency idempotencyStore
	writer      memoryWriter
	memories    memoryReader
	entities    entityLookup
	affinity    *affinity.Service
	conflict    *conflict.Service
	retrieval   *retrieval.Service
	reply       llm.ReplyProvider
	embed       llm.EmbeddingProvider
	cfg         *config.CompanionOptions
}

// New composes C11 from its sink/service dependencies and resolved configuration.
func New(
	idempotency idempotencyStore,
	writer memoryWriter,
	memories memoryReader,
	entities entityLookup,
	affinitySvc *affinity.Service,
	conflictSvc *conflict.Service,
	retrievalSvc *retrieval.Service,
	reply llm.ReplyProvider,
	embed llm.EmbeddingProvider,
	cfg *config.CompanionOptions,
) *Service {
	return &Service{
		idempotency: idempotency,
		writer:      writer,
		memories:    memories,
		entities:    entities,
		affinity:    affinitySvc,
		conflict:    conflictSvc,
		retrieval:   retrievalSvc,
		reply:       reply,
		embed:       embed,
		cfg:         cfg,
	}
}

// Handle runs one turn and streams its frames; the channel is closed once
// the turn ends in a done or error frame.
func (s *Service) Handle(ctx context.Context, req TurnRequest) <-chan Frame {
	out := make(chan Frame, 8)
	go func() {
		defer close(out)
		s.run(ctx, req, out)
	}()
	return out
}

func emit(out chan<- Frame, f Frame) {
	out <- f
}

func (s *Service) run(ctx context.Context, req TurnRequest, out chan<- Frame) {
	emit(out, Frame{Type: FrameStart, SessionID: req.SessionID})

	if req.IdempotencyKey != "" {
		replay, err := s.idempotency.GetIdempotencyReplay(ctx, req.IdempotencyKey, req.UserID)
		if err != nil {
			emit(out, Frame{Type: FrameError, Content: "idempotency lookup failed"})
			return
		}
		if replay != nil {
			s.replay(out, replay)
			return
		}
	}

	emoResult := emotion.Analyze(req.Message)

	affSnap, err := s.affinity.Current(ctx, req.UserID)
	if err != nil {
		emit(out, Frame{Type: FrameError, Content: "affinity lookup failed"})
		return
	}

	if session, err := s.conflict.PendingClarification(ctx, req.UserID, req.SessionID); err == nil && session != nil {
		s.handleClarificationResponse(ctx, req, session, out)
		return
	}

	tier := s.routeTier(ctx, req.UserID, req.Message, affSnap.State, emoResult)

	result, err := s.retrieval.Retrieve(ctx, req.UserID, req.Message, s.cfg.TopKMax, req.Mode)
	if err != nil {
		emit(out, Frame{Type: FrameError, Content: "retrieval failed"})
		return
	}

	if s.detectAndOfferClarification(ctx, req, result, out) {
		return
	}

	prompt := buildReplyPrompt(req.Message, result, affSnap.State, emoResult, s.cfg.EvaluationMode)
	frames, err := s.reply.StreamReply(ctx, prompt, tier)
	if err != nil {
		emit(out, Frame{Type: FrameError, Content: "reply stream unavailable"})
		return
	}

	var reply strings.Builder
	var streamErr error
	for frame := range frames {
		switch frame.Kind {
		case llm.FrameText:
			reply.WriteString(frame.Text)
			emit(out, Frame{Type: FrameText, Content: frame.Text})
		case llm.FrameErr:
			streamErr = frame.Err
		}
	}
	if streamErr != nil {
		emit(out, Frame{Type: FrameError, Content: streamErr.Error()})
		return
	}

	memoryID := s.commitSlowPath(ctx, req, reply.String(), emoResult, out)
	emit(out, Frame{Type: FrameDone, Metadata: map[string]any{"memory_id": memoryID, "tier": int(tier)}})
}

// detectAndOfferClarification implements §4.11 step 8: over the retrieved
// memories, run conflict detection and, if a clarification session opens,
// end the turn there. It does NOT perform the step-10 slow-path write in
// that branch — unlike the clarification-response routing path (step 5),
// the spec gives that path no equivalent "still perform step 10" carve-out,
// and nothing was said yet that the user might want recorded as a memory.
func (s *Service) detectAndOfferClarification(ctx context.Context, req TurnRequest, result *retrieval.Result, out chan<- Frame) bool {
	triples := conflict.ExtractTriples(toMemorySources(result.Memories), s.cfg.OppositePredicates)
	detections := conflict.Detect(triples, s.cfg.OppositePredicates, s.cfg.ConflictConfidenceThreshold)
	if len(detections) == 0 {
		return false
	}

	created, err := s.conflict.RecordDetections(ctx, req.UserID, detections)
	if err != nil || len(created) == 0 {
		return false
	}

	row := created[0]
	question := conflict.GenerateQuestion(row.CommonTopic)
	session, err := s.conflict.TryOpenClarification(ctx, req.UserID, req.SessionID, row.ID, question)
	if err != nil || session == nil {
		return false
	}

	emit(out, Frame{
		Type:    FrameClarification,
		Content: question,
		Metadata: map[string]any{
			"clarification_id": session.ID,
			"conflict": map[string]any{
				"id":         row.ID,
				"memory_1":   row.Memory1ID,
				"memory_2":   row.Memory2ID,
				"confidence": row.Confidence,
			},
		},
	})
	emit(out, Frame{Type: FrameDone, Metadata: map[string]any{"clarification_id": session.ID}})
	return true
}

// handleClarificationResponse implements §4.11 step 5's routing: answer the
// pending session, resolve the conflict, and still perform step 10 (the
// spec's explicit carve-out), since the user's reply is itself a fresh
// utterance worth remembering.
func (s *Service) handleClarificationResponse(ctx context.Context, req TurnRequest, session *model.ClarificationSession, out chan<- Frame) {
	conflictRow, err := s.conflict.Conflict(ctx, session.ConflictID)
	if err != nil {
		emit(out, Frame{Type: FrameError, Content: "conflict lookup failed"})
		return
	}

	mem1, _ := s.memories.GetMemory(ctx, req.UserID, conflictRow.Memory1ID)
	mem2, _ := s.memories.GetMemory(ctx, req.UserID, conflictRow.Memory2ID)
	preferred := choosePreferredMemory(req.Message, conflictRow.Memory1ID, mem1, conflictRow.Memory2ID, mem2)

	if err := s.conflict.ProcessClarificationResponse(ctx, session, req.Message, preferred); err != nil {
		emit(out, Frame{Type: FrameError, Content: "clarification response could not be processed"})
		return
	}

	const ack = "Got it, thanks for clarifying."
	emit(out, Frame{Type: FrameText, Content: ack})

	emoResult := emotion.Result{PrimaryEmotion: "neutral"}
	memoryID := s.commitSlowPath(ctx, req, ack, emoResult, out)
	emit(out, Frame{Type: FrameDone, Metadata: map[string]any{"memory_id": memoryID, "clarification_id": session.ID}})
}

// commitSlowPath implements §4.11 step 10 and §5's "fire-and-forget is
// forbidden" rule: it runs on a context detached from ctx's cancellation so
// a client disconnect never aborts the write, only the frame emission.
func (s *Service) commitSlowPath(ctx context.Context, req TurnRequest, replyText string, emoResult emotion.Result, out chan<- Frame) string {
	writeCtx := context.WithoutCancel(ctx)

	var embedding []byte
	if vec, err := s.embed.Embed(writeCtx, req.Message); err != nil {
		logger.Warnw("slow-path embedding failed, memory stored without a vector fallback", "error", err.Error(), "user_id", req.UserID)
	} else {
		embedding = encodeEmbedding(vec)
	}

	mem, event := outbox.NewMemoryWithEvent(req.UserID, req.Message, emoResult.Valence, embedding, model.JSONMap{"session_id": req.SessionID}, req.IdempotencyKey)
	if err := s.writer.Write(writeCtx, mem, event); err != nil {
		logger.Warnw("slow-path memory write failed", "error", err.Error(), "user_id", req.UserID)
		return ""
	}
	emit(out, Frame{Type: FrameMemoryPending, MemoryID: mem.ID})

	if _, err := s.affinity.Apply(writeCtx, req.UserID, affinity.Signals{
		UserInitiated:  true,
		EmotionValence: emoResult.Valence,
		Correction:     emoResult.PrimaryEmotion == "correction",
		TriggerEvent:   "conversation_turn",
	}); err != nil {
		logger.Warnw("affinity update failed", "error", err.Error(), "user_id", req.UserID)
	}

	if req.IdempotencyKey != "" {
		sum := sha256.Sum256([]byte(replyText))
		rec := &model.IdempotencyKey{
			Key:       req.IdempotencyKey,
			UserID:    req.UserID,
			MemoryID:  mem.ID,
			ReplyHash: hex.EncodeToString(sum[:]),
			ResponseBody: model.JSONMap{
				"reply":     replyText,
				"memory_id": mem.ID,
			},
		}
		ttl := time.Duration(s.cfg.IdempotencyTTLHours) * time.Hour
		if err := s.idempotency.PutIdempotencyRecord(writeCtx, rec, ttl); err != nil {
			logger.Warnw("idempotency record write failed", "error", err.Error(), "user_id", req.UserID)
		}
	}

	return mem.ID
}

// replay re-emits a prior turn's outcome from its cached IdempotencyKey row
// (§4.11 step 2, §8's idempotent-replay property): the stored reply text as a
// single text frame, the same memory id, and a done frame marked replayed.
func (s *Service) replay(out chan<- Frame, rec *model.IdempotencyKey) {
	if reply, ok := rec.ResponseBody["reply"].(string); ok && reply != "" {
		emit(out, Frame{Type: FrameText, Content: reply})
	}
	if rec.MemoryID != "" {
		emit(out, Frame{Type: FrameMemoryPending, MemoryID: rec.MemoryID})
	}
	emit(out, Frame{Type: FrameDone, Metadata: map[string]any{"memory_id": rec.MemoryID, "replayed": true}})
}

func toMemorySources(ranked []retrieval.RankedMemory) []conflict.MemorySource {
	out := make([]conflict.MemorySource, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, conflict.MemorySource{ID: r.Memory.ID, Content: r.Memory.Content})
	}
	return out
}

// choosePreferredMemory picks whichever of the conflict pair's two memories
// the user's freeform clarification answer lexically overlaps with more —
// a plain word-overlap heuristic, not a full NLP parse, consistent with the
// rest of this domain's lexicon-based scoring (see emotion, conflict).
func choosePreferredMemory(response, id1 string, mem1 *model.Memory, id2 string, mem2 *model.Memory) string {
	overlap := func(content string) int {
		if content == "" {
			return 0
		}
		set := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(response)) {
			set[w] = true
		}
		count := 0
		for _, w := range strings.Fields(strings.ToLower(content)) {
			if set[w] {
				count++
			}
		}
		return count
	}
	var c1, c2 int
	if mem1 != nil {
		c1 = overlap(mem1.Content)
	}
	if mem2 != nil {
		c2 = overlap(mem2.Content)
	}
	if c2 > c1 {
		return id2
	}
	return id1
}

// tierContext is the set of facts the closed tier-rule predicates consult.
type tierContext struct {
	hasQuestion      bool
	referencesEntity bool
	valence          float64
	affinityState    affinity.State
	messageLen       int
}

// evaluateTierRule matches one TierRule.Name against the turn's facts. The
// rule table itself is data (config.CompanionOptions.TierRules); the
// predicates behind each name are code, since a predicate isn't expressible
// as configuration data the way its priority and target tier are.
func evaluateTierRule(name string, tc tierContext) bool {
	switch name {
	case "question_with_entity":
		return tc.hasQuestion && tc.referencesEntity
	case "any_question":
		return tc.hasQuestion
	case "high_valence":
		return abs(tc.valence) > 0.6
	case "close_state_long_message":
		return (tc.affinityState == affinity.StateCloseFriend || tc.affinityState == affinity.StateBestFriend) && tc.messageLen > 50
	case "short_message":
		return tc.messageLen < 20
	default:
		return false
	}
}

// routeTier implements §4.11 step 6: evaluate the closed, ordered tier
// table top-down, the first matching rule wins; no rule matching defaults
// to Tier2.
func (s *Service) routeTier(ctx context.Context, userID, message string, state affinity.State, emo emotion.Result) llm.Tier {
	tc := tierContext{
		hasQuestion:      strings.Contains(message, "?"),
		referencesEntity: s.referencesEntity(ctx, userID, message),
		valence:          emo.Valence,
		affinityState:    state,
		messageLen:       len(message),
	}

	rules := append([]config.TierRule(nil), s.cfg.TierRules...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	for _, r := range rules {
		if evaluateTierRule(r.Name, tc) {
			return llm.Tier(r.Tier)
		}
	}
	return llm.Tier2
}

// referencesEntity is a naive proper-noun heuristic: any capitalized word
// that resolves to a known person/location graph entity counts as a
// reference, per the "question_with_entity" tier rule's intent.
func (s *Service) referencesEntity(ctx context.Context, userID, message string) bool {
	for _, word := range strings.Fields(message) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" || !unicode.IsUpper(rune(word[0])) {
			continue
		}
		e, err := s.entities.FindEntityByName(ctx, userID, word)
		if err != nil || e == nil {
			continue
		}
		if e.Type == model.GraphEntityPerson || e.Type == model.GraphEntityPlace {
			return true
		}
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// buildReplyPrompt implements §4.11 step 9's (a)-(d) requirements: retrieved
// memories and facts as grounding context, conflict hints flagged rather
// than silently merged, the affinity stance named explicitly, and — in
// evaluation mode (Open Question (c)) — an added no-fabrication instruction.
func buildReplyPrompt(message string, result *retrieval.Result, state affinity.State, emo emotion.Result, evaluationMode bool) string {
	var b strings.Builder
	b.WriteString("You are the user's personal memory-aware companion, speaking in their ongoing conversation.\n")
	fmt.Fprintf(&b, "Relationship stance: %s.\n", state)
	if emo.PrimaryEmotion != "neutral" && emo.PrimaryEmotion != "" {
		fmt.Fprintf(&b, "Detected user emotion: %s (valence %.2f).\n", emo.PrimaryEmotion, emo.Valence)
	}

	if len(result.Memories) > 0 {
		b.WriteString("Relevant memories about this user:\n")
		for _, m := range result.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Memory.Content)
		}
	}

	if len(result.Facts) > 0 {
		b.WriteString("Known facts:\n")
		for _, f := range result.Facts {
			line := fmt.Sprintf("- %s %s %s", f.SourceEntity, f.Relation, f.TargetEntity)
			if f.ConflictHint {
				line += " (this conflicts with another known fact; do not present it as settled)"
			}
			b.WriteString(line + "\n")
		}
	}

	if evaluationMode {
		b.WriteString("Only use the memories and facts listed above; never invent a memory, fact, or entity that is not listed.\n")
	}

	fmt.Fprintf(&b, "User: %s\n", message)
	b.WriteString("Reply naturally, in one short conversational turn.\n")
	return b.String()
}
