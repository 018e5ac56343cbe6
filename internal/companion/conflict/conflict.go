// Package conflict implements C9: opposite-predicate conflict detection
// over retrieved memories, clarification-session lifecycle management, and
// resolution. Grounded on spec.md §4.9; no NLP/set-similarity library
// exists in the retrieval pack for Jaccard-over-token-sets, so the overlap
// arithmetic is plain stdlib (see DESIGN.md's standard-library-only note).
package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/metrics"
	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
	"github.com/rhao5556-beep/peiban-sub000/pkg/id"
)

// clarificationRateLimitWindow is the §4.9 "at most one pending clarification
// per user per rolling hour" rate contract.
const clarificationRateLimitWindow = time.Hour

// clarificationTimeoutTurns is M in "no response after M turns" (§4.9).
const clarificationTimeoutTurns = 3

// Triple is a (subject, predicate, object) fact extracted from a retrieved
// memory, the detector's unit of comparison.
type Triple struct {
	MemoryID  string
	Subject   string
	Predicate string
	Object    string
}

// Detection is one flagged conflicting pair, ready for InsertConflict.
type Detection struct {
	Memory1ID  string
	Memory2ID  string
	Type       model.ConflictType
	Topic      []string
	Confidence float64
}

// Detect flags triple pairs whose predicates are configured lexical
// opposites and whose objects overlap by Jaccard >= 0.5, scoring each with
// confidence = 0.5 + 0.25*opposite_strength + 0.25*topic_overlap (§4.9).
// opposite_strength is binary (1 for a configured opposite pair), since the
// lexicon itself is the only opposite-ness signal available.
func Detect(triples []Triple, opposites map[string]string, threshold float64) []Detection {
	var out []Detection
	for i := 0; i < len(triples); i++ {
		for j := i + 1; j < len(triples); j++ {
			a, b := triples[i], triples[j]
			if a.MemoryID == b.MemoryID {
				continue
			}
			if !isOpposite(a.Predicate, b.Predicate, opposites) {
				continue
			}
			overlap := jaccard(tokenize(a.Object), tokenize(b.Object))
			if overlap < 0.5 {
				continue
			}
			confidence := 0.5 + 0.25*1.0 + 0.25*overlap
			if confidence < threshold {
				continue
			}
			out = append(out, Detection{
				Memory1ID:  a.MemoryID,
				Memory2ID:  b.MemoryID,
				Type:       model.ConflictTypeOpposite,
				Topic:      commonTokens(tokenize(a.Object), tokenize(b.Object)),
				Confidence: confidence,
			})
		}
	}
	return out
}

func isOpposite(a, b string, opposites map[string]string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if v, ok := opposites[a]; ok && v == b {
		return true
	}
	if v, ok := opposites[b]; ok && v == a {
		return true
	}
	return false
}

func tokenize(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func commonTokens(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if b[k] {
			out = append(out, k)
		}
	}
	return out
}

type conflictStore interface {
	FindConflictForPair(ctx context.Context, userID, memory1, memory2 string) (*model.MemoryConflict, error)
	InsertConflict(ctx context.Context, c *model.MemoryConflict) error
	GetConflict(ctx context.Context, conflictID string) (*model.MemoryConflict, error)
	ResolveConflict(ctx context.Context, conflictID string, method model.ConflictResolutionMethod, preferredMemoryID string) error
	CreateClarificationSession(ctx context.Context, cs *model.ClarificationSession) error
	PendingClarificationSession(ctx context.Context, userID, sessionID string) (*model.ClarificationSession, error)
	AnswerClarificationSession(ctx context.Context, id, response string) error
	CountClarificationsSince(ctx context.Context, userID string, since time.Time) (int64, error)
	DeprecateMemory(ctx context.Context, memoryID string) error
}

// Service is C9's orchestrator: detect -> maybe-insert -> maybe-clarify,
// plus the clarification-response half of the loop.
type Service struct {
	store   conflictStore
	cfg     *config.CompanionOptions
	metrics *metrics.Recorder
}

// New composes C9 from its store dependency and resolved configuration.
func New(store conflictStore, cfg *config.CompanionOptions) *Service {
	return &Service{store: store, cfg: cfg}
}

// WithMetrics attaches a Recorder that TryOpenClarification reports into.
// A nil Recorder (the New default) is a safe no-op.
func (s *Service) WithMetrics(rec *metrics.Recorder) *Service {
	s.metrics = rec
	return s
}

// RecordDetections inserts any Detection not already represented by an
// existing unordered-pair MemoryConflict row (§4.1(c) uniqueness), per
// §4.9's "does not already exist" guard.
func (s *Service) RecordDetections(ctx context.Context, userID string, detections []Detection) ([]model.MemoryConflict, error) {
	var created []model.MemoryConflict
	for _, d := range detections {
		existing, err := s.store.FindConflictForPair(ctx, userID, d.Memory1ID, d.Memory2ID)
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}
		row := model.MemoryConflict{
			ID:           id.NewULID(),
			UserID:       userID,
			Memory1ID:    d.Memory1ID,
			Memory2ID:    d.Memory2ID,
			ConflictType: d.Type,
			CommonTopic:  model.StringSlice(d.Topic),
			Confidence:   d.Confidence,
			Status:       model.ConflictRowStatusPending,
		}
		if err := s.store.InsertConflict(ctx, &row); err != nil {
			return created, err
		}
		created = append(created, row)
	}
	return created, nil
}

// TryOpenClarification opens a clarification session for a pending conflict
// if the per-user rolling-hour rate limit allows it (§4.9 policy); returns
// nil, nil when the limit blocks it for this turn, so the caller can fall
// back to a normal reply.
func (s *Service) TryOpenClarification(ctx context.Context, userID, sessionID, conflictID, question string) (*model.ClarificationSession, error) {
	since := time.Now().UTC().Add(-clarificationRateLimitWindow)
	count, err := s.store.CountClarificationsSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	limit := 1.0
	if s.cfg != nil && s.cfg.ClarificationRatePerHour > 0 {
		limit = s.cfg.ClarificationRatePerHour
	}
	if float64(count) >= limit {
		return nil, nil
	}

	cs := &model.ClarificationSession{
		ID:         id.NewULID(),
		UserID:     userID,
		ConflictID: conflictID,
		SessionID:  sessionID,
		Question:   question,
		Status:     model.ClarificationStatusPending,
	}
	if err := s.store.CreateClarificationSession(ctx, cs); err != nil {
		return nil, err
	}
	s.metrics.RecordClarification()
	return cs, nil
}

// PendingClarification returns the user's outstanding clarification for a
// session, if any (§4.11 step 5's routing check).
func (s *Service) PendingClarification(ctx context.Context, userID, sessionID string) (*model.ClarificationSession, error) {
	return s.store.PendingClarificationSession(ctx, userID, sessionID)
}

// Conflict looks up a MemoryConflict row by id, exposed so callers routing
// a clarification response can inspect the pair before resolving it.
func (s *Service) Conflict(ctx context.Context, conflictID string) (*model.MemoryConflict, error) {
	return s.store.GetConflict(ctx, conflictID)
}

// ProcessClarificationResponse implements §4.9's process_clarification_response:
// it records the user's answer, resolves the conflict in favor of
// preferredMemoryID, and deprecates the other memory of the pair so it is
// excluded from future retrieval while remaining readable for audit.
func (s *Service) ProcessClarificationResponse(ctx context.Context, session *model.ClarificationSession, response, preferredMemoryID string) error {
	if err := s.store.AnswerClarificationSession(ctx, session.ID, response); err != nil {
		return err
	}

	conflictRow, err := s.store.GetConflict(ctx, session.ConflictID)
	if err != nil {
		return err
	}
	if err := s.store.ResolveConflict(ctx, conflictRow.ID, model.ResolutionUserClarified, preferredMemoryID); err != nil {
		return err
	}

	deprecated := conflictRow.Memory1ID
	if deprecated == preferredMemoryID {
		deprecated = conflictRow.Memory2ID
	}
	if deprecated == "" || deprecated == preferredMemoryID {
		return apierrors.NewValidationErr("COMPANION-CONFLICT-001", fmt.Sprintf("preferred memory %s is not part of conflict %s", preferredMemoryID, conflictRow.ID))
	}
	return s.store.DeprecateMemory(ctx, deprecated)
}

// MemorySource is the minimal memory shape ExtractTriples needs, kept
// decoupled from the richer retrieval.RankedMemory type.
type MemorySource struct {
	ID      string
	Content string
}

// ExtractTriples implements §4.9's "over the retrieved memories, extract
// (subject, predicate, object) triples": a keyword scan against the
// configured opposite-predicate lexicon, mirroring the emotion package's
// lightweight lexicon-scan philosophy rather than a full NLP parse.
func ExtractTriples(mems []MemorySource, opposites map[string]string) []Triple {
	predicates := make(map[string]bool, len(opposites)*2)
	for a, b := range opposites {
		predicates[a] = true
		predicates[b] = true
	}
	var triples []Triple
	for _, m := range mems {
		lower := strings.ToLower(m.Content)
		for p := range predicates {
			idx := strings.Index(lower, p)
			if idx < 0 {
				continue
			}
			object := strings.TrimSpace(lower[idx+len(p):])
			if object == "" {
				continue
			}
			triples = append(triples, Triple{MemoryID: m.ID, Subject: "user", Predicate: p, Object: object})
		}
	}
	return triples
}

// GenerateQuestion builds the user-facing clarification prompt from a
// detected pair's common topic, kept deliberately plain — phrasing
// elaboration belongs to the reply LLM, not this service.
func GenerateQuestion(topic []string) string {
	if len(topic) == 0 {
		return "I have two things noted that seem to conflict — could you clarify which one still holds?"
	}
	return fmt.Sprintf("I have conflicting notes about %s — could you tell me which one is correct now?", strings.Join(topic, ", "))
}
