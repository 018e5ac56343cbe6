// Package config defines the companion core's explicit configuration
// surface. It replaces any notion of monkey-patched or globally mutable
// decay rates, tiers, and thresholds with one Options struct, composed
// the way the reference composes its top-level app Options (see
// internal/rag/options.go): one *options.IOptions-shaped struct per
// concern, wired together with AddFlags/Validate/Complete.
package config

import (
	"errors"
	"fmt"
	"time"

	jwtopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/jwt"
	llmopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/llm"
	loggeropts "github.com/rhao5556-beep/peiban-sub000/pkg/options/logger"
	milvusopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/milvus"
	postgresopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/postgres"
	redisopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/redis"
	"github.com/spf13/pflag"
)

// Options holds every piece of companion-core configuration. There is no
// other path to these values: callers read them off one *Options passed in
// at construction, never a package-level var.
type Options struct {
	// HTTP contains the HTTP listener configuration for cmd/server.
	HTTP *HTTPOptions `json:"http" mapstructure:"http"`

	// Log contains logger configuration.
	Log *loggeropts.Options `json:"log" mapstructure:"log"`

	// JWT contains bearer-token verification configuration for C12.
	JWT *jwtopts.Options `json:"jwt" mapstructure:"jwt"`

	// Postgres backs C1 (relational store) and, per DESIGN.md, C2 (graph adapter).
	Postgres *postgresopts.Options `json:"postgres" mapstructure:"postgres"`

	// Redis backs the affinity latest-state cache and the JWT token store.
	Redis *redisopts.Options `json:"redis" mapstructure:"redis"`

	// Milvus backs C3 (vector store).
	Milvus *milvusopts.Options `json:"milvus" mapstructure:"milvus"`

	// Embedding configures C4.
	Embedding *llmopts.ProviderOptions `json:"embedding" mapstructure:"embedding"`

	// Chat configures the reply/extraction half of C5.
	Chat *llmopts.ProviderOptions `json:"chat" mapstructure:"chat"`

	// Companion holds the recognized decay/rerank/tier/worker knobs named
	// in §9's redesign flag — the one place these can be tuned.
	Companion *CompanionOptions `json:"companion" mapstructure:"companion"`
}

// HTTPOptions is the companion server's minimal HTTP listener
// configuration — a single gin.Engine on net/http.Server, simplified from
// the reference's multi-adapter transport per SPEC_FULL.md's AMBIENT STACK.
type HTTPOptions struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `json:"read-timeout" mapstructure:"read-timeout"`
	WriteTimeout    time.Duration `json:"write-timeout" mapstructure:"write-timeout"`
	IdleTimeout     time.Duration `json:"idle-timeout" mapstructure:"idle-timeout"`
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewHTTPOptions returns the default HTTP listener configuration.
func NewHTTPOptions() *HTTPOptions {
	return &HTTPOptions{
		Addr:            ":8090",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    0, // SSE responses must not be write-deadlined
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

func (o *HTTPOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Address the companion HTTP server listens on.")
	fs.DurationVar(&o.ReadTimeout, "http.read-timeout", o.ReadTimeout, "HTTP read timeout.")
	fs.DurationVar(&o.WriteTimeout, "http.write-timeout", o.WriteTimeout, "HTTP write timeout (0 disables, required for SSE).")
	fs.DurationVar(&o.IdleTimeout, "http.idle-timeout", o.IdleTimeout, "HTTP idle timeout.")
	fs.DurationVar(&o.ShutdownTimeout, "http.shutdown-timeout", o.ShutdownTimeout, "Graceful shutdown deadline for draining in-flight requests.")
}

func (o *HTTPOptions) Validate() []error {
	var errs []error
	if o.Addr == "" {
		errs = append(errs, fmt.Errorf("http.addr is required"))
	}
	return errs
}

// RerankWeights holds the four retrieval reranking weights from §4.8.
type RerankWeights struct {
	Vector   float64 `json:"vector" mapstructure:"vector"`
	Edge     float64 `json:"edge" mapstructure:"edge"`
	Affinity float64 `json:"affinity" mapstructure:"affinity"`
	Recency  float64 `json:"recency" mapstructure:"recency"`
}

// TierRule is one top-down-evaluated rule in the closed tier-routing table
// (§4.11 step 6). Rules are evaluated in Priority order (ascending); the
// first rule whose predicate matches the turn wins.
type TierRule struct {
	Name     string `json:"name" mapstructure:"name"`
	Priority int    `json:"priority" mapstructure:"priority"`
	Tier     int    `json:"tier" mapstructure:"tier"`
}

// CompanionOptions enumerates exactly the recognized configuration surface
// named in SPEC_FULL.md / spec.md §9's redesign flag, replacing any
// monkey-patched or globally mutable decay/tier/threshold state.
type CompanionOptions struct {
	// HalfLifeDays is the graph edge-weight decay half-life (§4.2 apply_time_decay).
	HalfLifeDays float64 `json:"half-life-days" mapstructure:"half-life-days"`

	// EdgeWeightFloor is the weight below which a decayed edge is pruned.
	EdgeWeightFloor float64 `json:"edge-weight-floor" mapstructure:"edge-weight-floor"`

	// VectorScoreThreshold is the minimum C3 cosine score kept as a candidate (§4.8 step 2).
	VectorScoreThreshold float64 `json:"vector-score-threshold" mapstructure:"vector-score-threshold"`

	// RerankWeights are the §4.8 reranking weights; need not sum to 1.
	RerankWeights RerankWeights `json:"rerank-weights" mapstructure:"rerank-weights"`

	// RecencyBoostWindowDays bounds how far back the recency boost applies.
	RecencyBoostWindowDays int `json:"recency-boost-window-days" mapstructure:"recency-boost-window-days"`

	// RerankRecencyBoost is the additive boost applied within the window.
	RerankRecencyBoost float64 `json:"rerank-recency-boost" mapstructure:"rerank-recency-boost"`

	// TopKMin/TopKMax bound C8's requested top_k (§4.11 step 7: [10, 20]).
	TopKMin int `json:"top-k-min" mapstructure:"top-k-min"`
	TopKMax int `json:"top-k-max" mapstructure:"top-k-max"`

	// TierRules is the closed, ordered tier-routing table (§4.11 step 6).
	TierRules []TierRule `json:"tier-rules" mapstructure:"tier-rules"`

	// ClarificationRatePerHour caps how often a user can be asked to
	// clarify a conflict, per §4.9's rate-limiting requirement.
	ClarificationRatePerHour float64 `json:"clarification-rate-per-hour" mapstructure:"clarification-rate-per-hour"`

	// WorkerPollIntervalSeconds is the Outbox worker's poll cadence (§4.5 step 1).
	WorkerPollIntervalSeconds int `json:"worker-poll-interval-s" mapstructure:"worker-poll-interval-s"`

	// WorkerLeaseTimeoutSeconds is the reclaimable-lease deadline T (§4.5 step 5).
	WorkerLeaseTimeoutSeconds int `json:"worker-lease-timeout-s" mapstructure:"worker-lease-timeout-s"`

	// DLQRetryThreshold is the retry_count above which an event moves to dlq (§4.5 step 4).
	DLQRetryThreshold int `json:"dlq-retry-threshold" mapstructure:"dlq-retry-threshold"`

	// IdempotencyTTLHours bounds how long an idempotency key is honored (§4.11 step 2).
	IdempotencyTTLHours int `json:"idempotency-ttl-hours" mapstructure:"idempotency-ttl-hours"`

	// ConflictConfidenceThreshold is the §4.9 detection threshold (default 0.8).
	ConflictConfidenceThreshold float64 `json:"conflict-confidence-threshold" mapstructure:"conflict-confidence-threshold"`

	// OppositePredicates is the configurable lexical-opposite lexicon for
	// conflict detection (§4.9, Open Question (a) — empty set is the safe
	// default; DESIGN.md records the seeded default used here).
	OppositePredicates map[string]string `json:"opposite-predicates" mapstructure:"opposite-predicates"`

	// GraphOnlyForbidsVectorCalls records the Open Question (b) choice for
	// mode=graph_only. Retrieval does not read it: graph_only always skips
	// C3 calls (retrieval.ModeGraphOnly), and false does not switch to a
	// history-suppression-only variant. DESIGN.md records the choice.
	GraphOnlyForbidsVectorCalls bool `json:"graph-only-forbids-vector-calls" mapstructure:"graph-only-forbids-vector-calls"`

	// EvaluationMode toggles the stricter no-fabrication prompt template
	// used to test against §8's properties (Open Question (c)).
	EvaluationMode bool `json:"evaluation-mode" mapstructure:"evaluation-mode"`

	// EmbeddingDimension is the fixed vector width C4 and C3 must agree on
	// (the Milvus collection schema and the LLM provider's embedding call).
	EmbeddingDimension int `json:"embedding-dimension" mapstructure:"embedding-dimension"`
}

// DefaultTierRules is the seeded, closed tier-routing table for §4.11 step 6,
// evaluated top-down by Priority.
func DefaultTierRules() []TierRule {
	return []TierRule{
		{Name: "question_with_entity", Priority: 1, Tier: 1},
		{Name: "any_question", Priority: 2, Tier: 2},
		{Name: "high_valence", Priority: 3, Tier: 1},
		{Name: "close_state_long_message", Priority: 4, Tier: 1},
		{Name: "short_message", Priority: 5, Tier: 3},
	}
}

// NewCompanionOptions returns the default companion-domain configuration.
func NewCompanionOptions() *CompanionOptions {
	return &CompanionOptions{
		HalfLifeDays:         30,
		EdgeWeightFloor:      0.05,
		VectorScoreThreshold: 0.3,
		RerankWeights: RerankWeights{
			Vector:   0.4,
			Edge:     0.3,
			Affinity: 0.2,
			Recency:  0.1,
		},
		RecencyBoostWindowDays:      7,
		RerankRecencyBoost:          0.15,
		TopKMin:                     10,
		TopKMax:                     20,
		TierRules:                   DefaultTierRules(),
		ClarificationRatePerHour:    1,
		WorkerPollIntervalSeconds:   5,
		WorkerLeaseTimeoutSeconds:   300,
		DLQRetryThreshold:           5,
		IdempotencyTTLHours:         24,
		ConflictConfidenceThreshold: 0.8,
		OppositePredicates: map[string]string{
			"likes":    "dislikes",
			"loves":    "hates",
			"trusts":   "distrusts",
			"enjoys":   "avoids",
			"wants":    "rejects",
		},
		GraphOnlyForbidsVectorCalls: true,
		EvaluationMode:              false,
		EmbeddingDimension:          1024,
	}
}

func (o *CompanionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.Float64Var(&o.HalfLifeDays, "companion.half-life-days", o.HalfLifeDays, "Graph edge-weight decay half-life, in days.")
	fs.Float64Var(&o.EdgeWeightFloor, "companion.edge-weight-floor", o.EdgeWeightFloor, "Edge weight below which a decayed edge is pruned.")
	fs.Float64Var(&o.VectorScoreThreshold, "companion.vector-score-threshold", o.VectorScoreThreshold, "Minimum vector candidate score kept for reranking.")
	fs.Float64Var(&o.RerankWeights.Vector, "companion.rerank-weights.vector", o.RerankWeights.Vector, "Rerank weight: vector similarity.")
	fs.Float64Var(&o.RerankWeights.Edge, "companion.rerank-weights.edge", o.RerankWeights.Edge, "Rerank weight: graph edge strength.")
	fs.Float64Var(&o.RerankWeights.Affinity, "companion.rerank-weights.affinity", o.RerankWeights.Affinity, "Rerank weight: affinity alignment.")
	fs.Float64Var(&o.RerankWeights.Recency, "companion.rerank-weights.recency", o.RerankWeights.Recency, "Rerank weight: recency.")
	fs.IntVar(&o.RecencyBoostWindowDays, "companion.recency-boost-window-days", o.RecencyBoostWindowDays, "Window, in days, within which the recency boost applies.")
	fs.Float64Var(&o.RerankRecencyBoost, "companion.rerank-recency-boost", o.RerankRecencyBoost, "Additive recency boost applied within the window.")
	fs.IntVar(&o.TopKMin, "companion.top-k-min", o.TopKMin, "Minimum retrieval top_k.")
	fs.IntVar(&o.TopKMax, "companion.top-k-max", o.TopKMax, "Maximum retrieval top_k.")
	fs.Float64Var(&o.ClarificationRatePerHour, "companion.clarification-rate-per-hour", o.ClarificationRatePerHour, "Max clarification prompts issued per user per hour.")
	fs.IntVar(&o.WorkerPollIntervalSeconds, "companion.worker-poll-interval-s", o.WorkerPollIntervalSeconds, "Outbox worker poll interval, in seconds.")
	fs.IntVar(&o.WorkerLeaseTimeoutSeconds, "companion.worker-lease-timeout-s", o.WorkerLeaseTimeoutSeconds, "Outbox event lease timeout, in seconds.")
	fs.IntVar(&o.DLQRetryThreshold, "companion.dlq-retry-threshold", o.DLQRetryThreshold, "Retry count above which an outbox event moves to dlq.")
	fs.IntVar(&o.IdempotencyTTLHours, "companion.idempotency-ttl-hours", o.IdempotencyTTLHours, "Idempotency key TTL, in hours.")
	fs.Float64Var(&o.ConflictConfidenceThreshold, "companion.conflict-confidence-threshold", o.ConflictConfidenceThreshold, "Minimum confidence to record a detected conflict.")
	fs.BoolVar(&o.GraphOnlyForbidsVectorCalls, "companion.graph-only-forbids-vector-calls", o.GraphOnlyForbidsVectorCalls, "Records the mode=graph_only choice; retrieval skips C3 calls in that mode whatever this is set to.")
	fs.BoolVar(&o.EvaluationMode, "companion.evaluation-mode", o.EvaluationMode, "Use the stricter no-fabrication evaluation prompt template.")
	fs.IntVar(&o.EmbeddingDimension, "companion.embedding-dimension", o.EmbeddingDimension, "Fixed embedding vector width shared by C3 and C4.")
}

func (o *CompanionOptions) Validate() []error {
	var errs []error
	if o.HalfLifeDays <= 0 {
		errs = append(errs, fmt.Errorf("companion.half-life-days must be positive"))
	}
	if o.TopKMin <= 0 || o.TopKMax < o.TopKMin {
		errs = append(errs, fmt.Errorf("companion.top-k-min/max must satisfy 0 < min <= max"))
	}
	if o.WorkerLeaseTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("companion.worker-lease-timeout-s must be positive"))
	}
	if o.DLQRetryThreshold <= 0 {
		errs = append(errs, fmt.Errorf("companion.dlq-retry-threshold must be positive"))
	}
	if o.ConflictConfidenceThreshold < 0 || o.ConflictConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("companion.conflict-confidence-threshold must be within [0,1]"))
	}
	if len(o.TierRules) == 0 {
		errs = append(errs, fmt.Errorf("companion.tier-rules must not be empty"))
	}
	if o.EmbeddingDimension <= 0 {
		errs = append(errs, fmt.Errorf("companion.embedding-dimension must be positive"))
	}
	return errs
}

// NewOptions returns the companion core's default configuration.
func NewOptions() *Options {
	embedding := llmopts.NewEmbeddingOptions()
	embedding.Provider = "httpprovider"

	chat := llmopts.NewChatOptions()
	chat.Provider = "httpprovider"

	return &Options{
		HTTP:      NewHTTPOptions(),
		Log:       loggeropts.NewOptions(),
		JWT:       jwtopts.NewOptions(),
		Postgres:  postgresopts.NewOptions(),
		Redis:     redisopts.NewOptions(),
		Milvus:    milvusopts.NewOptions(),
		Embedding: embedding,
		Chat:      chat,
		Companion: NewCompanionOptions(),
	}
}

// AddFlags wires every sub-option's flags onto fs, the way the reference's
// top-level Options.AddFlags composes per-concern AddFlags calls.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.HTTP.AddFlags(fs)
	o.Log.AddFlags(fs)
	o.JWT.AddFlags(fs)
	o.Postgres.AddFlags(fs)
	o.Redis.AddFlags(fs)
	o.Milvus.AddFlags(fs)
	o.Embedding.AddFlags(fs, "embedding")
	o.Chat.AddFlags(fs, "chat")
	o.Companion.AddFlags(fs)
}

// ValidateAll validates every sub-option, collecting every error rather than
// failing fast on the first, matching the reference's []error IOptions shape.
func (o *Options) ValidateAll() []error {
	var errs []error
	errs = append(errs, o.HTTP.Validate()...)
	if logErrs := o.Log.Validate(); logErrs != nil {
		errs = append(errs, logErrs...)
	}
	if err := o.JWT.Validate(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, o.Postgres.Validate()...)
	errs = append(errs, o.Redis.Validate()...)
	errs = append(errs, o.Milvus.Validate()...)
	if err := validateLLM(o.Embedding, "embedding"); err != nil {
		errs = append(errs, err)
	}
	if err := validateLLM(o.Chat, "chat"); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, o.Companion.Validate()...)
	return errs
}

// Validate satisfies pkg/app.CliOptions, joining every sub-option error into
// one so cmd/server and cmd/worker can bail out of a broken config with a
// single combined error rather than iterating the []error themselves.
func (o *Options) Validate() error {
	if errs := o.ValidateAll(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Complete applies cross-field defaults once flags and config files have
// been loaded. None of the companion core's knobs depend on each other, so
// this is a no-op kept only to satisfy pkg/app.CliOptions.
func (o *Options) Complete() error {
	return nil
}

func validateLLM(o *llmopts.ProviderOptions, prefix string) error {
	if errs := o.Validate(); len(errs) > 0 {
		return fmt.Errorf("%s: %w", prefix, errs[0])
	}
	return nil
}
