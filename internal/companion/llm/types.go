// Package llm defines the domain-level LLM client contracts for the
// companion core: tiered reply streaming (C5 stream_reply) and entity/
// relation extraction (C5 extract), plus the C4 embedding contract. The
// OpenAI-compatible HTTP implementation of these contracts lives in
// github.com/rhao5556-beep/peiban-sub000/pkg/llm/httpprovider, which retries
// through pkg/llm/resilience; this package imports neither.
package llm

import (
	"context"
)

// Tier is the reply-LLM capability level chosen per turn (§4.11 step 6).
// 1 is strongest, 3 is lightest — a closed set, never inferred from a string.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// FrameKind enumerates the discrete stream frame shapes yielded by
// StreamReply. Modeling this as a typed closed set (rather than leaking
// provider-specific token-chunk types upward) implements the §9 redesign
// flag "async generator frames from the LLM".
type FrameKind string

const (
	FrameText     FrameKind = "text"
	FrameEnd      FrameKind = "end"
	FrameErr      FrameKind = "error"
)

// StreamFrame is one unit of a tiered reply stream.
type StreamFrame struct {
	Kind FrameKind
	Text string
	Err  error
}

// EmbeddingProvider is the C4 contract: text -> fixed-dimension vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// ReplyProvider is the tiered-reply half of C5.
type ReplyProvider interface {
	// StreamReply streams a reply for prompt at the given tier. The
	// returned channel is closed after a FrameEnd or FrameErr frame.
	StreamReply(ctx context.Context, prompt string, tier Tier) (<-chan StreamFrame, error)
}

// ExtractedEntity is one entity surfaced by Extract.
type ExtractedEntity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Mentions   []string       `json:"mentions,omitempty"`
}

// ExtractedRelation is one relation surfaced by Extract.
type ExtractedRelation struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ExtractResult is the structured output of C5's extract capability.
type ExtractResult struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// Extractor is the entity/relation-extraction half of C5, called only from
// the Outbox worker (slow path), never the fast path.
type Extractor interface {
	Extract(ctx context.Context, text string) (ExtractResult, error)
}

// Provider bundles all three capabilities a deployment must supply.
type Provider interface {
	EmbeddingProvider
	ReplyProvider
	Extractor
}
