// Package aggregator implements the pattern aggregator (spec §4.5): a
// detector pipeline run over each event, with TTL dedup, corroboration
// boosting, and a threshold gate into the downstream importance
// scorer → quality gate → insight store pipeline, adapted from
// internal/knowledge/episodic_integration.go's extractor-pipeline
// shape (typed items with a confidence/method, [WARN]-logged on
// failure) and internal/memory/retrospective.go's multi-analyzer
// fan-out over one trajectory.
package aggregator

import (
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// Kind enumerates the five detector families spec §4.5 names.
type Kind string

const (
	KindCorrection     Kind = "correction"
	KindSentiment      Kind = "sentiment"
	KindRepetition     Kind = "repetition"
	KindSemanticIntent Kind = "semantic_intent"
	KindWhyReasoning   Kind = "why_reasoning"
)

// Pattern is a single detector emission.
type Pattern struct {
	Kind        Kind
	Text        string
	Confidence  float64
	Tags        []string
	DetectedAt  time.Time
	SourceEvent string // Event.ID that produced it
}

// detector is the pipeline stage contract: given the triggering event
// and a bounded window of recent events (oldest first), emit zero or
// more patterns.
type detector interface {
	detect(evt *types.Event, recent []*types.Event) []Pattern
}
