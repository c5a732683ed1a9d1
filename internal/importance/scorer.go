// Package importance implements the importance scorer (spec §4.2): a
// pure function over a text + tool + context triple that classifies a
// tier and score via a priority chain of pattern sets, adapted from
// internal/reasoning/problem_classifier.go's
// detectMetaQuestion/detectEmotionalProblem/... priority-ordered
// classification chain, generalized to the learning-engine's own four
// tiers instead of seven problem types.
package importance

import (
	"strings"
	"sync"
)

// Tier is the importance classification of a candidate event/pattern.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

var tierBaseScore = map[Tier]float64{
	TierCritical: 0.9,
	TierHigh:     0.7,
	TierMedium:   0.5,
	TierLow:      0.25,
}

type pattern struct {
	tier    Tier
	literal string
}

// patternSet lists tier patterns in priority order: CRITICAL first,
// then HIGH, MEDIUM, LOW, mirroring spec §4.2's explicit ordering.
var patternSet = []pattern{
	{TierCritical, "remember this"},
	{TierCritical, "remember that"},
	{TierCritical, "never do"},
	{TierCritical, "always do"},
	{TierCritical, "no, that's wrong"},
	{TierCritical, "no, i meant"},
	{TierCritical, "actually, i need"},
	{TierCritical, " because "},

	{TierHigh, "i prefer"},
	{TierHigh, "my preference"},
	{TierHigh, "the principle is"},
	{TierHigh, "as a rule"},
	{TierHigh, "i've noticed that"},
	{TierHigh, "this pattern"},

	{TierMedium, "i think"},
	{TierMedium, "it seems"},
	{TierMedium, "if "},
	{TierMedium, "when "},

	{TierLow, "ok"},
	{TierLow, "thanks"},
	{TierLow, "got it"},
}

// DomainWeights are keyword multipliers activated when a project
// context tag matches (spec §4.2's game_dev/fintech/marketing/product
// examples).
type DomainWeights map[string]map[string]float64

// DefaultDomainWeights returns the example multipliers named in spec §4.2.
func DefaultDomainWeights() DomainWeights {
	return DomainWeights{
		"game_dev": {"frame rate": 1.3, "tick": 1.2, "physics": 1.2},
		"fintech":  {"reconcile": 1.4, "ledger": 1.3, "audit": 1.3},
		"marketing": {"conversion": 1.2, "campaign": 1.1, "funnel": 1.2},
		"product":  {"roadmap": 1.1, "user story": 1.2, "backlog": 1.1},
	}
}

// Result is the output of Score (spec §4.2).
type Result struct {
	Tier           Tier
	Score          float64
	MatchedSignals []string
}

// Scorer is the pure-function importance scorer. It is safe for
// concurrent use; PatternUsage is the only mutable state and is
// itself mutex-protected, mirroring the teacher's preference for
// small, explicit locks over global singletons.
type Scorer struct {
	domainWeights DomainWeights

	mu           sync.Mutex
	patternUsage map[string]int
}

// New creates a Scorer with the given domain weight table (pass nil
// for DefaultDomainWeights()).
func New(weights DomainWeights) *Scorer {
	if weights == nil {
		weights = DefaultDomainWeights()
	}
	return &Scorer{
		domainWeights: weights,
		patternUsage:  make(map[string]int),
	}
}

// Score classifies text (with the acting tool and an optional project
// context tag) into a tier, score, and the literal signals matched.
// Tie-break: highest tier wins; within a tier the longest literal
// match wins, then the earliest position (spec §4.2).
func (s *Scorer) Score(text, tool, contextTag string) Result {
	lower := strings.ToLower(text)

	var best *pattern
	var bestPos int = -1

	for tierRank := range tierPriority {
		tier := tierPriority[tierRank]
		var tierBest *pattern
		var tierBestPos = -1

		for i := range patternSet {
			p := &patternSet[i]
			if p.tier != tier {
				continue
			}
			pos := strings.Index(lower, p.literal)
			if pos < 0 {
				continue
			}
			if tierBest == nil ||
				len(p.literal) > len(tierBest.literal) ||
				(len(p.literal) == len(tierBest.literal) && pos < tierBestPos) {
				tierBest = p
				tierBestPos = pos
			}
		}
		if tierBest != nil {
			best = tierBest
			bestPos = tierBestPos
			break // highest-tier match wins outright
		}
	}

	if best == nil {
		return Result{Tier: TierLow, Score: tierBaseScore[TierLow]}
	}

	s.recordUsage(best.literal)

	score := tierBaseScore[best.tier]
	if contextTag != "" {
		if weights, ok := s.domainWeights[contextTag]; ok {
			for kw, mult := range weights {
				if strings.Contains(lower, kw) {
					score *= mult
				}
			}
		}
	}
	if score > 1.0 {
		score = 1.0
	}

	_ = bestPos // retained for clarity of the tie-break that already ran
	return Result{
		Tier:           best.tier,
		Score:          score,
		MatchedSignals: []string{best.literal},
	}
}

// tierPriority lists tiers from highest to lowest priority.
var tierPriority = []Tier{TierCritical, TierHigh, TierMedium, TierLow}

func (s *Scorer) recordUsage(literal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternUsage[literal]++
}

// PatternUsage returns a snapshot of per-pattern match counts (spec
// §4.2 "side effect: feeds a usage counter"). No other package in this
// module reads it.
func (s *Scorer) PatternUsage() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.patternUsage))
	for k, v := range s.patternUsage {
		out[k] = v
	}
	return out
}
