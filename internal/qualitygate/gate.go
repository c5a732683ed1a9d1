// Package qualitygate implements the quality gate ("roaster", spec
// §4.3): a pure five-dimension scorer over candidate insight text with
// a duplicate short-circuit, a noise filter for primitive patterns,
// deterministic refinement rewrites for borderline candidates, and a
// guardrailed self-analysis pass, adapted from
// internal/metacognition/bias_calibration.go's false/true-positive
// sample-size guardrails and internal/similarity/thought_search.go's
// similarity-compare-against-existing shape.
package qualitygate

import (
	"sort"
	"strings"
	"sync"
)

// Verdict is the outcome of roasting a candidate.
type Verdict string

const (
	VerdictQuality   Verdict = "quality"
	VerdictNeedsWork Verdict = "needs_work"
	VerdictPrimitive Verdict = "primitive"
	VerdictDuplicate Verdict = "duplicate"
)

// Dimensions holds the five 0-2 scores spec §4.3 names.
type Dimensions struct {
	Actionability int
	Novelty       int
	Reasoning     int
	Specificity   int
	OutcomeLinked int
}

// Sum returns the total in [0,10].
func (d Dimensions) Sum() int {
	return d.Actionability + d.Novelty + d.Reasoning + d.Specificity + d.OutcomeLinked
}

// Candidate is text proposed for promotion to a durable insight.
type Candidate struct {
	Text   string
	Source string
}

// Result is the outcome of a single Roast call.
type Result struct {
	Verdict        Verdict
	Dimensions     Dimensions
	Score          int
	Reason         string // set for Primitive/Duplicate verdicts
	DuplicateOfKey string
	Similarity     float64
	Refined        bool
	RefinedText    string
}

// Config carries the tunable thresholds (spec §4.3, mirrored by
// config.Tuneables.QualityThreshold for the overall quality_threshold).
type Config struct {
	QualityThreshold    int     // default 4
	NeedsWorkThreshold  int     // default 2
	SimilarityThreshold float64 // default 0.8, duplicate detection window
}

// DefaultConfig returns spec §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		QualityThreshold:    4,
		NeedsWorkThreshold:  2,
		SimilarityThreshold: 0.8,
	}
}

// Gate is the roaster. Safe for concurrent use.
type Gate struct {
	mu  sync.Mutex
	cfg Config

	stats rollingStats
}

// New creates a Gate with the given config (zero-value Config falls
// back to DefaultConfig's thresholds where unset).
func New(cfg Config) *Gate {
	if cfg.QualityThreshold == 0 {
		cfg.QualityThreshold = DefaultConfig().QualityThreshold
	}
	if cfg.NeedsWorkThreshold == 0 {
		cfg.NeedsWorkThreshold = DefaultConfig().NeedsWorkThreshold
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	return &Gate{
		cfg:   cfg,
		stats: newRollingStats(),
	}
}

// Roast scores a candidate against the pipeline named in spec §4.3:
// noise filter, then duplicate detection against existing (keyed by
// insight key -> normalized text), then dimension scoring, then a
// refinement attempt for needs_work candidates.
func (g *Gate) Roast(c Candidate, existing map[string]string) Result {
	if reason, ok := matchPrimitivePattern(c.Text); ok {
		result := Result{Verdict: VerdictPrimitive, Reason: reason}
		g.record(c.Source, result)
		return result
	}

	if key, sim, ok := findDuplicate(c.Text, existing, g.cfg.SimilarityThreshold); ok {
		result := Result{Verdict: VerdictDuplicate, DuplicateOfKey: key, Similarity: sim}
		g.record(c.Source, result)
		return result
	}

	dims := scoreDimensions(c.Text)
	score := dims.Sum()
	verdict := g.classify(score)

	if verdict == VerdictNeedsWork {
		if refinedText, ok := refine(c.Text); ok {
			refinedDims := scoreDimensions(refinedText)
			refinedScore := refinedDims.Sum()
			if g.classify(refinedScore) == VerdictQuality {
				result := Result{
					Verdict:     VerdictQuality,
					Dimensions:  refinedDims,
					Score:       refinedScore,
					Refined:     true,
					RefinedText: refinedText,
				}
				g.record(c.Source, result)
				return result
			}
		}
	}

	result := Result{Verdict: verdict, Dimensions: dims, Score: score}
	g.record(c.Source, result)
	return result
}

// PassesGate adapts Roast to the distill.Gatekeeper interface: a
// distilled statement passes only if it would itself be scored
// quality (or refined into quality), with no existing-duplicate set to
// compare against.
func (g *Gate) PassesGate(statement string) bool {
	return g.Roast(Candidate{Text: statement, Source: "distillation"}, nil).Verdict == VerdictQuality
}

func (g *Gate) classify(score int) Verdict {
	switch {
	case score >= g.cfg.QualityThreshold:
		return VerdictQuality
	case score >= g.cfg.NeedsWorkThreshold:
		return VerdictNeedsWork
	default:
		return VerdictPrimitive
	}
}

// scoreDimensions is the pure heuristic scorer: each dimension looks
// for a small set of lexical signals characteristic of that axis, in
// the same signal-matching spirit as
// internal/reasoning/problem_classifier.go.
func scoreDimensions(text string) Dimensions {
	lower := strings.ToLower(text)
	words := strings.Fields(lower)

	return Dimensions{
		Actionability: scoreActionability(lower),
		Novelty:       scoreNovelty(lower, words),
		Reasoning:     scoreReasoning(lower),
		Specificity:   scoreSpecificity(lower, words),
		OutcomeLinked: scoreOutcomeLinked(lower),
	}
}

var actionVerbs = []string{"always", "never", "avoid", "prefer", "use ", "ensure", "validate"}
var softActionVerbs = []string{"should", "consider", "try to", "might want", "don't forget", "remember to"}

func scoreActionability(lower string) int {
	for _, v := range actionVerbs {
		if strings.Contains(lower, v) {
			return 2
		}
	}
	for _, v := range softActionVerbs {
		if strings.Contains(lower, v) {
			return 1
		}
	}
	return 0
}

func scoreNovelty(lower string, words []string) int {
	if len(words) < 4 {
		return 0
	}
	if isGenericBoilerplate(lower) {
		return 0
	}
	return 2
}

var causalMarkers = []string{" because ", " since ", " therefore ", " so that "}
var conditionalMarkers = []string{" when ", " if "}

func scoreReasoning(lower string) int {
	for _, m := range causalMarkers {
		if strings.Contains(lower, m) {
			return 2
		}
	}
	for _, m := range conditionalMarkers {
		if strings.Contains(lower, m) {
			return 1
		}
	}
	return 0
}

func scoreSpecificity(lower string, words []string) int {
	hasDigit := strings.ContainsAny(lower, "0123456789")
	hasQuoted := strings.Contains(lower, "`") || strings.Contains(lower, "\"")
	if hasDigit || hasQuoted {
		return 2
	}
	if len(words) >= 8 {
		return 1
	}
	return 0
}

var outcomeMarkers = []string{"prevents", "improves", "reduces", "fixes", "avoids", "breaks"}
var softOutcomeMarkers = []string{"helps", "works", "makes"}

func scoreOutcomeLinked(lower string) int {
	for _, m := range outcomeMarkers {
		if strings.Contains(lower, m) {
			return 2
		}
	}
	for _, m := range softOutcomeMarkers {
		if strings.Contains(lower, m) {
			return 1
		}
	}
	return 0
}

func isGenericBoilerplate(lower string) bool {
	generic := []string{"ok", "got it", "thanks", "sounds good", "noted"}
	for _, g := range generic {
		if lower == g {
			return true
		}
	}
	return false
}

// findDuplicate compares a candidate's normalized tokens against every
// existing text with Jaccard similarity, a hash-free stand-in for the
// "semantic-or-hash compare" spec §4.3 calls for when no embedding
// adapter (internal/embedding) is wired; a caller that does have one
// can pre-filter `existing` to the embedder's own nearest neighbors
// before calling Roast.
func findDuplicate(text string, existing map[string]string, threshold float64) (string, float64, bool) {
	if len(existing) == 0 {
		return "", 0, false
	}
	candidateSet := tokenSet(text)

	bestKey := ""
	bestSim := 0.0
	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic iteration for deterministic duplicate selection on ties

	for _, k := range keys {
		sim := jaccard(candidateSet, tokenSet(existing[k]))
		if sim > bestSim {
			bestSim = sim
			bestKey = k
		}
	}
	if bestSim >= threshold {
		return bestKey, bestSim, true
	}
	return "", 0, false
}

func tokenSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.Trim(w, ".,!?;:\"'")] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func average(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}
