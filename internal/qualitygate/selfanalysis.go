package qualitygate

import "math"

// rollingStats accumulates roast outcomes for the self-analysis pass
// (spec §4.3), mirroring
// internal/metacognition/bias_calibration.go's per-type true/false
// positive counters and its >=5-sample calibration guardrail,
// generalized to the gate's three additional guardrails.
type rollingStats struct {
	total            int
	needsWorkScores  []int
	bySourceTotal    map[string]int
	bySourcePrimCnt  map[string]int
	bySourceDupCnt   map[string]int
}

func newRollingStats() rollingStats {
	return rollingStats{
		bySourceTotal:   make(map[string]int),
		bySourcePrimCnt: make(map[string]int),
		bySourceDupCnt:  make(map[string]int),
	}
}

func (g *Gate) record(source string, r Result) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.total++
	if r.Verdict == VerdictNeedsWork {
		g.stats.needsWorkScores = append(g.stats.needsWorkScores, r.Score)
	}
	if source == "" {
		return
	}
	g.stats.bySourceTotal[source]++
	switch r.Verdict {
	case VerdictPrimitive:
		g.stats.bySourcePrimCnt[source]++
	case VerdictDuplicate:
		g.stats.bySourceDupCnt[source]++
	}
}

// minSamplesForThresholdChange, minNeedsWorkSamples, and
// minSourceSamples are the three guardrails spec §4.3 names verbatim.
const (
	minSamplesForThresholdChange = 50
	minNeedsWorkSamples          = 5
	minSourceSamples             = 15

	// sourceNoiseRateFlag is the primitive+duplicate rate above which
	// a sufficiently-sampled source gets flagged as noisy.
	sourceNoiseRateFlag = 0.5
)

// Recommendation is a proposed threshold/source-noise adjustment. The
// gate never applies it itself — per spec §4.3, it only emits it.
type Recommendation struct {
	SampleSize                 int
	SuggestedNeedsWorkThreshold int
	HasNeedsWorkSuggestion     bool
	FlaggedSources             []string
}

// AnalyzeThresholds runs the self-analysis pass. Returns nil if fewer
// than minSamplesForThresholdChange roasts have been recorded.
func (g *Gate) AnalyzeThresholds() *Recommendation {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stats.total < minSamplesForThresholdChange {
		return nil
	}

	rec := &Recommendation{SampleSize: g.stats.total}

	if len(g.stats.needsWorkScores) >= minNeedsWorkSamples {
		avg := average(g.stats.needsWorkScores)
		rec.SuggestedNeedsWorkThreshold = int(math.Round(avg))
		rec.HasNeedsWorkSuggestion = true
	}

	for source, total := range g.stats.bySourceTotal {
		if total < minSourceSamples {
			continue
		}
		noiseRate := float64(g.stats.bySourcePrimCnt[source]+g.stats.bySourceDupCnt[source]) / float64(total)
		if noiseRate > sourceNoiseRateFlag {
			rec.FlaggedSources = append(rec.FlaggedSources, source)
		}
	}

	return rec
}

// Stats exposes the current sample counts, mainly for tests and for
// the auto-tuner's own health dashboards.
func (g *Gate) Stats() (total int, needsWorkSamples int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats.total, len(g.stats.needsWorkScores)
}
