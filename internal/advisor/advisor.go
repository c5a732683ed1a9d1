// Package advisor implements the Advisor (spec §4.8): given a pending
// tool call plus context, it fuses candidates from cognitive insights,
// distillations, trigger rules, promoted insights, and an optional
// external memory adapter into a ranked, diversified advice list.
//
// Retrieval generalizes internal/contextbridge/{bridge,matcher,cache,
// similarity}.go's fetch-score-cache pipeline; semantic candidate
// fetch is backed by internal/advisor.SemanticIndex (chromem-go)
// rather than internal/knowledge/vector_store.go directly, so the
// index can be populated with locally-computed embeddings with no
// external API dependency.
package advisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/distill"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/insight"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/triggers"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/pkg/cache"
)

// correlationWindow bounds how far back ReportOutcome looks for
// advice to correlate with an observed outcome (spec §4.8: "within a
// window (≤15 min)").
const correlationWindow = 15 * time.Minute

// Config carries spec §4.8's pipeline tunables.
type Config struct {
	MaxAdviceItems      int
	OverFetchMultiplier int
	MinSimilarity       float64
	MinRankScore        float64
	MMRLambda           float64
	PerSourceCap        int
	CacheTTL            time.Duration
	WOut                float64
	WRec                float64
	SourceBoosts        map[string]float64
}

// DefaultConfig returns spec §4.8's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxAdviceItems:      6,
		OverFetchMultiplier: 3,
		MinSimilarity:       0.15,
		MinRankScore:        0.35,
		MMRLambda:           0.6,
		PerSourceCap:        3,
		CacheTTL:            180 * time.Second,
		WOut:                0.40,
		WRec:                0.15,
	}
}

// scoredCandidate is a single source's offer before/after fusion
// scoring.
type scoredCandidate struct {
	source         types.AdviceSource
	text           string
	insightKey     string
	distillationID string
	priority       types.Priority
	interrupt      bool
	triggerConf    float64
	semanticSim    float64
	recency        float64
	outcome        float64
	fusionScore    float64
	bypassSimGate  bool
}

// Engine is the Advisor.
type Engine struct {
	cfg           Config
	insights      *insight.Store
	distiller     *distill.Engine
	triggers      *triggers.Registry
	index         *SemanticIndex
	effectiveness *EffectivenessTracker
	log           *AdviceLog
	outcomes      *OutcomeLog
	external      ExternalMemory
	logger        *log.Logger

	cache *cache.LRU[string, []types.Advice]
}

// New builds an Engine. external may be nil (no external memory
// adapter configured).
func New(cfg Config, insights *insight.Store, distiller *distill.Engine, reg *triggers.Registry,
	index *SemanticIndex, effectiveness *EffectivenessTracker, adviceLog *AdviceLog, outcomeLog *OutcomeLog,
	external ExternalMemory, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[advisor] ", log.LstdFlags)
	}
	if cfg.MaxAdviceItems == 0 {
		cfg = DefaultConfig()
	}
	if cfg.SourceBoosts == nil {
		cfg.SourceBoosts = map[string]float64{}
	}
	return &Engine{
		cfg:           cfg,
		insights:      insights,
		distiller:     distiller,
		triggers:      reg,
		index:         index,
		effectiveness: effectiveness,
		log:           adviceLog,
		outcomes:      outcomeLog,
		external:      external,
		logger:        logger,
		cache:         cache.New[string, []types.Advice](&cache.Config{MaxEntries: 512, TTL: cfg.CacheTTL}),
	}
}

// Sync (re)indexes every insight and distillation into the semantic
// index. The bridge cycle calls this once per cycle (spec §4.9 step
// 9: "batch-persist changed insights once at cycle end"); Advise never
// triggers it implicitly, so retrieval cost stays bounded per call.
func (e *Engine) Sync(ctx context.Context) error {
	for _, ins := range e.insights.Query(nil, 0, 0, 0) {
		if err := e.index.Upsert(ctx, "insights", ins.Key, ins.Text); err != nil {
			return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("advisor")
		}
	}
	distillations, err := e.distiller.All()
	if err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("advisor")
	}
	for _, d := range distillations {
		if err := e.index.Upsert(ctx, "distillations", d.ID, d.Statement); err != nil {
			return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("advisor")
		}
	}
	return nil
}

// buildQuery implements spec §4.8 step 1: an intent-extraction query
// over tool name + context + normalized tool input hints.
func buildQuery(tool, contextText string, hints types.Metadata) string {
	parts := []string{tool, contextText}
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%v", hints[k]))
	}
	return strings.Join(parts, " ")
}

// cacheKeyFor hashes tool, input hints, context, and query — spec
// §4.8 step 7's cache key, deliberately excluding any raw timestamp.
func cacheKeyFor(tool, contextText, query string, hints types.Metadata) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(contextText))
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write([]byte(fmt.Sprintf("%v", hints[k])))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func priorityBonus(p types.Priority) float64 {
	switch p {
	case types.PriorityCritical:
		return 0.2
	case types.PriorityHigh:
		return 0.1
	default:
		return 0
	}
}

// fusionScore implements spec §4.8 step 5's two formulas.
func fusionScore(c scoredCandidate, cfg Config) float64 {
	bonus := priorityBonus(c.priority)
	boost := cfg.SourceBoosts[string(c.source)]
	if c.source == types.SourceTrigger {
		return 0.9 + (c.outcome-0.5)*cfg.WOut + bonus + boost
	}
	return c.semanticSim*(1+(c.outcome-0.5)*cfg.WOut+c.recency*cfg.WRec) + bonus + boost
}

func recencyScore(t time.Time, now time.Time) float64 {
	if t.IsZero() {
		return 0.5
	}
	ageHours := now.Sub(t).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return clamp01(1.0 / (1.0 + ageHours/24.0))
}

// wordSet builds a lowercase token set for Jaccard-style similarity,
// used only by MMR diversification (not the ranking signal itself).
func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func adviceTextForRule(r triggers.Rule) string {
	if r.Advice != "" {
		return r.Advice
	}
	return "trigger rule matched: " + r.RuleName
}

// Advise runs the full retrieval-fusion-diversification pipeline (spec
// §4.8) for a pending tool call.
func (e *Engine) Advise(ctx context.Context, tool, sessionID, contextText string, hints types.Metadata) ([]types.Advice, error) {
	query := buildQuery(tool, contextText, hints)
	key := cacheKeyFor(tool, contextText, query, hints)

	if cached, ok := e.fromCache(key); ok {
		return cached, nil
	}

	overLimit := e.cfg.MaxAdviceItems * e.cfg.OverFetchMultiplier
	if overLimit < e.cfg.MaxAdviceItems {
		overLimit = e.cfg.MaxAdviceItems
	}
	now := time.Now()

	var candidates []scoredCandidate

	for _, rule := range e.triggers.Match(query) {
		candidates = append(candidates, scoredCandidate{
			source:        types.SourceTrigger,
			text:          adviceTextForRule(rule),
			priority:      rule.Priority,
			interrupt:     rule.Interrupt,
			triggerConf:   1,
			semanticSim:   1,
			recency:       1,
			outcome:       e.effectiveness.Rate(types.SourceTrigger),
			bypassSimGate: true,
		})
	}

	if results, err := e.index.Query(ctx, "insights", query, overLimit); err != nil {
		e.logger.Printf("[WARN] advisor: insight semantic query failed: %v", err)
	} else {
		for _, r := range results {
			ins := e.insights.Get(r.ID)
			if ins == nil {
				continue
			}
			source := types.SourceCognitive
			if ins.Promoted {
				source = types.SourcePromoted
			}
			candidates = append(candidates, scoredCandidate{
				source:      source,
				text:        ins.Text,
				insightKey:  ins.Key,
				semanticSim: clamp01(float64(r.Similarity)),
				recency:     recencyScore(ins.LastTouchedAt, now),
				outcome:     e.effectiveness.Rate(source),
			})
		}
	}

	if results, err := e.index.Query(ctx, "distillations", query, overLimit); err != nil {
		e.logger.Printf("[WARN] advisor: distillation semantic query failed: %v", err)
	} else {
		for _, r := range results {
			d, ok, err := e.distiller.Get(r.ID)
			if err != nil || !ok {
				continue
			}
			candidates = append(candidates, scoredCandidate{
				source:         types.SourceDistillation,
				text:           d.Statement,
				distillationID: d.ID,
				semanticSim:    clamp01(float64(r.Similarity)),
				recency:        recencyScore(d.CreatedAt, now),
				outcome:        e.effectiveness.Rate(types.SourceDistillation),
			})
		}
	}

	if e.external != nil {
		results, err := e.external.Query(ctx, query)
		if err != nil {
			e.logger.Printf("[WARN] advisor: external memory query failed (non-blocking): %v", err)
		} else {
			for _, r := range results {
				candidates = append(candidates, scoredCandidate{
					source:      types.SourceExternal,
					text:        r.Text,
					semanticSim: clamp01(r.Score),
					recency:     0.5,
					outcome:     e.effectiveness.Rate(types.SourceExternal),
				})
			}
		}
	}

	var gated []scoredCandidate
	for _, c := range candidates {
		if !c.bypassSimGate && c.semanticSim < e.cfg.MinSimilarity {
			continue
		}
		c.fusionScore = fusionScore(c, e.cfg)
		if c.fusionScore < e.cfg.MinRankScore {
			continue
		}
		gated = append(gated, c)
	}
	sort.SliceStable(gated, func(i, j int) bool { return gated[i].fusionScore > gated[j].fusionScore })

	selected := diversify(gated, e.cfg)

	advice := make([]types.Advice, 0, len(selected))
	for _, c := range selected {
		advice = append(advice, types.Advice{
			ID:             types.NewID("advice"),
			Tool:           tool,
			InputHints:     hints,
			ContextHash:    key,
			Source:         c.source,
			InsightKey:     c.insightKey,
			DistillationID: c.distillationID,
			Text:           c.text,
			Reliability:    c.outcome,
			FusionScore:    c.fusionScore,
			PriorityBonus:  priorityBonus(c.priority),
			Why:            whyFor(c),
			Priority:       c.priority,
			Interrupt:      c.interrupt,
			ProducedAt:     now,
			SessionID:      sessionID,
		})
	}

	e.toCache(key, advice)
	return advice, nil
}

func whyFor(c scoredCandidate) string {
	if c.source == types.SourceTrigger {
		return fmt.Sprintf("trigger rule match, fusion=%.2f", c.fusionScore)
	}
	return fmt.Sprintf("semantic_sim=%.2f recency=%.2f outcome=%.2f fusion=%.2f",
		c.semanticSim, c.recency, c.outcome, c.fusionScore)
}

// diversify implements spec §4.8 step 6: maximal-marginal-relevance
// selection with per-source caps, greedily picking the candidate with
// the best marginal utility (lambda·fusionScore − (1−lambda)·maxSim
// to anything already selected) until MaxAdviceItems is reached or no
// candidate can be added without breaching its source's cap.
func diversify(candidates []scoredCandidate, cfg Config) []scoredCandidate {
	remaining := make([]scoredCandidate, len(candidates))
	copy(remaining, candidates)

	var selected []scoredCandidate
	perSource := make(map[types.AdviceSource]int)

	for len(selected) < cfg.MaxAdviceItems && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for i, c := range remaining {
			if cfg.PerSourceCap > 0 && perSource[c.source] >= cfg.PerSourceCap {
				continue
			}
			maxSim := 0.0
			cWords := wordSet(c.text)
			for _, s := range selected {
				if sim := jaccard(cWords, wordSet(s.text)); sim > maxSim {
					maxSim = sim
				}
			}
			mmr := cfg.MMRLambda*c.fusionScore - (1-cfg.MMRLambda)*maxSim
			if bestIdx == -1 || mmr > bestScore {
				bestIdx = i
				bestScore = mmr
			}
		}
		if bestIdx == -1 {
			break
		}
		chosen := remaining[bestIdx]
		selected = append(selected, chosen)
		perSource[chosen.source]++
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func (e *Engine) fromCache(key string) ([]types.Advice, bool) {
	return e.cache.Get(key)
}

func (e *Engine) toCache(key string, advice []types.Advice) {
	e.cache.Set(key, advice)
}

// LogAdvice appends advice to the rolling advice log and bumps each
// represented source's given counter (spec §4.8 feedback loop).
func (e *Engine) LogAdvice(sessionID string, advice []types.Advice) error {
	if err := e.log.Append(sessionID, advice); err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("advisor")
	}
	return e.effectiveness.RecordGiven(advice)
}

// EffectivenessSnapshot exposes one source's persisted counters, used
// by the core's Measurements method to derive auto-tuner inputs.
func (e *Engine) EffectivenessSnapshot(source types.AdviceSource) (given, followed, helpful int) {
	return e.effectiveness.Snapshot(source)
}

// OutcomeSignal is what a caller reports back after an action
// completes, for correlation against previously logged advice.
type OutcomeSignal struct {
	Tool      string
	SessionID string
	Helpful   bool
}

// ReportOutcome implements spec §4.8's feedback correlation: find
// advice logged for sig.Tool within correlationWindow in the same
// session (falling back to parentTool, case-insensitive, if nothing
// correlates directly), mark it followed/helpful, and update the
// per-source effectiveness counters and any cited insight's advice
// counters. It then checks the invariant total_followed <=
// total_advice_given per source and repairs it from ground truth if
// violated, returning a KindIntegrityViolation error in that case
// (the repair itself still succeeds).
func (e *Engine) ReportOutcome(sig OutcomeSignal, parentTool string) ([]types.OutcomeRecord, error) {
	since := time.Now().Add(-correlationWindow)
	entries, err := e.log.recentForTool(sig.SessionID, sig.Tool, since)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("advisor")
	}
	if len(entries) == 0 && parentTool != "" {
		entries, err = e.log.recentForTool(sig.SessionID, parentTool, since)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("advisor")
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var records []types.OutcomeRecord
	touchedSources := make(map[types.AdviceSource]bool)
	for _, entry := range entries {
		helpful := sig.Helpful
		records = append(records, types.OutcomeRecord{
			AdviceID:  entry.Advice.ID,
			Followed:  true,
			Helpful:   &helpful,
			Tool:      entry.Advice.Tool,
			SessionID: sig.SessionID,
			Timestamp: time.Now(),
		})
		if err := e.effectiveness.RecordOutcome(entry.Advice.Source, true, helpful); err != nil {
			e.logger.Printf("[WARN] advisor: record outcome failed: %v", err)
		}
		if err := e.outcomes.Append(entry.Advice.ID, entry.Advice.Source, true, helpful); err != nil {
			e.logger.Printf("[WARN] advisor: outcome log append failed: %v", err)
		}
		touchedSources[entry.Advice.Source] = true
		if entry.Advice.InsightKey != "" {
			if err := e.insights.RecordAdvice(entry.Advice.InsightKey, true); err != nil {
				e.logger.Printf("[WARN] advisor: insight advice record failed: %v", err)
			}
		}
		if entry.Advice.DistillationID != "" {
			if err := e.distiller.RecordUse(entry.Advice.DistillationID); err != nil {
				e.logger.Printf("[WARN] advisor: distillation use record failed: %v", err)
			}
		}
	}

	for source := range touchedSources {
		given, followed, _ := e.effectiveness.Snapshot(source)
		if followed > given {
			if repairErr := e.repairEffectiveness(source); repairErr != nil {
				e.logger.Printf("[ERROR] advisor: integrity repair failed for %s: %v", source, repairErr)
			}
			return records, coreerr.New(coreerr.KindIntegrityViolation,
				fmt.Sprintf("advisor: total_followed exceeded total_advice_given for source %s; repaired from advice log", source)).
				WithComponent("advisor")
		}
	}

	return records, nil
}

// repairEffectiveness recomputes given/followed/helpful for source
// from the advice log and outcome log's ground truth.
func (e *Engine) repairEffectiveness(source types.AdviceSource) error {
	all, err := e.log.All()
	if err != nil {
		return err
	}
	given := 0
	for _, entry := range all {
		if entry.Advice.Source == source {
			given++
		}
	}
	followed, helpful, err := e.outcomes.CountsFor(source)
	if err != nil {
		return err
	}
	if followed > given {
		followed = given
	}
	return e.effectiveness.Reset(source, given, followed, helpful)
}
