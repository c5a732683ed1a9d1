package distill

import (
	"log"
	"strings"
	"time"

	"github.com/dominikbraun/graph"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// Config carries spec §4.7's tunables.
type Config struct {
	MinOccurrences         int           // default 2 (1 for CRITICAL-tier signals)
	MinOccurrencesCritical int           // default 1
	MinConfidence          float64       // heuristic success-rate floor, default 0.6
	RevalidateWindow       time.Duration
}

// DefaultConfig returns spec §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinOccurrences:         2,
		MinOccurrencesCritical: 1,
		MinConfidence:          0.6,
		RevalidateWindow:       6 * time.Hour,
	}
}

// Gatekeeper lets the distillation engine run every candidate
// statement back through the same quality gate insights go through
// (spec §4.7: "Feed distillations back through the same
// quality/importance gates before persisting"), without importing
// internal/qualitygate or internal/importance directly and risking a
// cyclic dependency; internal/core passes its *qualitygate.Gate here.
// The importance scorer is not applied to distillations.
type Gatekeeper interface {
	PassesGate(statement string) bool
}

// Engine clusters completed steps and classifies them into typed
// rules (spec §4.7).
type Engine struct {
	store  *Store
	cfg    Config
	gate   Gatekeeper
	logger *log.Logger
}

// New creates an Engine backed by store. gate may be nil, in which
// case every candidate is persisted unfiltered (used by tests).
func New(store *Store, cfg Config, gate Gatekeeper, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[distill] ", log.LstdFlags)
	}
	if cfg.MinOccurrences == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{store: store, cfg: cfg, gate: gate, logger: logger}
}

// intentSignature normalizes a step's intent + tool into the cluster
// key spec §4.7 clusters by.
func intentSignature(step *types.Step) string {
	intent := strings.ToLower(strings.TrimSpace(step.Intent))
	fields := strings.Fields(intent)
	return strings.Join(fields, " ") + "|" + step.Action.Tool
}

// cluster groups completed steps by intent signature and records a
// dominikbraun/graph edge between consecutive steps of the same
// episode sharing that signature, so a cluster that forms an ordered
// multi-step chain can be classified as a playbook rather than a bare
// heuristic.
type cluster struct {
	signature string
	steps     []*types.Step
	ordered   bool // true if steps were consecutive within an episode
}

func clusterSteps(steps []*types.Step) []*cluster {
	bySignature := make(map[string]*cluster)
	var order []string

	byEpisode := make(map[string][]*types.Step)
	for _, st := range steps {
		byEpisode[st.EpisodeID] = append(byEpisode[st.EpisodeID], st)
	}

	g := graph.New(func(s *types.Step) string { return s.ID }, graph.Directed())
	for _, st := range steps {
		_ = g.AddVertex(st)
	}
	for _, episodeSteps := range byEpisode {
		for i := 1; i < len(episodeSteps); i++ {
			if intentSignature(episodeSteps[i-1]) == intentSignature(episodeSteps[i]) {
				_ = g.AddEdge(episodeSteps[i-1].ID, episodeSteps[i].ID)
			}
		}
	}

	for _, st := range steps {
		sig := intentSignature(st)
		c, ok := bySignature[sig]
		if !ok {
			c = &cluster{signature: sig}
			bySignature[sig] = c
			order = append(order, sig)
		}
		c.steps = append(c.steps, st)
	}

	// A cluster is "ordered" (playbook candidate) if any two of its
	// steps are connected by a consecutive-same-signature edge.
	for _, sig := range order {
		c := bySignature[sig]
		if len(c.steps) < 2 {
			continue
		}
		for i := 1; i < len(c.steps); i++ {
			if edge, err := g.Edge(c.steps[i-1].ID, c.steps[i].ID); err == nil && edge.Source != "" {
				c.ordered = true
				break
			}
		}
	}

	clusters := make([]*cluster, 0, len(order))
	for _, sig := range order {
		clusters = append(clusters, bySignature[sig])
	}
	return clusters
}

func successRatio(steps []*types.Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	passes := 0
	for _, s := range steps {
		if s.Evaluation == types.EvalPass {
			passes++
		}
	}
	return float64(passes) / float64(len(steps))
}

// isCriticalTier reports whether any step in the cluster looks like a
// user-stated policy ("always"/"never"), which lowers the minimum
// occurrence bar to 1 per spec §4.7.
func isCriticalTier(steps []*types.Step) bool {
	for _, s := range steps {
		lower := strings.ToLower(s.Hypothesis + " " + s.Intent)
		if strings.Contains(lower, "always ") || strings.Contains(lower, "never ") {
			return true
		}
	}
	return false
}

// classify determines the distillation type and base confidence for a
// cluster, per spec §4.7's five types and their discount factors.
func classify(c *cluster, cfg Config) (types.DistillationType, float64) {
	ratio := successRatio(c.steps)

	if isCriticalTier(c.steps) {
		return types.DistillPolicy, clamp01(0.75 + 0.2*ratio)
	}

	anyFailAfterConfidentPrediction := false
	for _, s := range c.steps {
		if s.Evaluation == types.EvalFail && s.ConfidenceBefore >= 0.6 {
			anyFailAfterConfidentPrediction = true
			break
		}
	}
	if anyFailAfterConfidentPrediction {
		return types.DistillSharpEdge, clamp01(0.6 * 0.85)
	}

	if ratio <= 0.3 && len(c.steps) >= cfg.MinOccurrences {
		return types.DistillAntiPattern, clamp01((1 - ratio) * 0.9)
	}

	if c.ordered && ratio >= 0.6 {
		return types.DistillPlaybook, clamp01(minFloat(0.9, 0.5+ratio*0.4))
	}

	return types.DistillHeuristic, clamp01(ratio)
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

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Distill clusters the given completed steps, classifies each
// qualifying cluster, feeds the resulting statement through the
// configured Gatekeeper, and persists what passes. It returns every
// distillation it persisted. Each call assigns fresh ids, so running
// it again over the same steps persists new rows rather than updating
// earlier ones.
func (e *Engine) Distill(steps []*types.Step) ([]*types.Distillation, error) {
	clusters := clusterSteps(steps)

	var out []*types.Distillation
	for _, c := range clusters {
		minOcc := e.cfg.MinOccurrences
		if isCriticalTier(c.steps) {
			minOcc = e.cfg.MinOccurrencesCritical
		}
		if len(c.steps) < minOcc {
			continue
		}

		dtype, confidence := classify(c, e.cfg)
		if dtype == types.DistillHeuristic && confidence < e.cfg.MinConfidence {
			continue
		}

		statement := statementFor(dtype, c)
		if e.gate != nil && !e.gate.PassesGate(statement) {
			continue
		}

		d := &types.Distillation{
			ID:               types.NewID("distill"),
			Type:             dtype,
			Statement:        statement,
			TriggerKeywords:  keywordsFor(c),
			Confidence:       confidence,
			SourceStepIDs:    stepIDs(c.steps),
			Scope:            types.ScopeProject,
			CreatedAt:        time.Now(),
			NextRevalidateAt: time.Now().Add(e.cfg.RevalidateWindow),
		}
		if err := e.store.Upsert(d); err != nil {
			e.logger.Printf("[WARN] distill: persist failed for cluster %q: %v", c.signature, err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func statementFor(dtype types.DistillationType, c *cluster) string {
	sig := strings.SplitN(c.signature, "|", 2)
	intent, tool := sig[0], ""
	if len(sig) == 2 {
		tool = sig[1]
	}
	switch dtype {
	case types.DistillPolicy:
		return "Always apply: " + intent
	case types.DistillSharpEdge:
		return "Sharp edge: " + intent + " via " + tool + " has surprised with a failure before"
	case types.DistillAntiPattern:
		return "Anti-pattern: " + intent + " via " + tool + " repeatedly fails"
	case types.DistillPlaybook:
		return "Playbook: " + intent + " via " + tool + " reliably succeeds as an ordered sequence"
	default:
		return "When " + intent + ", use " + tool
	}
}

func keywordsFor(c *cluster) []string {
	sig := strings.SplitN(c.signature, "|", 2)
	words := strings.Fields(sig[0])
	if len(sig) == 2 && sig[1] != "" {
		words = append(words, sig[1])
	}
	return words
}

func stepIDs(steps []*types.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

// Revalidate implements spec §4.7's revalidation rule: a helpful
// correlated outcome at retrieval time bumps confidence by +0.05
// (capped at 0.98); a contradicting outcome drops it by -0.1.
// Revalidation before NextRevalidateAt ("minimum settling window") is
// a no-op and returns false.
func (e *Engine) Revalidate(id string, helpful bool, now time.Time) (bool, error) {
	d, ok, err := e.store.Get(id)
	if err != nil || !ok {
		return false, err
	}
	if now.Before(d.NextRevalidateAt) {
		return false, nil
	}
	if helpful {
		d.Confidence = clamp01(minFloat(0.98, d.Confidence+0.05))
		d.ValidationCount++
		d.TimesHelped++
	} else {
		d.Confidence = clamp01(d.Confidence - 0.1)
		d.ContradictionCount++
	}
	d.NextRevalidateAt = now.Add(e.cfg.RevalidateWindow)
	return true, e.store.Upsert(d)
}

// RecordRetrieval/RecordUse bump the observability counters spec §3
// names (times_retrieved, times_used) without touching confidence.
func (e *Engine) RecordRetrieval(id string) error {
	d, ok, err := e.store.Get(id)
	if err != nil || !ok {
		return err
	}
	d.TimesRetrieved++
	return e.store.Upsert(d)
}

func (e *Engine) RecordUse(id string) error {
	d, ok, err := e.store.Get(id)
	if err != nil || !ok {
		return err
	}
	d.TimesUsed++
	return e.store.Upsert(d)
}

// MatchTriggers is a thin pass-through to the Store for callers (the
// Advisor) that only hold an Engine handle.
func (e *Engine) MatchTriggers(text string) ([]*types.Distillation, error) {
	return e.store.MatchTriggers(text)
}

// All is a thin pass-through to the Store.
func (e *Engine) All() ([]*types.Distillation, error) {
	return e.store.All()
}

// Get is a thin pass-through to the Store, used by the Advisor to
// hydrate a distillation hit returned from its semantic index.
func (e *Engine) Get(id string) (*types.Distillation, bool, error) {
	return e.store.Get(id)
}
