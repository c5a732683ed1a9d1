// Package autotuner implements the Auto-Tuner (spec §4.10): the
// closed loop that observes stored measurements and proposes or
// applies bounded changes to the live Tuneables, with snapshot/rollback
// safety rails.
//
// Grounded on internal/metacognition's calibration-then-adjust shape
// and internal/reinforcement/monitoring.go's measurement-window
// pattern, generalized from confidence-calibration adjustments to
// config-tuneable adjustments.
package autotuner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/config"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
)

// Mode controls whether recommendations are only suggested or
// actually applied, and how aggressively (spec §4.10).
type Mode string

const (
	ModeSuggest      Mode = "suggest"
	ModeConservative Mode = "conservative"
	ModeModerate     Mode = "moderate"
	ModeAggressive   Mode = "aggressive"
)

// modeFactor scales how much of the recommended delta is actually
// applied in non-suggest modes.
var modeFactor = map[Mode]float64{
	ModeConservative: 0.25,
	ModeModerate:     0.5,
	ModeAggressive:   1.0,
}

// Measurements is the stored-state-derived snapshot spec §4.10 names.
// These are never computed from live in-memory counters alone — the
// caller (internal/core's Measurements) derives them from the advisor's
// persisted effectiveness counters before calling Recommend.
type Measurements struct {
	AdviceActionRate       float64            // followed / advice_given
	DistillationRate       float64            // distillations / cognitive_insights
	PromotionThroughputDay float64            // promotions per day
	PerSourceHelpfulRate   map[string]float64 // source -> helpful rate
	CognitiveGrowthPerHour float64
	FeedbackLoopClosure    float64 // predictions_with_outcome / predictions
}

// Recommendation is one proposed tuneable change.
type Recommendation struct {
	Field    string  `json:"field"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	Reason   string  `json:"reason"`
	Applied  bool    `json:"applied"`
}

// auditEntry is one line of auto_tune_log.jsonl.
type auditEntry struct {
	Timestamp       time.Time        `json:"timestamp"`
	Mode            Mode             `json:"mode"`
	Recommendations []Recommendation `json:"recommendations"`
}

const maxChangesPerCycle = 3
const maxChangeFraction = 0.30
const maxSnapshots = 5

// Tuner is the Auto-Tuner.
type Tuner struct {
	dataDir    string
	historyDir string
	auditPath  string
}

// New creates a Tuner rooted at dataDir (typically $HOME/.spark).
func New(dataDir string) *Tuner {
	return &Tuner{
		dataDir:    dataDir,
		historyDir: filepath.Join(dataDir, "tuneable_history"),
		auditPath:  filepath.Join(dataDir, "auto_tune_log.jsonl"),
	}
}

// Recommend computes the recommendation set for the given measurements
// against cfg's current tuneables. It never mutates cfg; Apply does.
func Recommend(m Measurements, cfg *config.Config) []Recommendation {
	var recs []Recommendation

	if m.AdviceActionRate < 0.2 && cfg.Tuneables.MinRankScore > 0.05 {
		recs = append(recs, propose("min_rank_score", cfg.Tuneables.MinRankScore,
			cfg.Tuneables.MinRankScore*0.85,
			"advice_action_rate below 0.2: lowering the rank-score floor to surface more advice"))
	}
	if m.AdviceActionRate > 0.85 && cfg.Tuneables.MinRankScore < 0.95 {
		recs = append(recs, propose("min_rank_score", cfg.Tuneables.MinRankScore,
			cfg.Tuneables.MinRankScore*1.1,
			"advice_action_rate above 0.85: raising the rank-score floor to tighten quality"))
	}

	if m.DistillationRate < 0.05 && cfg.Tuneables.QualityThreshold > 0.1 {
		recs = append(recs, propose("quality_threshold", cfg.Tuneables.QualityThreshold,
			cfg.Tuneables.QualityThreshold*0.9,
			"distillation_rate below 0.05: lowering the quality floor to let more candidates through"))
	}

	if m.PromotionThroughputDay < 0.5 && cfg.Tuneables.PromotionThreshold > 0.3 {
		recs = append(recs, propose("promotion_threshold", cfg.Tuneables.PromotionThreshold,
			cfg.Tuneables.PromotionThreshold*0.9,
			"promotion_throughput_day below 0.5: lowering the promotion bar"))
	}

	if m.FeedbackLoopClosure < 0.3 && cfg.Tuneables.MinValidations > 1 {
		recs = append(recs, propose("min_validations", float64(cfg.Tuneables.MinValidations),
			float64(cfg.Tuneables.MinValidations)-1,
			"feedback_loop_closure below 0.3: fewer validations required to act on insights sooner"))
	}

	for source, rate := range m.PerSourceHelpfulRate {
		current := cfg.Tuneables.SourceBoosts[source]
		if rate < 0.3 && current > -0.3 {
			recs = append(recs, propose("source_boosts."+source, current, current-0.05,
				fmt.Sprintf("source %s helpful rate %.2f below 0.3: reducing its boost", source, rate)))
		}
		if rate > 0.8 && current < 0.3 {
			recs = append(recs, propose("source_boosts."+source, current, current+0.05,
				fmt.Sprintf("source %s helpful rate %.2f above 0.8: increasing its boost", source, rate)))
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		return deltaFraction(recs[i]) > deltaFraction(recs[j])
	})
	if len(recs) > maxChangesPerCycle {
		recs = recs[:maxChangesPerCycle]
	}
	return recs
}

func propose(field string, before, after float64, reason string) Recommendation {
	delta := after - before
	if before != 0 {
		maxDelta := before * maxChangeFraction
		if delta > 0 && delta > maxDelta {
			after = before + maxDelta
		} else if delta < 0 && -delta > maxDelta {
			after = before - maxDelta
		}
	}
	return Recommendation{Field: field, Before: before, After: after, Reason: reason}
}

func deltaFraction(r Recommendation) float64 {
	if r.Before == 0 {
		return 0
	}
	d := (r.After - r.Before) / r.Before
	if d < 0 {
		d = -d
	}
	return d
}

// Apply snapshots cfg, applies recs scaled by mode's factor (suggest
// mode applies nothing), persists the snapshot history (keeping the
// last 5) and the audit log entry, and returns the recommendations
// with their Applied flag set.
func (t *Tuner) Apply(cfg *config.Config, recs []Recommendation, mode Mode) ([]Recommendation, error) {
	if mode == ModeSuggest || len(recs) == 0 {
		if err := t.appendAudit(mode, recs); err != nil {
			return recs, err
		}
		return recs, nil
	}

	if err := t.snapshot(cfg); err != nil {
		return recs, err
	}

	factor := modeFactor[mode]
	if factor == 0 {
		factor = modeFactor[ModeConservative]
	}

	for i := range recs {
		r := &recs[i]
		scaled := r.Before + (r.After-r.Before)*factor
		applyField(cfg, r.Field, scaled)
		r.After = scaled
		r.Applied = true
	}

	if err := t.appendAudit(mode, recs); err != nil {
		return recs, err
	}
	return recs, nil
}

func applyField(cfg *config.Config, field string, value float64) {
	switch field {
	case "min_rank_score":
		cfg.Tuneables.MinRankScore = clamp01(value)
	case "quality_threshold":
		cfg.Tuneables.QualityThreshold = clamp01(value)
	case "promotion_threshold":
		cfg.Tuneables.PromotionThreshold = clamp01(value)
	case "min_validations":
		n := int(value + 0.5)
		if n < 0 {
			n = 0
		}
		cfg.Tuneables.MinValidations = n
	default:
		if cfg.Tuneables.SourceBoosts == nil {
			cfg.Tuneables.SourceBoosts = map[string]float64{}
		}
		if len(field) > len("source_boosts.") && field[:len("source_boosts.")] == "source_boosts." {
			source := field[len("source_boosts."):]
			cfg.Tuneables.SourceBoosts[source] = value
		}
	}
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

// snapshot persists cfg to tuneable_history/<timestamp>.yaml, pruning
// to the last 5 (spec §4.10 safety rule).
func (t *Tuner) snapshot(cfg *config.Config) error {
	if err := os.MkdirAll(t.historyDir, 0o755); err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("autotuner")
	}
	name := fmt.Sprintf("%d.yaml", time.Now().UnixNano())
	path := filepath.Join(t.historyDir, name)
	if err := cfg.SaveToFile(path); err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("autotuner")
	}
	return t.pruneHistory()
}

func (t *Tuner) pruneHistory() error {
	entries, err := os.ReadDir(t.historyDir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > maxSnapshots {
		if err := os.Remove(filepath.Join(t.historyDir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

// LastSnapshot returns the path to the most recent snapshot, or "" if
// none exist.
func (t *Tuner) LastSnapshot() (string, error) {
	entries, err := os.ReadDir(t.historyDir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(t.historyDir, names[len(names)-1]), nil
}

// Revert restores cfg in place from the most recent snapshot (spec
// §4.10: "on >10% degradation... auto-revert to the previous
// snapshot").
func (t *Tuner) Revert(cfg *config.Config) error {
	path, err := t.LastSnapshot()
	if err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("autotuner")
	}
	if path == "" {
		return coreerr.New(coreerr.KindPersistenceFailure, "autotuner: no snapshot to revert to").WithComponent("autotuner")
	}
	restored, err := config.Load(path)
	if err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("autotuner")
	}
	cfg.Tuneables = restored.Tuneables
	return nil
}

// Degraded reports whether any primary metric degraded by more than
// 10% between before and after (spec §4.10's auto-revert trigger).
func Degraded(before, after Measurements) bool {
	return degradedBy(before.AdviceActionRate, after.AdviceActionRate, 0.10) ||
		degradedBy(before.FeedbackLoopClosure, after.FeedbackLoopClosure, 0.10)
}

func degradedBy(before, after, fraction float64) bool {
	if before <= 0 {
		return false
	}
	return (before-after)/before > fraction
}

func (t *Tuner) appendAudit(mode Mode, recs []Recommendation) error {
	if err := os.MkdirAll(filepath.Dir(t.auditPath), 0o755); err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("autotuner")
	}
	f, err := os.OpenFile(t.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("autotuner")
	}
	defer f.Close()

	entry := auditEntry{Timestamp: time.Now(), Mode: mode, Recommendations: recs}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
