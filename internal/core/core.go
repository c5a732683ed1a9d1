// Package core wires every component into a single explicit context
// object and exposes the synchronous entry points named in spec.md
// §6 (External Interfaces): Capture, Advise, ReportOutcome, plus the
// administrative operations the CLI drives (Status, Promote, Tune,
// Prune). There is no package-level state — every call takes a *Core
// built by Open, replacing the teacher's `NewUnifiedServer` singleton
// wiring (`cmd/server/main.go`) per the redesign flag in spec.md §9.
package core

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/advisor"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/aggregator"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/autotuner"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/bridgecycle"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/config"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/distill"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/embedding"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/episode"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/importance"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/insight"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/qualitygate"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/queue"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/triggers"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// Core bundles every collaborator a running instance needs. All
// fields are unexported; callers interact only through the methods
// below.
type Core struct {
	cfg *config.Config

	queue     *queue.Queue
	aggregator *aggregator.Aggregator
	scorer    *importance.Scorer
	gate      *qualitygate.Gate
	insights  *insight.Store
	episodes  *episode.Engine
	distiller *distill.Engine
	triggers  *triggers.Registry
	advisorEng *advisor.Engine
	tuner     *autotuner.Tuner
	cycle     *bridgecycle.Cycle

	logger *log.Logger
}

// Open builds a Core from a loaded config, creating every persisted
// store under cfg.DataDir. External memory (spec.md §4.9's Mind-bridge)
// is an optional collaborator this constructor leaves nil; it has no
// concrete implementation in the examples pack to ground against.
func Open(cfg *config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, coreerr.Wrap(coreerr.KindSchemaViolation, err).WithComponent("core")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("core")
	}

	logger := log.New(os.Stderr, "[spark] ", log.LstdFlags)

	q, err := queue.New(filepath.Join(cfg.DataDir, "queue"), logger)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("core")
	}

	episodeEngine, err := episode.New(filepath.Join(cfg.DataDir, "eidos", "episodes.db"), logger)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("core")
	}

	agg := aggregator.New(aggregator.DefaultConfig(), episodeEngine, logger)
	scorer := importance.New(importance.DefaultDomainWeights())
	gate := qualitygate.New(qualitygate.DefaultConfig())

	insightStore, err := insight.New(filepath.Join(cfg.DataDir, "cognitive_insights.json"), logger)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("core")
	}

	distillStore, err := distill.OpenStore(filepath.Join(cfg.DataDir, "distillations", "distill.db"))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("core")
	}
	distiller := distill.New(distillStore, distill.DefaultConfig(), gate, logger)

	rulesPath := os.Getenv("SPARK_TRIGGER_RULES")
	reg, err := triggers.Load(rulesPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindSchemaViolation, err).WithComponent("core")
	}

	index := advisor.NewSemanticIndex(embedding.NewHashEmbedder(64))
	effectiveness, err := advisor.OpenEffectivenessTracker(filepath.Join(cfg.DataDir, "advisor", "effectiveness.json"))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("core")
	}
	adviceLog := advisor.OpenAdviceLog(filepath.Join(cfg.DataDir, "advisor", "advice_log.jsonl"))
	outcomeLog := advisor.OpenOutcomeLog(filepath.Join(cfg.DataDir, "advisor", "outcomes.jsonl"))

	advisorCfg := advisor.DefaultConfig()
	advisorCfg.MinRankScore = cfg.Tuneables.MinRankScore
	advisorCfg.MaxAdviceItems = cfg.Tuneables.MaxAdviceItems
	advisorCfg.SourceBoosts = cfg.Tuneables.SourceBoosts
	advisorEng := advisor.New(advisorCfg, insightStore, distiller, reg, index, effectiveness, adviceLog, outcomeLog, nil, logger)

	tuner := autotuner.New(cfg.DataDir)

	cycle := bridgecycle.New(bridgecycle.Deps{
		Config:    cfg,
		Queue:     q,
		Aggregator: agg,
		Scorer:    scorer,
		Gate:      gate,
		Insights:  insightStore,
		Episodes:  episodeEngine,
		Distiller: distiller,
		Advisor:   advisorEng,
		Logger:    logger,
	})

	return &Core{
		cfg:        cfg,
		queue:      q,
		aggregator: agg,
		scorer:     scorer,
		gate:       gate,
		insights:   insightStore,
		episodes:   episodeEngine,
		distiller:  distiller,
		triggers:   reg,
		advisorEng: advisorEng,
		tuner:      tuner,
		cycle:      cycle,
		logger:     logger,
	}, nil
}

// Close releases the episode store's database handle. The distillation
// store opened in Open is not closed here.
func (c *Core) Close() error {
	return c.episodes.Close()
}

// Capture ingests one event (spec.md §6, interface 1: the in-process
// typed function call). If cfg.BridgeCycle.StrictTrace is set, events
// missing a trace id on tool-boundary kinds are rejected rather than
// silently accepted.
func (c *Core) Capture(evt *types.Event) error {
	if c.cfg.BridgeCycle.StrictTrace && requiresTrace(evt.Kind) && evt.TraceID == "" {
		return coreerr.New(coreerr.KindSchemaViolation, "core: missing trace_id under strict-trace mode").
			WithComponent("core")
	}
	return c.queue.Capture(evt)
}

func requiresTrace(k types.EventKind) bool {
	switch k {
	case types.EventPreTool, types.EventPostTool, types.EventPostToolFailure:
		return true
	default:
		return false
	}
}

// Advise runs the advisor pipeline for a tool about to execute (spec.md
// §4.8).
func (c *Core) Advise(ctx context.Context, tool, sessionID, contextText string, hints types.Metadata) ([]types.Advice, error) {
	advice, err := c.advisorEng.Advise(ctx, tool, sessionID, contextText, hints)
	if err != nil {
		return nil, err
	}
	if err := c.advisorEng.LogAdvice(sessionID, advice); err != nil {
		c.logger.Printf("[WARN] core: log advice failed: %v", err)
	}
	return advice, nil
}

// ReportOutcome correlates an observed tool outcome back to the advice
// that preceded it (spec.md §4.8's feedback loop).
func (c *Core) ReportOutcome(sig advisor.OutcomeSignal, parentTool string) ([]types.OutcomeRecord, error) {
	return c.advisorEng.ReportOutcome(sig, parentTool)
}

// StartEpisode returns the session's active episode, starting one if
// none exists (spec.md §4.6: one active episode per session). A host
// calls this once before wrapping a tool call as a Step.
func (c *Core) StartEpisode(sessionID, goal string, budget types.Budget) (*types.Episode, error) {
	return c.episodes.StartEpisode(sessionID, goal, budget)
}

// AdmitStep runs the Episode Engine's pre-admission watchers against a
// proposed Step (spec.md §4.6's pre-action contract) and returns a
// coreerr.KindWatcherBlock error if the step may not proceed — the
// host must not execute the underlying tool call when this errors.
func (c *Core) AdmitStep(ep *types.Episode, step *types.Step) error {
	return c.episodes.AdmitStep(ep, step)
}

// CompleteStep records a finished Step's post-action contract against
// its episode, evaluates the post-step watchers, and applies whichever
// phase transition or escape-mode entry they force (spec.md §4.6). The
// host calls this once the underlying tool call has returned.
func (c *Core) CompleteStep(ep *types.Episode, step *types.Step) ([]string, error) {
	return c.episodes.CompleteStep(ep, step)
}

// RunBridgeCycle executes one Bridge Cycle pass synchronously (spec.md
// §4.9). The CLI runs a cycle only from its `promote` command, through
// Promote; a long-running host should instead call c.cycle.Run in a
// goroutine.
func (c *Core) RunBridgeCycle(ctx context.Context) (*bridgecycle.Heartbeat, error) {
	return c.cycle.RunOnce(ctx)
}

// StatusReport is returned by Status for the CLI's `status` command.
type StatusReport struct {
	QueueActiveSize int
	QueueDropped    int
	InsightCount    int
	LastHeartbeat   *bridgecycle.Heartbeat
}

// Status summarizes current persisted state without mutating anything.
func (c *Core) Status() (*StatusReport, error) {
	hb, err := bridgecycle.ReadHeartbeat(c.cfg.DataDir)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("core")
	}
	state := c.queue.GetState()
	return &StatusReport{
		QueueActiveSize: state.ActiveSize,
		QueueDropped:    state.DroppedTotal,
		InsightCount:    c.insights.Len(),
		LastHeartbeat:   hb,
	}, nil
}

// Promote forces a bridge cycle pass and reports how many insights and
// distillations it touched; the CLI's `promote` command surfaces this
// as its human-readable summary.
func (c *Core) Promote(ctx context.Context) (*bridgecycle.Heartbeat, error) {
	return c.cycle.RunOnce(ctx)
}

// Tune computes auto-tuner recommendations from the current stored
// measurements and applies them at the given mode (spec.md §4.10). The
// CLI's `tune --mode` command is a thin wrapper over this. Degradation
// from a prior tune is checked separately via CheckDegradation, once a
// fresh Measurements snapshot is available after subsequent cycles.
func (c *Core) Tune(m autotuner.Measurements, mode autotuner.Mode) ([]autotuner.Recommendation, error) {
	recs := autotuner.Recommend(m, c.cfg)
	return c.tuner.Apply(c.cfg, recs, mode)
}

// CheckDegradation compares a before/after Measurements pair and, if
// degraded by more than 10% (spec.md §4.10), reverts to the last
// snapshot. The caller is responsible for holding the "before"
// snapshot taken at the last Tune call.
func (c *Core) CheckDegradation(before, after autotuner.Measurements) error {
	if !autotuner.Degraded(before, after) {
		return nil
	}
	return c.tuner.Revert(c.cfg)
}

// defaultMaxAgeDays and defaultMinEffectiveReliability bound Prune's
// decay sweep (spec.md §4.4): an insight older than the max age, or
// whose decay-weighted reliability has fallen below the floor, is
// removed.
const (
	defaultMaxAgeDays             = 180
	defaultMinEffectiveReliability = 0.05
)

// Prune removes insights that have decayed past their reliability
// floor or aged out (spec.md §4.4's Prune operation).
func (c *Core) Prune(now time.Time) (int, error) {
	return c.insights.Prune(now, defaultMaxAgeDays, defaultMinEffectiveReliability)
}

// Measurements derives the autotuner.Measurements the `tune` command
// needs from currently persisted counters. Only AdviceActionRate and
// FeedbackLoopClosure are filled, both from the advisor's effectiveness
// counters summed over every source; FeedbackLoopClosure here is the
// helpful/followed rate, not a prediction/outcome ratio. The other
// fields stay zero. A rate with a zero denominator defaults to the
// neutral 0.5 rather than zero, matching the effectiveness tracker's
// own convention.
func (c *Core) Measurements() autotuner.Measurements {
	given, followed, helpful := 0, 0, 0
	for _, src := range []types.AdviceSource{
		types.SourceCognitive, types.SourceDistillation, types.SourceInsightBank,
		types.SourceTrigger, types.SourcePromoted, types.SourceExternal,
	} {
		g, f, h := c.advisorEng.EffectivenessSnapshot(src)
		given += g
		followed += f
		helpful += h
	}
	actionRate := 0.5
	if given > 0 {
		actionRate = float64(followed) / float64(given)
	}
	helpfulRate := 0.5
	if followed > 0 {
		helpfulRate = float64(helpful) / float64(followed)
	}
	return autotuner.Measurements{
		AdviceActionRate:    actionRate,
		FeedbackLoopClosure: helpfulRate,
	}
}
