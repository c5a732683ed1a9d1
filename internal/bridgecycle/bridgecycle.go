// Package bridgecycle implements the Bridge Cycle (spec §4.9): the
// single periodic worker that drains the event queue, routes events
// through the aggregator/importance/quality pipeline into the insight
// store, advances episodes and distillation, and writes a heartbeat.
//
// Grounded on internal/orchestration/workflow.go's step-sequenced
// worker shape and cmd/server/main.go's top-level wiring, generalized
// from a request-handling loop to a fixed-interval batch worker;
// concurrent sub-step fan-out uses golang.org/x/sync/errgroup (the
// teacher's own dependency) in place of the orchestrator's bespoke
// goroutine/WaitGroup bookkeeping.
package bridgecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/advisor"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/aggregator"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/config"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/distill"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/episode"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/importance"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/insight"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/qualitygate"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/queue"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// Heartbeat is the persisted cycle record (spec §6:
// bridge_worker_heartbeat.json).
type Heartbeat struct {
	Timestamp             time.Time `json:"timestamp"`
	EventsRead            int       `json:"events_read"`
	InsightsTouched       int       `json:"insights_touched"`
	DistillationsProduced int       `json:"distillations_produced"`
	EpisodesConsolidated  int       `json:"episodes_consolidated"`
	DurationMillis        int64     `json:"duration_millis"`
	ExternalMemoryHealthy bool      `json:"external_memory_healthy"`
	CycleNumber           int       `json:"cycle_number"`
}

// Cycle is the Bridge Cycle worker.
type Cycle struct {
	cfg        *config.Config
	q          *queue.Queue
	agg        *aggregator.Aggregator
	scorer     *importance.Scorer
	gate       *qualitygate.Gate
	insights   *insight.Store
	episodes   *episode.Engine
	distiller  *distill.Engine
	advisorEng *advisor.Engine
	external   *advisor.ExternalMemoryAdapter // optional, may be nil

	heartbeatPath string
	offlinePath   string
	logger        *log.Logger

	cycleCount int
}

// Deps bundles every collaborator the cycle orchestrates.
type Deps struct {
	Config    *config.Config
	Queue     *queue.Queue
	Aggregator *aggregator.Aggregator
	Scorer    *importance.Scorer
	Gate      *qualitygate.Gate
	Insights  *insight.Store
	Episodes  *episode.Engine
	Distiller *distill.Engine
	Advisor   *advisor.Engine
	External  *advisor.ExternalMemoryAdapter
	Logger    *log.Logger
}

// New builds a Cycle from deps.
func New(deps Deps) *Cycle {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[bridgecycle] ", log.LstdFlags)
	}
	return &Cycle{
		cfg:           deps.Config,
		q:             deps.Queue,
		agg:           deps.Aggregator,
		scorer:        deps.Scorer,
		gate:          deps.Gate,
		insights:      deps.Insights,
		episodes:      deps.Episodes,
		distiller:     deps.Distiller,
		advisorEng:    deps.Advisor,
		external:      deps.External,
		heartbeatPath: filepath.Join(deps.Config.DataDir, "bridge_worker_heartbeat.json"),
		offlinePath:   filepath.Join(deps.Config.DataDir, "advisor", "offline_sync_queue.jsonl"),
		logger:        logger,
	}
}

// Run loops RunOnce at the configured interval until ctx is canceled.
func (c *Cycle) Run(ctx context.Context) error {
	interval := time.Duration(c.cfg.BridgeCycle.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Printf("[ERROR] bridge cycle: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes the nine numbered sub-steps of spec §4.9 once.
func (c *Cycle) RunOnce(ctx context.Context) (*Heartbeat, error) {
	start := time.Now()
	c.cycleCount++

	// Step 1: read recent events since the logical head.
	state := c.q.GetState()
	events, err := c.q.ReadRecent(c.cfg.BridgeCycle.ReadBatchSize, state.LogicalHead)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("bridgecycle")
	}

	// Steps 2-3: classify each event once, then fan the reusable
	// classification out to the aggregator/importance/quality-gate/
	// insight-store pipeline concurrently.
	insightsTouched, err := c.processEvents(ctx, events)
	if err != nil {
		return nil, err
	}

	// Step 4: advisor feedback loop has no queue-resident state to
	// poll here — ReportOutcome is invoked synchronously by the core
	// on each observed outcome. The cycle's role is limited to
	// resyncing the advisor's semantic index so step 2's new insights
	// become retrievable.
	if c.advisorEng != nil {
		if err := c.advisorEng.Sync(ctx); err != nil {
			c.logger.Printf("[WARN] bridge cycle: advisor sync failed: %v", err)
		}
	}

	// Step 5: distillation pass, if the interval has elapsed.
	distilled := 0
	if c.cfg.Tuneables.DistillationInterval > 0 && c.cycleCount%c.cfg.Tuneables.DistillationInterval == 0 {
		steps := stepsFromEvents(events)
		if len(steps) > 0 {
			out, err := c.distiller.Distill(steps)
			if err != nil {
				c.logger.Printf("[WARN] bridge cycle: distillation pass failed: %v", err)
			} else {
				distilled = len(out)
			}
		}
	}

	// Step 6: advance episode watchers / consolidate stale episodes.
	consolidatedEps, err := c.episodes.ConsolidateStale(time.Now())
	if err != nil {
		c.logger.Printf("[WARN] bridge cycle: consolidate stale episodes failed: %v", err)
	}
	consolidated := len(consolidatedEps)

	// Step 7: periodically compact queue-head state and rotate.
	if c.cfg.BridgeCycle.CompactEveryNCycles > 0 && c.cycleCount%c.cfg.BridgeCycle.CompactEveryNCycles == 0 {
		if err := c.q.AdvanceHead(len(events)); err != nil {
			c.logger.Printf("[WARN] bridge cycle: advance head failed: %v", err)
		}
		if err := c.q.Rotate(); err != nil {
			c.logger.Printf("[WARN] bridge cycle: rotate failed: %v", err)
		}
	}

	// Mind-bridge health check: never blocks the cycle.
	healthy := c.checkExternalHealth(ctx)

	// Step 8 + 9: write heartbeat (insight store already batches its
	// own writes per-call via atomic replace, so "batch-persist" here
	// is the heartbeat/metrics record itself).
	hb := &Heartbeat{
		Timestamp:             time.Now(),
		EventsRead:            len(events),
		InsightsTouched:       insightsTouched,
		DistillationsProduced: distilled,
		EpisodesConsolidated:  consolidated,
		DurationMillis:        time.Since(start).Milliseconds(),
		ExternalMemoryHealthy: healthy,
		CycleNumber:           c.cycleCount,
	}
	if err := c.writeHeartbeat(hb); err != nil {
		c.logger.Printf("[WARN] bridge cycle: heartbeat write failed: %v", err)
	}
	return hb, nil
}

// processEvents implements steps 2-3: classify each event via the
// aggregator once, then route importance scoring + the quality gate +
// insight-store insertion concurrently via errgroup, bounded to avoid
// hammering the insight store's coarse lock.
func (c *Cycle) processEvents(ctx context.Context, events []*types.Event) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	touched := make(chan int, len(events))
	for _, evt := range events {
		evt := evt
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if c.processOne(evt) {
				touched <- 1
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(touched)

	count := 0
	for range touched {
		count++
	}
	return count, nil
}

// processOne classifies one event and, if it clears the importance
// and quality gates, inserts or validates it in the insight store.
func (c *Cycle) processOne(evt *types.Event) bool {
	output := c.agg.Process(evt)
	if len(output.Patterns) == 0 {
		return false
	}

	touched := false
	for _, p := range output.Patterns {
		imp := c.scorer.Score(p.Text, evt.ToolName, string(evt.Kind))
		if imp.Tier == importance.TierLow {
			continue
		}
		res := c.gate.Roast(qualitygate.Candidate{Text: p.Text, Source: string(p.Kind)}, nil)
		if res.Verdict == qualitygate.VerdictPrimitive || res.Verdict == qualitygate.VerdictDuplicate {
			continue
		}
		text := p.Text
		if res.Refined {
			text = res.RefinedText
		}
		_, _, err := c.insights.AddOrValidate(insight.Candidate{
			Category:    categoryFor(p.Kind),
			Text:        text,
			Context:     evt.Text,
			TriggerTags: p.Tags,
			Source:      string(p.Kind),
			Quality:     res.Verdict == qualitygate.VerdictQuality,
		})
		if err != nil {
			c.logger.Printf("[WARN] bridge cycle: insight insert failed: %v", err)
			continue
		}
		touched = true
	}
	return touched
}

func categoryFor(k aggregator.Kind) types.InsightCategory {
	switch k {
	case aggregator.KindWhyReasoning:
		return types.CategoryReasoning
	case aggregator.KindSemanticIntent:
		return types.CategoryUserUnderstanding
	case aggregator.KindCorrection:
		return types.CategorySelfAwareness
	case aggregator.KindSentiment:
		return types.CategoryCommunication
	default:
		return types.CategoryContext
	}
}

// stepsFromEvents reconstructs completed steps from post_tool events
// for the distillation engine's clustering input. The queue carries
// events, not Step records; this is a deliberate, documented
// simplification rather than threading the full EIDOS Step type
// through the wire format.
func stepsFromEvents(events []*types.Event) []*types.Step {
	var steps []*types.Step
	for _, evt := range events {
		if evt.Kind != types.EventPostTool && evt.Kind != types.EventPostToolFailure {
			continue
		}
		eval := types.EvalUnknown
		switch evt.Outcome {
		case types.OutcomeSuccess:
			eval = types.EvalPass
		case types.OutcomeFailure:
			eval = types.EvalFail
		default:
			continue
		}
		steps = append(steps, &types.Step{
			ID:         types.NewID("step"),
			EpisodeID:  evt.SessionID,
			Intent:     evt.Text,
			Action:     types.Action{Tool: evt.ToolName, Input: evt.ToolInput},
			Evaluation: eval,
			CreatedAt:  evt.Timestamp,
		})
	}
	return steps
}

func (c *Cycle) checkExternalHealth(ctx context.Context) bool {
	if c.external == nil {
		return true
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.external.Query(healthCtx, "")
	if err != nil {
		c.logger.Printf("[WARN] bridge cycle: external memory unhealthy: %v", err)
		return false
	}
	return true
}

// QueueOfflineSync appends a record to the offline sync sidecar for
// later replay once the external memory adapter recovers (spec §4.9
// "on outage, queues outbound sync records to an offline queue").
func (c *Cycle) QueueOfflineSync(record map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(c.offlinePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(c.offlinePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (c *Cycle) writeHeartbeat(hb *Heartbeat) error {
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.heartbeatPath), 0o755); err != nil {
		return err
	}
	tmp := c.heartbeatPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.heartbeatPath)
}

// ReadHeartbeat loads the last-written heartbeat, used by the `status`
// CLI command.
func ReadHeartbeat(dataDir string) (*Heartbeat, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "bridge_worker_heartbeat.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("bridgecycle: corrupt heartbeat: %w", err)
	}
	return &hb, nil
}
