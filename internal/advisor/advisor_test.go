package advisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/distill"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/embedding"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/insight"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/triggers"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *insight.Store, *distill.Engine, *triggers.Registry) {
	t.Helper()
	dir := t.TempDir()

	insightStore, err := insight.New(filepath.Join(dir, "cognitive_insights.json"), nil)
	require.NoError(t, err)

	distillStore, err := distill.OpenStore(filepath.Join(dir, "distill.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = distillStore.Close() })
	distillEngine := distill.New(distillStore, distill.DefaultConfig(), nil, nil)

	reg, err := triggers.Load("")
	require.NoError(t, err)

	index := NewSemanticIndex(embedding.NewHashEmbedder(32))
	effectiveness, err := OpenEffectivenessTracker(filepath.Join(dir, "effectiveness.json"))
	require.NoError(t, err)
	adviceLog := OpenAdviceLog(filepath.Join(dir, "advice_log.jsonl"))
	outcomeLog := OpenOutcomeLog(filepath.Join(dir, "outcomes.jsonl"))

	cfg := DefaultConfig()
	e := New(cfg, insightStore, distillEngine, reg, index, effectiveness, adviceLog, outcomeLog, nil, nil)
	return e, insightStore, distillEngine, reg
}

func TestAdviseTriggerBypassesSimilarityGate(t *testing.T) {
	dir := t.TempDir()
	reg, err := triggers.Load("")
	require.NoError(t, err)
	require.NoError(t, reg.Reload(writeRuleFile(t, dir)))

	e, _, _, _ := newTestEngine(t)
	e.triggers = reg

	advice, err := e.Advise(context.Background(), "Bash", "sess1", "about to touch the database", types.Metadata{})
	require.NoError(t, err)
	require.Len(t, advice, 1)
	require.Equal(t, types.SourceTrigger, advice[0].Source)
	require.Equal(t, types.PriorityCritical, advice[0].Priority)
}

func writeRuleFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "rules.yaml")
	content := `
rules:
  - pattern: "database"
    rule_name: db_safety
    priority: critical
    advice: "validate input before touching the database"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAdviseSemanticCandidateAfterSync(t *testing.T) {
	e, insightStore, _, _ := newTestEngine(t)

	_, _, err := insightStore.AddOrValidate(insight.Candidate{
		Category: types.CategoryReasoning,
		Text:     "always add retry logic around flaky network calls",
		Quality:  true,
	})
	require.NoError(t, err)

	require.NoError(t, e.Sync(context.Background()))

	advice, err := e.Advise(context.Background(), "Edit", "sess1", "always add retry logic around flaky network calls", types.Metadata{})
	require.NoError(t, err)
	require.NotEmpty(t, advice)
	require.Equal(t, types.SourceCognitive, advice[0].Source)
}

func TestAdvisePerSourceCapEnforced(t *testing.T) {
	e, insightStore, _, _ := newTestEngine(t)

	for i := 0; i < 10; i++ {
		_, _, err := insightStore.AddOrValidate(insight.Candidate{
			Category: types.CategoryReasoning,
			Text:     "retry network calls with backoff variant " + string(rune('a'+i)),
			Quality:  true,
		})
		require.NoError(t, err)
	}
	require.NoError(t, e.Sync(context.Background()))

	e.cfg.MaxAdviceItems = 10
	e.cfg.PerSourceCap = 3
	e.cfg.MinSimilarity = 0
	e.cfg.MinRankScore = 0

	advice, err := e.Advise(context.Background(), "Edit", "sess1", "retry network calls with backoff", types.Metadata{})
	require.NoError(t, err)

	counts := map[types.AdviceSource]int{}
	for _, a := range advice {
		counts[a.Source]++
	}
	require.LessOrEqual(t, counts[types.SourceCognitive], 3)
}

func TestAdviseCachesWithinTTL(t *testing.T) {
	e, insightStore, _, _ := newTestEngine(t)
	_, _, err := insightStore.AddOrValidate(insight.Candidate{
		Category: types.CategoryReasoning,
		Text:     "always validate input before database writes",
		Quality:  true,
	})
	require.NoError(t, err)
	require.NoError(t, e.Sync(context.Background()))

	a1, err := e.Advise(context.Background(), "Edit", "sess1", "validate input before database writes", types.Metadata{})
	require.NoError(t, err)

	// Mutate underlying store; cached result should be unaffected until TTL expires.
	_, _, err = insightStore.AddOrValidate(insight.Candidate{
		Category: types.CategoryReasoning,
		Text:     "a brand new unrelated insight",
		Quality:  true,
	})
	require.NoError(t, err)

	a2, err := e.Advise(context.Background(), "Edit", "sess1", "validate input before database writes", types.Metadata{})
	require.NoError(t, err)
	require.Equal(t, a1, a2)
}

func TestLogAdviceAndReportOutcomeCorrelates(t *testing.T) {
	e, insightStore, _, _ := newTestEngine(t)
	key, _, err := insightStore.AddOrValidate(insight.Candidate{
		Category: types.CategoryReasoning,
		Text:     "always add retry logic around flaky network calls",
		Quality:  true,
	})
	require.NoError(t, err)
	require.NoError(t, e.Sync(context.Background()))

	advice, err := e.Advise(context.Background(), "Edit", "sess1", "always add retry logic around flaky network calls", types.Metadata{})
	require.NoError(t, err)
	require.NotEmpty(t, advice)
	require.NoError(t, e.LogAdvice("sess1", advice))

	records, err := e.ReportOutcome(OutcomeSignal{Tool: "Edit", SessionID: "sess1", Helpful: true}, "")
	require.NoError(t, err)
	require.NotEmpty(t, records)

	ins := insightStore.Get(key)
	require.NotNil(t, ins)
	require.Equal(t, 1, ins.TotalAdviceGiven)
	require.Equal(t, 1, ins.TotalFollowed)
}

func TestReportOutcomeFallsBackToParentTool(t *testing.T) {
	e, insightStore, _, _ := newTestEngine(t)
	_, _, err := insightStore.AddOrValidate(insight.Candidate{
		Category: types.CategoryReasoning,
		Text:     "always add retry logic around flaky network calls",
		Quality:  true,
	})
	require.NoError(t, err)
	require.NoError(t, e.Sync(context.Background()))

	advice, err := e.Advise(context.Background(), "orchestrator", "sess1", "always add retry logic around flaky network calls", types.Metadata{})
	require.NoError(t, err)
	require.NotEmpty(t, advice)
	require.NoError(t, e.LogAdvice("sess1", advice))

	records, err := e.ReportOutcome(OutcomeSignal{Tool: "Edit", SessionID: "sess1", Helpful: true}, "orchestrator")
	require.NoError(t, err)
	require.NotEmpty(t, records)
}

func TestReportOutcomeNoCorrelationReturnsEmpty(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	records, err := e.ReportOutcome(OutcomeSignal{Tool: "Edit", SessionID: "sess-unknown", Helpful: true}, "")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFusionScoreTriggerFormula(t *testing.T) {
	cfg := DefaultConfig()
	c := scoredCandidate{source: types.SourceTrigger, outcome: 0.5, priority: types.PriorityNormal}
	require.InDelta(t, 0.9, fusionScore(c, cfg), 1e-9)

	c.priority = types.PriorityCritical
	require.InDelta(t, 1.1, fusionScore(c, cfg), 1e-9)
}

func TestFusionScoreSemanticFormula(t *testing.T) {
	cfg := DefaultConfig()
	c := scoredCandidate{source: types.SourceCognitive, semanticSim: 0.8, outcome: 0.5, recency: 0.5}
	expected := 0.8 * (1 + 0*cfg.WOut + 0.5*cfg.WRec)
	require.InDelta(t, expected, fusionScore(c, cfg), 1e-9)
}

func TestRecencyScoreDecaysWithAge(t *testing.T) {
	now := time.Now()
	fresh := recencyScore(now, now)
	old := recencyScore(now.Add(-72*time.Hour), now)
	require.Greater(t, fresh, old)
}

