package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/autotuner"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/config"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	c, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenCreatesDataDirLayout(t *testing.T) {
	c := newTestCore(t)
	require.DirExists(t, filepath.Join(c.cfg.DataDir, "queue"))
}

func TestCaptureThenStatusReflectsQueueSize(t *testing.T) {
	c := newTestCore(t)
	err := c.Capture(&types.Event{
		Kind:      types.EventUserPrompt,
		SessionID: "sess1",
		Text:      "let's use postgres instead of sqlite",
	})
	require.NoError(t, err)

	status, err := c.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.QueueActiveSize)
}

func TestCaptureRejectsMissingTraceUnderStrictMode(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BridgeCycle.StrictTrace = true
	c, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	err = c.Capture(&types.Event{Kind: types.EventPostTool, SessionID: "sess1", ToolName: "Bash"})
	require.Error(t, err)
}

func TestAdviseReturnsEmptyWithNoInsights(t *testing.T) {
	c := newTestCore(t)
	advice, err := c.Advise(context.Background(), "Bash", "sess1", "some context", types.Metadata{})
	require.NoError(t, err)
	require.Empty(t, advice)
}

func TestRunBridgeCycleProducesHeartbeat(t *testing.T) {
	c := newTestCore(t)
	require.NoError(t, c.Capture(&types.Event{
		Kind: types.EventPostTool, SessionID: "sess1", ToolName: "Bash",
		Outcome: types.OutcomeSuccess,
		Text:    "I always validate input before touching the database because it prevents corruption.",
	}))

	hb, err := c.RunBridgeCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, hb.EventsRead)
}

func TestTuneSuggestModeDoesNotMutateConfig(t *testing.T) {
	c := newTestCore(t)
	before := c.cfg.Tuneables.MinRankScore

	_, err := c.Tune(autotuner.Measurements{AdviceActionRate: 0.05}, autotuner.ModeSuggest)
	require.NoError(t, err)
	require.Equal(t, before, c.cfg.Tuneables.MinRankScore)
}

func TestPruneRemovesNothingWithNoInsights(t *testing.T) {
	c := newTestCore(t)
	removed, err := c.Prune(time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestStartEpisodeAdmitStepCompleteStepFlow(t *testing.T) {
	c := newTestCore(t)

	ep, err := c.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	require.NoError(t, err)
	ep.Phase = types.PhaseExecute

	step := &types.Step{
		ID:               types.NewID("step"),
		EpisodeID:        ep.ID,
		Phase:            types.PhaseExecute,
		Intent:           "patch the retry loop",
		Hypothesis:       "off-by-one in the retry count",
		Prediction:       "retries now stop after 3 attempts",
		StopCondition:    "abort after 3 attempts",
		ConfidenceBefore: 0.5,
		Memory:           types.MemoryCitation{MemoryAbsent: true, AbsentReason: "no prior insight"},
		Action:           types.Action{Tool: "Edit", Input: types.Metadata{"file": "retry.go"}},
	}

	require.NoError(t, c.AdmitStep(ep, step))

	step.Evaluation = types.EvalPass
	step.ValidationEvidence = "tests pass"
	step.ConfidenceAfter = 0.8

	_, err = c.CompleteStep(ep, step)
	require.NoError(t, err)
}

func TestAdmitStepBlocksStepMissingMemoryCitation(t *testing.T) {
	c := newTestCore(t)
	ep, err := c.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	require.NoError(t, err)

	step := &types.Step{ID: types.NewID("step"), EpisodeID: ep.ID, Action: types.Action{Tool: "Bash"}}
	err = c.AdmitStep(ep, step)
	require.Error(t, err)
}

func TestCheckDegradationNoopWithinTolerance(t *testing.T) {
	c := newTestCore(t)
	before := autotuner.Measurements{AdviceActionRate: 0.5, FeedbackLoopClosure: 0.5}
	after := autotuner.Measurements{AdviceActionRate: 0.49, FeedbackLoopClosure: 0.5}
	require.NoError(t, c.CheckDegradation(before, after))
}
