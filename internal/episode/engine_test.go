package episode

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eidos.db")
	e, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func baseStep(episodeID string, phase types.Phase) *types.Step {
	return &types.Step{
		ID:               types.NewID("step"),
		EpisodeID:        episodeID,
		Phase:            phase,
		Intent:           "investigate the failure",
		Hypothesis:       "the bug is in the retry loop",
		Prediction:       "the retry count will be off by one",
		StopCondition:    "abort after 3 attempts",
		ConfidenceBefore: 0.5,
		Memory:           types.MemoryCitation{MemoryAbsent: true, AbsentReason: "no prior insight"},
		Action:           types.Action{Tool: "Bash"},
		Evaluation:       types.EvalPass,
		ValidationEvidence: "tests pass",
		ConfidenceAfter:    0.6,
	}
}

func TestStartEpisodeReusesActiveForSession(t *testing.T) {
	e := newTestEngine(t)

	ep1, err := e.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	ep2, err := e.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	if ep1.ID != ep2.ID {
		t.Errorf("expected the same episode to be reused, got %s and %s", ep1.ID, ep2.ID)
	}
	if ep1.Phase != types.PhaseExplore {
		t.Errorf("expected a new episode to start in explore, got %s", ep1.Phase)
	}
}

func TestAdmitStepBlocksMemoryBypass(t *testing.T) {
	e := newTestEngine(t)
	ep, err := e.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	step := &types.Step{ID: types.NewID("step"), Action: types.Action{Tool: "Bash"}}

	err = e.AdmitStep(ep, step)
	if err == nil {
		t.Fatal("expected memory-bypass to block admission")
	}
	if coreerr.KindOf(err) != coreerr.KindWatcherBlock {
		t.Errorf("expected KindWatcherBlock, got %s", coreerr.KindOf(err))
	}
}

func TestAdmitStepAllowsCitedMemory(t *testing.T) {
	e := newTestEngine(t)
	ep, err := e.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	step := &types.Step{
		ID:     types.NewID("step"),
		Action: types.Action{Tool: "Bash"},
		Memory: types.MemoryCitation{Cited: "insight-1"},
	}

	if err := e.AdmitStep(ep, step); err != nil {
		t.Errorf("expected cited memory to be admissible, got %v", err)
	}
}

func TestAdmitStepBlocksTouchingFrozenArtifact(t *testing.T) {
	e := newTestEngine(t)
	budget := types.DefaultBudget()
	budget.MaxFileTouches = 1
	ep, err := e.StartEpisode("session-1", "fix the bug", budget)
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	ep.Phase = types.PhaseExecute

	touchFile := func() *types.Step {
		s := baseStep(ep.ID, types.PhaseExecute)
		s.Action = types.Action{Tool: "Edit", Input: types.Metadata{"file": "main.go"}}
		return s
	}

	// Two touches exceed max_file_touches=1 and freeze the artifact.
	if _, err := e.CompleteStep(ep, touchFile()); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	if _, err := e.CompleteStep(ep, touchFile()); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	blocked := &types.Step{
		ID:     types.NewID("step"),
		Action: types.Action{Tool: "Edit", Input: types.Metadata{"file": "main.go"}},
		Memory: types.MemoryCitation{Cited: "insight-1"},
	}
	err = e.AdmitStep(ep, blocked)
	if err == nil {
		t.Fatal("expected admission of a frozen artifact to be blocked")
	}
	if coreerr.KindOf(err) != coreerr.KindWatcherBlock {
		t.Errorf("expected KindWatcherBlock, got %s", coreerr.KindOf(err))
	}

	other := &types.Step{
		ID:     types.NewID("step"),
		Action: types.Action{Tool: "Edit", Input: types.Metadata{"file": "other.go"}},
		Memory: types.MemoryCitation{Cited: "insight-1"},
	}
	if err := e.AdmitStep(ep, other); err != nil {
		t.Errorf("expected a different, unfrozen artifact to be admissible, got %v", err)
	}
}

func TestCompleteStepFiresRepeatErrorAfterTwoIdenticalFailures(t *testing.T) {
	e := newTestEngine(t)
	ep, err := e.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	// explore -> execute isn't legal directly via CanTransition, but
	// CompleteStep only forces transitions when a watcher fires; the
	// episode's own Phase field is advanced by the caller (the host)
	// between steps. Force it here for the test.
	ep.Phase = types.PhaseExecute

	failStep := func() *types.Step {
		s := baseStep(ep.ID, types.PhaseExecute)
		s.Evaluation = types.EvalFail
		s.Result = types.Metadata{"error": "connection refused"}
		return s
	}

	if _, err := e.CompleteStep(ep, failStep()); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	fires, err := e.CompleteStep(ep, failStep())
	if err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	found := false
	for _, f := range fires {
		if f == "repeat_error" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected repeat_error to fire on second identical failure, got %v", fires)
	}
	if ep.Phase != types.PhaseDiagnose {
		t.Errorf("expected phase to move to diagnose, got %s", ep.Phase)
	}
}

func TestCompleteStepFiresValidationGapAfterTwoExecutesWithoutValidate(t *testing.T) {
	e := newTestEngine(t)
	ep, err := e.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	ep.Phase = types.PhaseExecute

	if _, err := e.CompleteStep(ep, baseStep(ep.ID, types.PhaseExecute)); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	fires, err := e.CompleteStep(ep, baseStep(ep.ID, types.PhaseExecute))
	if err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	found := false
	for _, f := range fires {
		if f == "validation_gap" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected validation_gap to fire, got %v", fires)
	}
}

func TestCompleteStepHaltsOnBudgetExhaustion(t *testing.T) {
	e := newTestEngine(t)
	budget := types.DefaultBudget()
	budget.MaxSteps = 1

	ep, err := e.StartEpisode("session-1", "fix the bug", budget)
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	ep.Phase = types.PhaseExecute

	if _, err := e.CompleteStep(ep, baseStep(ep.ID, types.PhaseExecute)); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}

	if ep.Phase != types.PhaseHalt {
		t.Errorf("expected halt on budget exhaustion, got %s", ep.Phase)
	}
	if ep.Outcome == types.EpisodeInProgress {
		t.Error("expected a terminal outcome after halt")
	}
	if _, ok := e.ActiveEpisode("session-1"); ok {
		t.Error("expected the episode to no longer be active after halting")
	}
}

func TestConsolidateStaleMovesInactiveEpisodesToConsolidate(t *testing.T) {
	e := newTestEngine(t)
	ep, err := e.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	e.staleThreshold = 1 * time.Millisecond
	ep.StartedAt = time.Now().Add(-1 * time.Hour)

	consolidated, err := e.ConsolidateStale(time.Now())
	if err != nil {
		t.Fatalf("ConsolidateStale: %v", err)
	}
	if len(consolidated) != 1 {
		t.Fatalf("expected 1 consolidated episode, got %d", len(consolidated))
	}
	if consolidated[0].Phase != types.PhaseConsolidate {
		t.Errorf("expected phase consolidate, got %s", consolidated[0].Phase)
	}
	if _, ok := e.ActiveEpisode("session-1"); ok {
		t.Error("expected the episode to be removed from active after consolidation")
	}
}

func TestTrackUserPromptAndPendingPrompt(t *testing.T) {
	e := newTestEngine(t)
	e.TrackUserPrompt("please add retry logic", "trace-1")

	text, ok := e.PendingPrompt("trace-1")
	if !ok {
		t.Fatal("expected a pending prompt")
	}
	if text != "please add retry logic" {
		t.Errorf("unexpected prompt text: %q", text)
	}
}

func TestPrunePendingPromptsRemovesOldEntries(t *testing.T) {
	e := newTestEngine(t)
	e.TrackUserPrompt("old prompt", "trace-1")
	e.pendingPrompts["trace-1"] = pendingPrompt{text: "old prompt", at: time.Now().Add(-1 * time.Hour)}

	removed := e.PrunePendingPrompts(time.Now(), 10*time.Minute)
	if removed != 1 {
		t.Errorf("expected 1 pruned prompt, got %d", removed)
	}
	if _, ok := e.PendingPrompt("trace-1"); ok {
		t.Error("expected prompt to be pruned")
	}
}

func TestExitEscapeModeRequiresBothEvidenceAndRevisedHypothesis(t *testing.T) {
	e := newTestEngine(t)
	ep, err := e.StartEpisode("session-1", "fix the bug", types.DefaultBudget())
	if err != nil {
		t.Fatalf("StartEpisode: %v", err)
	}
	ep.EscapeMode = true
	e.state[ep.ID] = newEpisodeState()

	if e.ExitEscapeMode(ep, true, false) {
		t.Error("expected escape mode to persist without a revised hypothesis")
	}
	if !e.ExitEscapeMode(ep, true, true) {
		t.Error("expected escape mode to clear with both evidence and a revised hypothesis")
	}
	if ep.EscapeMode {
		t.Error("expected EscapeMode field to be false after exit")
	}
}

func TestIsActionAdmissibleInEscapeMode(t *testing.T) {
	if !IsActionAdmissibleInEscapeMode("Read") {
		t.Error("expected Read to be admissible in escape mode")
	}
	if IsActionAdmissibleInEscapeMode("Edit") {
		t.Error("expected Edit to be inadmissible in escape mode")
	}
}
