package episode

import (
	"fmt"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// watcherResult is a single watcher's verdict for one step evaluation
// (spec §4.6's watcher table).
type watcherResult struct {
	Name            string
	Fired           bool
	TargetPhase     types.Phase // zero value if the watcher doesn't force a transition
	FreezeArtifact  string      // set by Diff-thrash
	BlocksAdmission bool        // set by Memory-bypass
	Reason          string
}

// episodeState is ephemeral, in-process bookkeeping the watchers need
// beyond what types.Episode/types.Counters persist — recent confidence
// deltas, the current run of execute-without-validate steps, the
// current run of plan-without-progress cycles, and the last distinct
// error signature. It does not survive a process restart; a restarted
// engine simply starts the watcher run fresh for episodes still
// active in the database, which is acceptable since watchers are
// steering heuristics, not the Budget/Counters invariants spec §3
// requires to be durable.
type episodeState struct {
	lastErrorSignature     string
	lastErrorCount         int
	recentConfidences      []float64
	consecutiveExecNoValid int
	planCyclesNoProgress   int
	lastPhaseSeen          types.Phase
	frozenArtifacts        map[string]bool
	distinctFires          map[string]bool
	totalFireCount          int
}

func newEpisodeState() *episodeState {
	return &episodeState{
		frozenArtifacts: make(map[string]bool),
		distinctFires:   make(map[string]bool),
	}
}

// checkMemoryBypass is evaluated before admission: a step without a
// memory citation or an explicit memory_absent declaration is blocked
// outright.
func checkMemoryBypass(step *types.Step) watcherResult {
	if step.Memory.Cited == "" && !step.Memory.MemoryAbsent {
		return watcherResult{Name: "memory_bypass", Fired: true, BlocksAdmission: true,
			Reason: "step admitted without a memory citation or memory_absent declaration"}
	}
	return watcherResult{Name: "memory_bypass"}
}

// checkRepeatError fires when the same error signature (the step's
// result error, if any) repeats at least twice in a row.
func checkRepeatError(st *episodeState, step *types.Step) watcherResult {
	sig := errorSignature(step)
	if sig == "" {
		st.lastErrorSignature = ""
		st.lastErrorCount = 0
		return watcherResult{Name: "repeat_error"}
	}
	if sig == st.lastErrorSignature {
		st.lastErrorCount++
	} else {
		st.lastErrorSignature = sig
		st.lastErrorCount = 1
	}
	if st.lastErrorCount >= 2 {
		return watcherResult{Name: "repeat_error", Fired: true, TargetPhase: types.PhaseDiagnose,
			Reason: fmt.Sprintf("error signature %q repeated %d times", sig, st.lastErrorCount)}
	}
	return watcherResult{Name: "repeat_error"}
}

func errorSignature(step *types.Step) string {
	if step.Evaluation != types.EvalFail {
		return ""
	}
	if step.Result == nil {
		return step.Action.Tool + ":fail"
	}
	if msg, ok := step.Result["error"]; ok {
		return fmt.Sprintf("%s:%v", step.Action.Tool, msg)
	}
	return step.Action.Tool + ":fail"
}

// checkNoNewEvidence fires when the episode's no-evidence streak
// (types.Counters.NoEvidenceStreak) reaches the budget's limit.
func checkNoNewEvidence(ep *types.Episode) watcherResult {
	if ep.Counters.NoEvidenceStreak >= ep.Budget.NoEvidenceLimit {
		return watcherResult{Name: "no_new_evidence", Fired: true, TargetPhase: types.PhaseDiagnose,
			Reason: fmt.Sprintf("%d consecutive steps without new evidence", ep.Counters.NoEvidenceStreak)}
	}
	return watcherResult{Name: "no_new_evidence"}
}

// checkDiffThrash fires when an artifact (the step's action input
// "file" hint) has been touched more than the budget allows; it
// freezes the artifact rather than forcing a phase transition.
func checkDiffThrash(ep *types.Episode, step *types.Step) watcherResult {
	artifact := artifactOf(step)
	if artifact == "" {
		return watcherResult{Name: "diff_thrash"}
	}
	count := ep.Counters.FileTouchCounts[artifact]
	if count > ep.Budget.MaxFileTouches {
		return watcherResult{Name: "diff_thrash", Fired: true, FreezeArtifact: artifact,
			Reason: fmt.Sprintf("%s touched %d times, exceeding max_file_touches=%d", artifact, count, ep.Budget.MaxFileTouches)}
	}
	return watcherResult{Name: "diff_thrash"}
}

func artifactOf(step *types.Step) string {
	if step.Action.Input == nil {
		return ""
	}
	if f, ok := step.Action.Input["file"]; ok {
		if s, ok := f.(string); ok {
			return s
		}
	}
	if f, ok := step.Action.Input["path"]; ok {
		if s, ok := f.(string); ok {
			return s
		}
	}
	return ""
}

// checkConfidenceStagnation fires when the last three confidence_after
// values move by less than 0.05 total.
func checkConfidenceStagnation(st *episodeState) watcherResult {
	n := len(st.recentConfidences)
	if n < 3 {
		return watcherResult{Name: "confidence_stagnation"}
	}
	last3 := st.recentConfidences[n-3:]
	delta := last3[2] - last3[0]
	if delta < 0 {
		delta = -delta
	}
	if delta < 0.05 {
		return watcherResult{Name: "confidence_stagnation", Fired: true, TargetPhase: types.PhasePlan,
			Reason: fmt.Sprintf("confidence moved only %.3f over 3 steps", delta)}
	}
	return watcherResult{Name: "confidence_stagnation"}
}

// checkBudgetHalfNoProgress fires when more than half the step budget
// is spent with no passing evaluation yet.
func checkBudgetHalfNoProgress(ep *types.Episode, anyEvalPass bool) watcherResult {
	if ep.Budget.MaxSteps <= 0 {
		return watcherResult{Name: "budget_half_no_progress"}
	}
	half := float64(ep.Budget.MaxSteps) / 2.0
	if float64(ep.Counters.StepCount) > half && !anyEvalPass {
		return watcherResult{Name: "budget_half_no_progress", Fired: true, TargetPhase: types.PhaseSimplify,
			Reason: "over half the step budget used with no passing evaluation"}
	}
	return watcherResult{Name: "budget_half_no_progress"}
}

// checkScopeCreep fires when the episode keeps cycling back to `plan`
// without an intervening passing evaluation (a proxy for "plan size
// grows without progress" since this core doesn't track plan-item
// counts directly — an Open Question decision, see DESIGN.md).
func checkScopeCreep(st *episodeState) watcherResult {
	const scopeCreepCycles = 3
	if st.planCyclesNoProgress >= scopeCreepCycles {
		return watcherResult{Name: "scope_creep", Fired: true, TargetPhase: types.PhasePlan,
			Reason: fmt.Sprintf("re-entered plan %d times with no passing evaluation between", st.planCyclesNoProgress)}
	}
	return watcherResult{Name: "scope_creep"}
}

// checkValidationGap fires when two or more execute steps pass
// without an intervening validate step.
func checkValidationGap(st *episodeState) watcherResult {
	if st.consecutiveExecNoValid >= 2 {
		return watcherResult{Name: "validation_gap", Fired: true, TargetPhase: types.PhaseValidate,
			Reason: fmt.Sprintf("%d execute steps without a validate step", st.consecutiveExecNoValid)}
	}
	return watcherResult{Name: "validation_gap"}
}
