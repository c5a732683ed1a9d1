package episode

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// DefaultStaleThreshold is spec §4.6's "inactive beyond a threshold,
// default 30 min" bound for auto-consolidation.
const DefaultStaleThreshold = 30 * time.Minute

// DefaultEscapeFireThreshold is spec §4.6's escape-protocol trigger:
// "≥2 distinct fires or the same fire twice".
const DefaultEscapeFireThreshold = 2

// Engine is the episode engine: one active Episode per session,
// watcher-gated step admission/completion, and stale-episode
// consolidation.
type Engine struct {
	store          *store
	logger         *log.Logger
	staleThreshold time.Duration

	mu             sync.Mutex
	active         map[string]*types.Episode // sessionID -> episode
	state          map[string]*episodeState  // episodeID -> watcher bookkeeping
	anyEvalPass    map[string]bool           // episodeID -> has seen a passing evaluation
	pendingPrompts map[string]pendingPrompt  // traceID -> queued user prompt
}

type pendingPrompt struct {
	text string
	at   time.Time
}

// New opens (or creates) the eidos sqlite store at dbPath and returns
// a ready Engine.
func New(dbPath string, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = defaultLogger
	}
	s, err := openStore(dbPath)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:          s,
		logger:         logger,
		staleThreshold: DefaultStaleThreshold,
		active:         make(map[string]*types.Episode),
		state:          make(map[string]*episodeState),
		anyEvalPass:    make(map[string]bool),
		pendingPrompts: make(map[string]pendingPrompt),
	}, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.store.close()
}

// StartEpisode returns the session's existing active episode, or
// starts a new one if none is active (spec §4.6: "one active episode
// per session").
func (e *Engine) StartEpisode(sessionID, goal string, budget types.Budget) (*types.Episode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ep, ok := e.active[sessionID]; ok {
		return ep, nil
	}

	ep := &types.Episode{
		ID:        types.NewID("episode"),
		SessionID: sessionID,
		Goal:      goal,
		Budget:    budget,
		Phase:     types.PhaseExplore,
		Outcome:   types.EpisodeInProgress,
		StartedAt: time.Now(),
	}
	if err := e.store.saveEpisode(ep); err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("episode")
	}
	e.active[sessionID] = ep
	e.state[ep.ID] = newEpisodeState()
	e.logger.Printf("[DEBUG] episode: started %s for session %s", ep.ID, sessionID)
	return ep, nil
}

// ActiveEpisode returns the session's active episode, if any.
func (e *Engine) ActiveEpisode(sessionID string) (*types.Episode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.active[sessionID]
	return ep, ok
}

// AdmitStep runs the pre-admission watchers — Memory-bypass, and the
// frozen-artifact check left behind by a prior Diff-thrash fire on
// this episode — and returns a WatcherBlock coreerr.CoreError if the
// step may not be admitted.
func (e *Engine) AdmitStep(ep *types.Episode, step *types.Step) error {
	result := checkMemoryBypass(step)
	if result.Fired && result.BlocksAdmission {
		return coreerr.New(coreerr.KindWatcherBlock, result.Reason).WithComponent("episode")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[ep.ID]; ok {
		if artifact := artifactOf(step); artifact != "" && st.frozenArtifacts[artifact] {
			return coreerr.New(coreerr.KindWatcherBlock,
				fmt.Sprintf("artifact %q is frozen by diff_thrash and may not be touched again this episode", artifact)).
				WithComponent("episode")
		}
	}
	return nil
}

// CompleteStep records a finished step against its episode, updates
// counters, evaluates the post-step watchers, and applies whichever
// phase transition (or escape-mode entry) they force. Returns the
// names of every watcher that fired.
func (e *Engine) CompleteStep(ep *types.Episode, step *types.Step) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.state[ep.ID]
	if !ok {
		st = newEpisodeState()
		e.state[ep.ID] = st
	}

	step.EpisodeID = ep.ID
	if step.CompletedAt.IsZero() {
		step.CompletedAt = time.Now()
	}

	e.updateCounters(ep, st, step)

	fires := e.runPostStepWatchers(ep, st, step)

	seq := ep.Counters.StepCount
	if err := e.store.saveStep(ep.ID, seq, step); err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("episode")
	}

	e.applyWatcherEffects(ep, st, fires)
	e.checkBudgetExhaustion(ep)

	if err := e.store.saveEpisode(ep); err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("episode")
	}

	names := make([]string, 0, len(fires))
	for _, f := range fires {
		if f.Fired {
			names = append(names, f.Name)
			step.WatcherFires = append(step.WatcherFires, f.Name)
		}
	}
	return names, nil
}

func (e *Engine) updateCounters(ep *types.Episode, st *episodeState, step *types.Step) {
	ep.Counters.StepCount++

	if step.ValidationEvidence == "" && !step.DeferredValidation {
		ep.Counters.NoEvidenceStreak++
	} else {
		ep.Counters.NoEvidenceStreak = 0
	}

	if artifact := artifactOf(step); artifact != "" {
		if ep.Counters.FileTouchCounts == nil {
			ep.Counters.FileTouchCounts = make(map[string]int)
		}
		ep.Counters.FileTouchCounts[artifact]++
	}

	if sig := errorSignature(step); sig != "" {
		if ep.Counters.ErrorCounts == nil {
			ep.Counters.ErrorCounts = make(map[string]int)
		}
		ep.Counters.ErrorCounts[sig]++
	}

	st.recentConfidences = append(st.recentConfidences, step.ConfidenceAfter)
	if len(st.recentConfidences) > 3 {
		st.recentConfidences = st.recentConfidences[len(st.recentConfidences)-3:]
	}

	if step.Evaluation == types.EvalPass {
		e.anyEvalPass[ep.ID] = true
	}

	switch step.Phase {
	case types.PhaseExecute:
		st.consecutiveExecNoValid++
	case types.PhaseValidate:
		st.consecutiveExecNoValid = 0
	}

	if step.Phase == types.PhasePlan && st.lastPhaseSeen == types.PhasePlan {
		if !e.anyEvalPass[ep.ID] {
			st.planCyclesNoProgress++
		}
	} else if step.Evaluation == types.EvalPass {
		st.planCyclesNoProgress = 0
	}
	st.lastPhaseSeen = step.Phase
}

func (e *Engine) runPostStepWatchers(ep *types.Episode, st *episodeState, step *types.Step) []watcherResult {
	return []watcherResult{
		checkRepeatError(st, step),
		checkNoNewEvidence(ep),
		checkDiffThrash(ep, step),
		checkConfidenceStagnation(st),
		checkBudgetHalfNoProgress(ep, e.anyEvalPass[ep.ID]),
		checkScopeCreep(st),
		checkValidationGap(st),
	}
}

// applyWatcherEffects forces whichever phase transition each fired,
// transition-bearing watcher names, freezes any artifact Diff-thrash
// names, and drives the escape protocol's repeated-fire counter.
// Watcher-forced transitions are exceptions to the §4.6 legal
// transition graph, not instances of it: the graph models the agent's
// own deliberate moves between phases; a watcher firing is the system
// overriding that deliberate flow (e.g. Repeat-error forcing
// execute->diagnose, which is not an edge in LegalTransitions), so
// these are applied unconditionally rather than gated by CanTransition.
func (e *Engine) applyWatcherEffects(ep *types.Episode, st *episodeState, fires []watcherResult) {
	transitionApplied := false
	for _, f := range fires {
		if !f.Fired {
			continue
		}
		if f.FreezeArtifact != "" {
			st.frozenArtifacts[f.FreezeArtifact] = true
		}
		// Only the highest-priority fired watcher (first in evaluation
		// order, matching the table in spec §4.6) gets to move the
		// phase when more than one fires on the same step.
		if !transitionApplied && f.TargetPhase != "" && f.TargetPhase != ep.Phase {
			ep.Phase = f.TargetPhase
			ep.WatcherFireHistory = append(ep.WatcherFireHistory, f.Name)
			transitionApplied = true
		}
		st.distinctFires[f.Name] = true
		st.totalFireCount++
	}

	if !ep.EscapeMode && (len(st.distinctFires) >= DefaultEscapeFireThreshold || st.totalFireCount >= DefaultEscapeFireThreshold) {
		ep.EscapeMode = true
		e.logger.Printf("[WARN] episode: %s entered escape mode after repeated watcher fires", ep.ID)
	}
}

// ExitEscapeMode clears escape mode once both new evidence and a
// revised hypothesis are present, per spec §4.6's exit condition.
func (e *Engine) ExitEscapeMode(ep *types.Episode, hasNewEvidence, hasRevisedHypothesis bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ep.EscapeMode {
		return true
	}
	if hasNewEvidence && hasRevisedHypothesis {
		ep.EscapeMode = false
		if st, ok := e.state[ep.ID]; ok {
			st.distinctFires = make(map[string]bool)
			st.totalFireCount = 0
		}
		_ = e.store.saveEpisode(ep)
		return true
	}
	return false
}

// IsActionAdmissibleInEscapeMode implements spec §4.6's "restricting
// admissible actions to read/search/test" while an episode is in
// escape mode.
func IsActionAdmissibleInEscapeMode(tool string) bool {
	switch tool {
	case "Read", "Grep", "Glob", "search", "test", "Bash-test":
		return true
	default:
		return false
	}
}

func (e *Engine) checkBudgetExhaustion(ep *types.Episode) {
	exhausted := ep.Counters.StepCount >= ep.Budget.MaxSteps
	for _, count := range ep.Counters.ErrorCounts {
		if count > ep.Budget.MaxRetriesPerError {
			exhausted = true
		}
	}
	if exhausted && ep.Outcome == types.EpisodeInProgress {
		ep.Phase = types.PhaseHalt
		if e.anyEvalPass[ep.ID] {
			ep.Outcome = types.EpisodePartial
		} else {
			ep.Outcome = types.EpisodeFailure
		}
		ep.EndedAt = time.Now()
		delete(e.active, ep.SessionID)
		e.logger.Printf("[WARN] episode: %s halted on budget exhaustion, outcome=%s", ep.ID, ep.Outcome)
	}
}

// ConsolidateStale auto-consolidates every active episode that has
// had no completed step for longer than the stale threshold: each is
// moved to the consolidate phase with a partial (if any evaluation
// passed) or failure outcome, saved, and removed from the active set.
// It does not run distillation over their steps.
func (e *Engine) ConsolidateStale(now time.Time) ([]*types.Episode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var consolidated []*types.Episode
	for sessionID, ep := range e.active {
		lastActivity := ep.StartedAt
		if steps, err := e.store.loadSteps(ep.ID); err == nil && len(steps) > 0 {
			lastActivity = steps[len(steps)-1].CompletedAt
		}
		if now.Sub(lastActivity) < e.staleThreshold {
			continue
		}
		ep.Phase = types.PhaseConsolidate
		if e.anyEvalPass[ep.ID] {
			ep.Outcome = types.EpisodePartial
		} else {
			ep.Outcome = types.EpisodeFailure
		}
		ep.EndedAt = now
		if err := e.store.saveEpisode(ep); err != nil {
			return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("episode")
		}
		delete(e.active, sessionID)
		consolidated = append(consolidated, ep)
		e.logger.Printf("[DEBUG] episode: auto-consolidated stale episode %s", ep.ID)
	}
	return consolidated, nil
}

// TrackUserPrompt implements aggregator.StepTrackerSink: it queues a
// raw user-prompt text under its trace id so a subsequent Step's
// pre-action contract can reference it as the originating intent.
func (e *Engine) TrackUserPrompt(text, traceID string) {
	if traceID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingPrompts[traceID] = pendingPrompt{text: text, at: time.Now()}
}

// PendingPrompt returns (and leaves queued) the prompt text tracked
// under traceID, if any.
func (e *Engine) PendingPrompt(traceID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pendingPrompts[traceID]
	if !ok {
		return "", false
	}
	return p.text, true
}

// PrunePendingPrompts drops queued prompts older than maxAge.
func (e *Engine) PrunePendingPrompts(now time.Time, maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for k, p := range e.pendingPrompts {
		if now.Sub(p.at) > maxAge {
			delete(e.pendingPrompts, k)
			removed++
		}
	}
	return removed
}
