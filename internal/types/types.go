// Package types defines the core data structures for the spark core
// learning engine.
//
// This package contains every type shared across the event queue,
// insight store, episode engine, distillation engine and advisor:
// events captured at the edge, durable insights, episodes/steps
// (the "EIDOS" model), typed distillations, and ephemeral advice.
// Tool-specific payloads keep an opaque key/value map (Metadata);
// everything else the pipeline depends on is a concrete field.
package types

import (
	"math"
	"time"
)

// Metadata is an opaque key/value payload for tool-specific data that
// the core does not need to reason about structurally.
type Metadata map[string]interface{}

// EventKind enumerates the events the host assistant can emit.
type EventKind string

const (
	EventSessionStart    EventKind = "session_start"
	EventUserPrompt      EventKind = "user_prompt"
	EventPreTool         EventKind = "pre_tool"
	EventPostTool        EventKind = "post_tool"
	EventPostToolFailure EventKind = "post_tool_failure"
	EventSessionEnd      EventKind = "session_end"
)

// OutcomeStatus describes the result of a post_tool event.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomePartial OutcomeStatus = "partial"
	OutcomeUnknown OutcomeStatus = "unknown"
)

// Event is an immutable record produced at the edge of the system.
// Once enqueued its content is never rewritten (see internal/queue).
type Event struct {
	ID            string        `json:"id"`
	SchemaVersion int           `json:"schema_version"`
	Timestamp     time.Time     `json:"timestamp"`
	Kind          EventKind     `json:"kind"`
	SessionID     string        `json:"session_id"`
	TraceID       string        `json:"trace_id,omitempty"`
	ToolName      string        `json:"tool_name,omitempty"`
	ToolInput     Metadata      `json:"tool_input,omitempty"`
	ToolResult    Metadata      `json:"tool_result,omitempty"`
	Outcome       OutcomeStatus `json:"outcome,omitempty"`
	Text          string        `json:"text,omitempty"`
}

// InsightCategory classifies a durable cognitive insight.
type InsightCategory string

const (
	CategorySelfAwareness     InsightCategory = "self_awareness"
	CategoryUserUnderstanding InsightCategory = "user_understanding"
	CategoryReasoning         InsightCategory = "reasoning"
	CategoryContext           InsightCategory = "context"
	CategoryWisdom            InsightCategory = "wisdom"
	CategoryMetaLearning      InsightCategory = "meta_learning"
	CategoryCommunication     InsightCategory = "communication"
	CategoryCreativity        InsightCategory = "creativity"
)

// CategoryHalfLifeDays is the decay half-life, in days, used by the
// insight store's effective-reliability formula (spec §4.4).
var CategoryHalfLifeDays = map[InsightCategory]float64{
	CategoryWisdom:            180,
	CategoryMetaLearning:      120,
	CategoryUserUnderstanding: 90,
	CategoryCommunication:     90,
	CategorySelfAwareness:     60,
	CategoryReasoning:         60,
	CategoryCreativity:        60,
	CategoryContext:           45,
}

// Insight is a durable learning extracted from the event stream.
type Insight struct {
	Key               string          `json:"key"`
	Category          InsightCategory `json:"category"`
	Text              string          `json:"text"`
	Context           string          `json:"context,omitempty"`
	BaseConfidence    float64         `json:"base_confidence"`
	TimesValidated    int             `json:"times_validated"`
	TimesContradicted int             `json:"times_contradicted"`
	CreatedAt         time.Time       `json:"created_at"`
	LastTouchedAt     time.Time       `json:"last_touched_at"`
	Promoted          bool            `json:"promoted"`
	TriggerTags       []string        `json:"trigger_tags,omitempty"`
	Embedding         []float32       `json:"embedding,omitempty"`
	Source            string          `json:"source,omitempty"`

	// TotalAdviceGiven/TotalFollowed track the invariant in spec §3:
	// total_followed <= total_advice_given at all times.
	TotalAdviceGiven int `json:"total_advice_given"`
	TotalFollowed    int `json:"total_followed"`
}

// Reliability implements spec §4.4's reliability formula:
//
//	reliability = (alpha + validated) / (alpha + validated + beta*contradicted)
//
// with alpha=1, beta=2. This mirrors the Beta-Bernoulli update used by
// internal/reinforcement's Thompson sampler, specialized to a point
// estimate rather than a sampled distribution.
func (i *Insight) Reliability() float64 {
	const alpha, beta = 1.0, 2.0
	numerator := alpha + float64(i.TimesValidated)
	denominator := alpha + float64(i.TimesValidated) + beta*float64(i.TimesContradicted)
	if denominator <= 0 {
		return 0
	}
	return numerator / denominator
}

// EffectiveReliability applies category-specific exponential decay by
// age on top of Reliability. It is always recomputed, never persisted
// as authoritative (spec §3).
func (i *Insight) EffectiveReliability(now time.Time) float64 {
	halfLife, ok := CategoryHalfLifeDays[i.Category]
	if !ok || halfLife <= 0 {
		halfLife = 60
	}
	ageDays := now.Sub(i.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Pow(2, -ageDays/halfLife)
	return i.Reliability() * decay
}

// IsCorrupted reports the integrity invariant violation from spec §3:
// total_followed must never exceed total_advice_given.
func (i *Insight) IsCorrupted() bool {
	return i.TotalFollowed > i.TotalAdviceGiven
}

// Phase is a step in the §4.6 episode phase state machine.
type Phase string

const (
	PhaseExplore     Phase = "explore"
	PhasePlan        Phase = "plan"
	PhaseExecute     Phase = "execute"
	PhaseValidate    Phase = "validate"
	PhaseConsolidate Phase = "consolidate"
	PhaseDiagnose    Phase = "diagnose"
	PhaseSimplify    Phase = "simplify"
	PhaseEscalate    Phase = "escalate"
	PhaseHalt        Phase = "halt"
)

// LegalTransitions encodes the phase graph from spec §4.6.
var LegalTransitions = map[Phase][]Phase{
	PhaseExplore:     {PhasePlan, PhaseEscalate, PhaseHalt},
	PhasePlan:        {PhaseExecute, PhaseEscalate, PhaseHalt},
	PhaseExecute:     {PhaseValidate, PhaseEscalate, PhaseHalt},
	PhaseValidate:    {PhaseExecute, PhaseConsolidate, PhaseDiagnose, PhaseEscalate, PhaseHalt},
	PhaseConsolidate: {PhaseHalt},
	PhaseDiagnose:    {PhaseSimplify, PhaseExecute, PhasePlan, PhaseEscalate, PhaseHalt},
	PhaseSimplify:    {PhaseExecute, PhaseEscalate, PhaseHalt},
}

// CanTransition reports whether from->to is a legal phase transition.
func CanTransition(from, to Phase) bool {
	if from == to {
		return false
	}
	for _, candidate := range LegalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Evaluation is the outcome judgement recorded on a completed Step.
type Evaluation string

const (
	EvalPass    Evaluation = "pass"
	EvalFail    Evaluation = "fail"
	EvalPartial Evaluation = "partial"
	EvalUnknown Evaluation = "unknown"
)

// Action is the tool call wrapped by a Step.
type Action struct {
	Tool  string   `json:"tool"`
	Input Metadata `json:"input,omitempty"`
}

// MemoryCitation records the pre-action contract's memory assertion:
// either a cited insight/distillation, or an explicit memory_absent
// declaration (spec §4.6).
type MemoryCitation struct {
	Cited        string `json:"cited,omitempty"` // insight key or distillation id
	MemoryAbsent bool   `json:"memory_absent,omitempty"`
	AbsentReason string `json:"absent_reason,omitempty"`
}

// Step is one admissible action inside an Episode.
type Step struct {
	ID        string `json:"id"`
	EpisodeID string `json:"episode_id"`
	Phase     Phase  `json:"phase"`
	TraceID   string `json:"trace_id,omitempty"`

	// Pre-action contract
	ConfidenceBefore float64        `json:"confidence_before"`
	Intent           string         `json:"intent"`
	Hypothesis       string         `json:"hypothesis"`
	Prediction       string         `json:"prediction"`
	StopCondition    string         `json:"stop_condition"`
	Memory           MemoryCitation `json:"memory"`
	Action           Action         `json:"action"`

	// Post-action contract
	Result             Metadata      `json:"result,omitempty"`
	Evaluation         Evaluation    `json:"evaluation,omitempty"`
	ValidationEvidence string        `json:"validation_evidence,omitempty"`
	DeferredValidation bool          `json:"deferred_validation,omitempty"`
	DeferredMaxWait    time.Duration `json:"deferred_max_wait,omitempty"`
	ConfidenceAfter    float64       `json:"confidence_after"`
	Lesson             []string      `json:"lesson,omitempty"`
	MemoryCited        bool          `json:"memory_cited"`

	WatcherFires []string  `json:"watcher_fires,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// ModifiesState reports whether the step's action mutates state, which
// triggers the validation-evidence invariant in spec §3.
func (s *Step) ModifiesState() bool {
	switch s.Action.Tool {
	case "Read", "Grep", "Glob", "ls", "search":
		return false
	default:
		return true
	}
}

// HasValidation reports whether the step satisfies its invariant: a
// state-modifying step needs either validation evidence or an explicit
// deferred-validation record.
func (s *Step) HasValidation() bool {
	if !s.ModifiesState() {
		return true
	}
	return s.ValidationEvidence != "" || s.DeferredValidation
}

// EpisodeOutcome is the terminal classification of an Episode.
type EpisodeOutcome string

const (
	EpisodeSuccess    EpisodeOutcome = "success"
	EpisodeFailure    EpisodeOutcome = "failure"
	EpisodePartial    EpisodeOutcome = "partial"
	EpisodeEscalated  EpisodeOutcome = "escalated"
	EpisodeInProgress EpisodeOutcome = "in_progress"
)

// Budget bounds an Episode's resource consumption (spec §3, §4.6).
type Budget struct {
	MaxSteps           int `json:"max_steps"`
	MaxTimeSeconds     int `json:"max_time_seconds"`
	MaxRetriesPerError int `json:"max_retries_per_error"`
	MaxFileTouches     int `json:"max_file_touches"`
	NoEvidenceLimit    int `json:"no_evidence_limit"`
}

// DefaultBudget returns the defaults named in spec §3.
func DefaultBudget() Budget {
	return Budget{
		MaxSteps:           40,
		MaxTimeSeconds:     3600,
		MaxRetriesPerError: 2,
		MaxFileTouches:     3,
		NoEvidenceLimit:    4,
	}
}

// Counters tracks an Episode's monotonic resource consumption.
type Counters struct {
	StepCount        int            `json:"step_count"`
	NoEvidenceStreak int            `json:"no_evidence_streak"`
	FileTouchCounts  map[string]int `json:"file_touch_counts,omitempty"`
	ErrorCounts      map[string]int `json:"error_counts,omitempty"`
}

// Episode is a bounded run toward a goal (the "EIDOS" unit of work).
type Episode struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"session_id"`
	Goal               string         `json:"goal"`
	Budget             Budget         `json:"budget"`
	Counters           Counters       `json:"counters"`
	Phase              Phase          `json:"phase"`
	Outcome            EpisodeOutcome `json:"outcome"`
	StartedAt          time.Time      `json:"started_at"`
	EndedAt            time.Time      `json:"ended_at,omitempty"`
	TraceID            string         `json:"trace_id,omitempty"`
	WatcherFireHistory []string       `json:"watcher_fire_history,omitempty"`
	EscapeMode         bool           `json:"escape_mode,omitempty"`
}

// DistillationType enumerates the typed rules spec §3/§4.7 define.
type DistillationType string

const (
	DistillHeuristic   DistillationType = "heuristic"
	DistillSharpEdge   DistillationType = "sharp_edge"
	DistillAntiPattern DistillationType = "anti_pattern"
	DistillPlaybook    DistillationType = "playbook"
	DistillPolicy      DistillationType = "policy"
)

// DistillationScope bounds where a distillation applies.
type DistillationScope string

const (
	ScopeGlobal  DistillationScope = "global"
	ScopeProject DistillationScope = "project"
	ScopeSession DistillationScope = "session"
)

// Distillation is a durable typed rule derived from one or more
// completed steps.
type Distillation struct {
	ID                  string            `json:"id"`
	Type                DistillationType  `json:"type"`
	Statement           string            `json:"statement"`
	TriggerKeywords     []string          `json:"trigger_keywords"`
	Confidence          float64           `json:"confidence"`
	ValidationCount     int               `json:"validation_count"`
	ContradictionCount  int               `json:"contradiction_count"`
	TimesRetrieved      int               `json:"times_retrieved"`
	TimesUsed           int               `json:"times_used"`
	TimesHelped         int               `json:"times_helped"`
	SourceStepIDs       []string          `json:"source_step_ids"`
	Scope               DistillationScope `json:"scope"`
	CreatedAt           time.Time         `json:"created_at"`
	NextRevalidateAt    time.Time         `json:"next_revalidate_at"`
}

// AdviceSource enumerates where a piece of advice originated.
type AdviceSource string

const (
	SourceCognitive    AdviceSource = "cognitive"
	SourceDistillation AdviceSource = "distillation"
	SourceInsightBank  AdviceSource = "insight-bank"
	SourceTrigger      AdviceSource = "trigger"
	SourcePromoted     AdviceSource = "promoted"
	SourceExternal     AdviceSource = "external"
)

// Priority is the trigger-rule priority tier (spec §6).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

// Advice is an ephemeral, ranked recommendation produced per advisor
// call.
type Advice struct {
	ID             string       `json:"id"`
	Tool           string       `json:"tool"`
	InputHints     Metadata     `json:"input_hints,omitempty"`
	ContextHash    string       `json:"context_hash"`
	Source         AdviceSource `json:"source"`
	InsightKey     string       `json:"insight_key,omitempty"`
	DistillationID string       `json:"distillation_id,omitempty"`
	Text           string       `json:"text"`
	Reliability    float64      `json:"reliability"`
	FusionScore    float64      `json:"fusion_score"`
	PriorityBonus  float64      `json:"priority_bonus"`
	Why            string       `json:"why"`
	Priority       Priority     `json:"priority,omitempty"`
	Interrupt      bool         `json:"interrupt,omitempty"`
	ProducedAt     time.Time    `json:"produced_at"`
	SessionID      string       `json:"session_id"`
}

// OutcomeRecord correlates advice with an observed post-action outcome.
type OutcomeRecord struct {
	AdviceID  string    `json:"advice_id"`
	Followed  bool      `json:"followed"`
	Helpful   *bool     `json:"helpful,omitempty"` // nil = unknown
	Tool      string    `json:"tool"`
	SessionID string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
}
