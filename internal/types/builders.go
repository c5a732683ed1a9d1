package types

import "time"

// StepBuilder provides a fluent API for constructing a Step that
// satisfies the pre-action contract in spec §4.6: Build requires
// intent, hypothesis, prediction, stop_condition, and a memory
// assertion. confidence_before is not checked; a zero value is
// accepted.
type StepBuilder struct {
	step *Step
}

// NewStep creates a new StepBuilder with sensible defaults.
func NewStep(episodeID string, phase Phase) *StepBuilder {
	return &StepBuilder{
		step: &Step{
			EpisodeID: episodeID,
			Phase:     phase,
			CreatedAt: time.Now(),
		},
	}
}

func (b *StepBuilder) Intent(intent string) *StepBuilder {
	b.step.Intent = intent
	return b
}

func (b *StepBuilder) Hypothesis(hypothesis string) *StepBuilder {
	b.step.Hypothesis = hypothesis
	return b
}

func (b *StepBuilder) Prediction(prediction string) *StepBuilder {
	b.step.Prediction = prediction
	return b
}

func (b *StepBuilder) ConfidenceBefore(confidence float64) *StepBuilder {
	b.step.ConfidenceBefore = confidence
	return b
}

func (b *StepBuilder) StopCondition(condition string) *StepBuilder {
	b.step.StopCondition = condition
	return b
}

func (b *StepBuilder) Action(tool string, input Metadata) *StepBuilder {
	b.step.Action = Action{Tool: tool, Input: input}
	return b
}

// CitesMemory records that this step was informed by a prior insight
// or distillation.
func (b *StepBuilder) CitesMemory(key string) *StepBuilder {
	b.step.Memory = MemoryCitation{Cited: key}
	b.step.MemoryCited = true
	return b
}

// MemoryAbsent records the explicit declaration required when no
// memory informed this step (spec §4.6 "memory-bypass" watcher).
func (b *StepBuilder) MemoryAbsent(reason string) *StepBuilder {
	b.step.Memory = MemoryCitation{MemoryAbsent: true, AbsentReason: reason}
	return b
}

func (b *StepBuilder) TraceID(id string) *StepBuilder {
	b.step.TraceID = id
	return b
}

// Build validates the pre-action contract and returns the Step.
func (b *StepBuilder) Build() (*Step, error) {
	s := b.step
	if s.Intent == "" || s.Hypothesis == "" || s.Prediction == "" || s.StopCondition == "" {
		return nil, ErrIncompleteContract
	}
	if s.Memory.Cited == "" && !s.Memory.MemoryAbsent {
		return nil, ErrMissingMemoryAssertion
	}
	if s.ID == "" {
		s.ID = NewID("step")
	}
	return s, nil
}
