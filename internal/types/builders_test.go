package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepBuilderMissingIntentFails(t *testing.T) {
	_, err := NewStep("ep-1", PhasePlan).
		Hypothesis("h").
		Prediction("p").
		StopCondition("s").
		MemoryAbsent("none yet").
		Build()
	require.ErrorIs(t, err, ErrIncompleteContract)
}

func TestStepBuilderMissingHypothesisFails(t *testing.T) {
	_, err := NewStep("ep-1", PhasePlan).
		Intent("i").
		Prediction("p").
		StopCondition("s").
		MemoryAbsent("none yet").
		Build()
	require.ErrorIs(t, err, ErrIncompleteContract)
}

func TestStepBuilderSetsTraceIDAndConfidence(t *testing.T) {
	step, err := NewStep("ep-1", PhaseExplore).
		Intent("survey the codebase").
		Hypothesis("the bug is in the parser").
		Prediction("parser tests will reveal it").
		ConfidenceBefore(0.4).
		StopCondition("abandon after two failed attempts").
		CitesMemory("insight-42").
		TraceID("trace-abc").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "trace-abc", step.TraceID)
	assert.Equal(t, 0.4, step.ConfidenceBefore)
	assert.Equal(t, "insight-42", step.Memory.Cited)
}

func TestStepBuilderCitesMemoryAndAbsentAreMutuallyExclusiveInPractice(t *testing.T) {
	step, err := NewStep("ep-2", PhaseExecute).
		Intent("i").
		Hypothesis("h").
		Prediction("p").
		StopCondition("s").
		CitesMemory("insight-1").
		MemoryAbsent("overwritten by a later absent call"). // last call wins
		Build()
	require.NoError(t, err)
	assert.True(t, step.Memory.MemoryAbsent)
	assert.Empty(t, step.Memory.Cited, "the later MemoryAbsent call replaces the citation")
	assert.True(t, step.MemoryCited, "MemoryCited is a separate flag only CitesMemory sets, and a later MemoryAbsent call does not clear it")
}

func TestStepBuilderActionCarriesInput(t *testing.T) {
	step, err := NewStep("ep-3", PhaseExecute).
		Intent("i").
		Hypothesis("h").
		Prediction("p").
		StopCondition("s").
		MemoryAbsent("none").
		Action("Bash", Metadata{"command": "go test ./..."}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "Bash", step.Action.Tool)
	assert.Equal(t, "go test ./...", step.Action.Input["command"])
}

func TestStepBuilderEachBuildMintsDistinctID(t *testing.T) {
	b := func() *StepBuilder {
		return NewStep("ep-4", PhaseExecute).
			Intent("i").
			Hypothesis("h").
			Prediction("p").
			StopCondition("s").
			MemoryAbsent("none")
	}
	s1, err := b().Build()
	require.NoError(t, err)
	s2, err := b().Build()
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
}
