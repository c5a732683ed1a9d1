package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsightReliability(t *testing.T) {
	tests := []struct {
		name        string
		validated   int
		contradicted int
		want        float64
	}{
		{"fresh insight", 0, 0, 1.0 / 3.0},
		{"validated twice", 2, 0, 3.0 / 3.0},
		{"one contradiction", 0, 1, 1.0 / 3.0},
		{"validated and contradicted", 2, 1, 3.0 / 5.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := &Insight{TimesValidated: tt.validated, TimesContradicted: tt.contradicted}
			assert.InDelta(t, tt.want, ins.Reliability(), 1e-9)
		})
	}
}

func TestInsightEffectiveReliabilityDecaysWithAge(t *testing.T) {
	now := time.Now()
	ins := &Insight{
		Category:       CategoryWisdom,
		TimesValidated: 3,
		CreatedAt:      now.Add(-180 * 24 * time.Hour), // exactly one half-life
	}
	effective := ins.EffectiveReliability(now)
	fresh := (&Insight{Category: CategoryWisdom, TimesValidated: 3, CreatedAt: now}).EffectiveReliability(now)

	assert.InDelta(t, fresh/2, effective, 1e-6, "one half-life should halve effective reliability")
}

func TestInsightEffectiveReliabilityMonotonicInAge(t *testing.T) {
	now := time.Now()
	younger := (&Insight{Category: CategoryReasoning, TimesValidated: 1, CreatedAt: now.Add(-10 * 24 * time.Hour)}).EffectiveReliability(now)
	older := (&Insight{Category: CategoryReasoning, TimesValidated: 1, CreatedAt: now.Add(-50 * 24 * time.Hour)}).EffectiveReliability(now)
	assert.Greater(t, younger, older)
}

func TestInsightIsCorrupted(t *testing.T) {
	ok := &Insight{TotalAdviceGiven: 5, TotalFollowed: 5}
	bad := &Insight{TotalAdviceGiven: 2, TotalFollowed: 3}
	assert.False(t, ok.IsCorrupted())
	assert.True(t, bad.IsCorrupted())
}

func TestCanTransitionLegalGraph(t *testing.T) {
	assert.True(t, CanTransition(PhaseExplore, PhasePlan))
	assert.True(t, CanTransition(PhaseValidate, PhaseDiagnose))
	assert.True(t, CanTransition(PhaseConsolidate, PhaseHalt))
	assert.False(t, CanTransition(PhaseConsolidate, PhaseExecute))
	assert.False(t, CanTransition(PhaseExplore, PhaseExplore))
	assert.False(t, CanTransition(PhaseHalt, PhaseExplore))
}

func TestStepModifiesStateAndValidation(t *testing.T) {
	readStep := &Step{Action: Action{Tool: "Read"}}
	assert.False(t, readStep.ModifiesState())
	assert.True(t, readStep.HasValidation(), "read-only steps never need validation evidence")

	editStep := &Step{Action: Action{Tool: "Edit"}}
	assert.True(t, editStep.ModifiesState())
	assert.False(t, editStep.HasValidation())

	editStep.ValidationEvidence = "tests passed"
	assert.True(t, editStep.HasValidation())

	deferred := &Step{Action: Action{Tool: "Edit"}, DeferredValidation: true}
	assert.True(t, deferred.HasValidation())
}

func TestStepBuilderRequiresPreActionContract(t *testing.T) {
	_, err := NewStep("ep-1", PhaseExecute).Intent("fix bug").Build()
	require.Error(t, err, "missing hypothesis/prediction/stop_condition should fail")

	step, err := NewStep("ep-1", PhaseExecute).
		Intent("fix bug").
		Hypothesis("the off-by-one is in the loop bound").
		Prediction("tests will pass after the fix").
		StopCondition("abort if three attempts fail").
		CitesMemory("insight-key-1").
		Action("Edit", Metadata{"file": "main.go"}).
		Build()
	require.NoError(t, err)
	assert.NotEmpty(t, step.ID)
	assert.True(t, step.MemoryCited)
}

func TestStepBuilderRequiresMemoryAssertion(t *testing.T) {
	_, err := NewStep("ep-1", PhaseExecute).
		Intent("fix bug").
		Hypothesis("h").
		Prediction("p").
		StopCondition("s").
		Build()
	require.ErrorIs(t, err, ErrMissingMemoryAssertion)

	step, err := NewStep("ep-1", PhaseExecute).
		Intent("fix bug").
		Hypothesis("h").
		Prediction("p").
		StopCondition("s").
		MemoryAbsent("no relevant insight exists yet").
		Build()
	require.NoError(t, err)
	assert.False(t, step.MemoryCited)
}

func TestNewIDIsUniqueAndPrefixed(t *testing.T) {
	a := NewID("event")
	b := NewID("event")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "event-")
}

func TestInternToolNameReturnsCanonicalInstance(t *testing.T) {
	a := InternToolName("Bash")
	b := InternToolName("Bash")
	assert.Equal(t, a, b)
}
