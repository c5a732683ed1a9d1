package autotuner

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/config"
)

func TestRecommendLowersMinRankScoreOnLowActionRate(t *testing.T) {
	cfg := config.Default()
	m := Measurements{AdviceActionRate: 0.1}
	recs := Recommend(m, cfg)
	require.NotEmpty(t, recs)
	var rank *Recommendation
	for i := range recs {
		if recs[i].Field == "min_rank_score" {
			rank = &recs[i]
		}
	}
	require.NotNil(t, rank)
	require.Less(t, rank.After, rank.Before)
}

func TestRecommendCapsAtThreeChanges(t *testing.T) {
	cfg := config.Default()
	cfg.Tuneables.SourceBoosts = map[string]float64{"a": 0.0, "b": 0.0, "c": 0.0, "d": 0.0}
	m := Measurements{
		AdviceActionRate:     0.1,
		DistillationRate:     0.01,
		PromotionThroughputDay: 0.1,
		FeedbackLoopClosure:  0.1,
		PerSourceHelpfulRate: map[string]float64{"a": 0.1, "b": 0.1, "c": 0.1, "d": 0.1},
	}
	recs := Recommend(m, cfg)
	require.LessOrEqual(t, len(recs), maxChangesPerCycle)
}

func TestProposeCapsChangeFraction(t *testing.T) {
	r := propose("min_rank_score", 0.5, 10.0, "test")
	require.InDelta(t, 0.5*1.30, r.After, 1e-9)
}

func TestApplySuggestModeDoesNotMutate(t *testing.T) {
	dir := t.TempDir()
	tuner := New(dir)
	cfg := config.Default()
	before := cfg.Tuneables.MinRankScore

	recs := []Recommendation{{Field: "min_rank_score", Before: before, After: before * 0.5}}
	applied, err := tuner.Apply(cfg, recs, ModeSuggest)
	require.NoError(t, err)
	require.False(t, applied[0].Applied)
	require.Equal(t, before, cfg.Tuneables.MinRankScore)
}

func TestApplyConservativeModeScalesChange(t *testing.T) {
	dir := t.TempDir()
	tuner := New(dir)
	cfg := config.Default()
	before := cfg.Tuneables.MinRankScore

	recs := []Recommendation{{Field: "min_rank_score", Before: before, After: before * 0.5}}
	applied, err := tuner.Apply(cfg, recs, ModeConservative)
	require.NoError(t, err)
	require.True(t, applied[0].Applied)
	expected := before + (before*0.5-before)*0.25
	require.InDelta(t, expected, cfg.Tuneables.MinRankScore, 1e-9)
}

func TestApplyAggressiveModeAppliesFullDelta(t *testing.T) {
	dir := t.TempDir()
	tuner := New(dir)
	cfg := config.Default()
	before := cfg.Tuneables.MinRankScore

	recs := []Recommendation{{Field: "min_rank_score", Before: before, After: before * 0.5}}
	_, err := tuner.Apply(cfg, recs, ModeAggressive)
	require.NoError(t, err)
	require.InDelta(t, before*0.5, cfg.Tuneables.MinRankScore, 1e-9)
}

func TestSnapshotHistoryKeepsLastFive(t *testing.T) {
	dir := t.TempDir()
	tuner := New(dir)
	cfg := config.Default()

	for i := 0; i < 7; i++ {
		require.NoError(t, tuner.snapshot(cfg))
	}
	entries, err := filepathGlob(filepath.Join(dir, "tuneable_history", "*"))
	require.NoError(t, err)
	require.LessOrEqual(t, len(entries), maxSnapshots)
}

func filepathGlob(pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}

func TestRevertRestoresPreviousTuneables(t *testing.T) {
	dir := t.TempDir()
	tuner := New(dir)
	cfg := config.Default()
	original := cfg.Tuneables.MinRankScore

	require.NoError(t, tuner.snapshot(cfg))
	cfg.Tuneables.MinRankScore = 0.01

	require.NoError(t, tuner.Revert(cfg))
	require.InDelta(t, original, cfg.Tuneables.MinRankScore, 1e-9)
}

func TestDegradedDetectsDropOverTenPercent(t *testing.T) {
	before := Measurements{AdviceActionRate: 0.5, FeedbackLoopClosure: 0.5}
	after := Measurements{AdviceActionRate: 0.4, FeedbackLoopClosure: 0.5}
	require.True(t, Degraded(before, after))
}

func TestDegradedFalseWithinTolerance(t *testing.T) {
	before := Measurements{AdviceActionRate: 0.5, FeedbackLoopClosure: 0.5}
	after := Measurements{AdviceActionRate: 0.48, FeedbackLoopClosure: 0.49}
	require.False(t, Degraded(before, after))
}
