package advisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// sourceCounters is the per-source effectiveness state persisted to
// advisor/effectiveness.json (spec §6), atomic-replace only.
type sourceCounters struct {
	AdviceGiven int `json:"advice_given"`
	Followed    int `json:"followed"`
	Helpful     int `json:"helpful"`
}

// rate returns the helpful rate used as the "outcome" signal in the
// fusion score (spec §4.8 step 3). A source with no observations
// defaults to a neutral 0.5 so new sources aren't penalized.
func (c sourceCounters) rate() float64 {
	if c.AdviceGiven == 0 {
		return 0.5
	}
	return float64(c.Helpful) / float64(c.AdviceGiven)
}

// EffectivenessTracker is the durable per-source counter set the
// fusion score's outcome term and the auto-tuner's per-source
// helpful-rate measurement both read.
type EffectivenessTracker struct {
	mu       sync.RWMutex
	path     string
	counters map[types.AdviceSource]sourceCounters
}

// OpenEffectivenessTracker loads (or creates) the tracker at path.
func OpenEffectivenessTracker(path string) (*EffectivenessTracker, error) {
	t := &EffectivenessTracker{
		path:     path,
		counters: make(map[types.AdviceSource]sourceCounters),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("advisor")
	}
	if err := json.Unmarshal(data, &t.counters); err != nil {
		// Corrupted snapshot: start empty rather than fail the advisor.
		t.counters = make(map[types.AdviceSource]sourceCounters)
	}
	return t, nil
}

func (t *EffectivenessTracker) saveAtomic() error {
	data, err := json.MarshalIndent(t.counters, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

// Rate returns the current helpful rate for source.
func (t *EffectivenessTracker) Rate(source types.AdviceSource) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counters[source].rate()
}

// RecordGiven increments advice_given for every source represented in
// advice.
func (t *EffectivenessTracker) RecordGiven(advice []types.Advice) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range advice {
		c := t.counters[a.Source]
		c.AdviceGiven++
		t.counters[a.Source] = c
	}
	return t.saveAtomic()
}

// RecordOutcome increments followed/helpful for source.
func (t *EffectivenessTracker) RecordOutcome(source types.AdviceSource, followed, helpful bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters[source]
	if followed {
		c.Followed++
	}
	if helpful {
		c.Helpful++
	}
	t.counters[source] = c
	return t.saveAtomic()
}

// Snapshot returns a copy of the counters for a given source, used by
// the auto-tuner's measurements and by integrity-repair recomputation.
func (t *EffectivenessTracker) Snapshot(source types.AdviceSource) (given, followed, helpful int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.counters[source]
	return c.AdviceGiven, c.Followed, c.Helpful
}

// Reset overwrites the counters for source (used by integrity repair
// when total_followed is found to exceed total_advice_given).
func (t *EffectivenessTracker) Reset(source types.AdviceSource, given, followed, helpful int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[source] = sourceCounters{AdviceGiven: given, Followed: followed, Helpful: helpful}
	return t.saveAtomic()
}
