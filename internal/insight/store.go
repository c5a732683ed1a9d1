// Package insight implements the durable insight store (spec §4.4): a
// keyed map of cognitive insights, persisted atomically to
// cognitive_insights.json, with Thompson-sampling-style Beta-Bernoulli
// reliability and category-specific exponential decay.
//
// The in-memory shape is adapted from
// internal/storage/memory.go's deep-copy-on-read, coarse-RWMutex
// discipline; the reliability math is adapted from
// internal/reinforcement/thompson.go's alpha/beta Bayesian update,
// specialized here to a deterministic point estimate rather than a
// sampled distribution (the insight store ranks, it does not explore).
package insight

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// Quality is the minimal bar a candidate must clear to be inserted
// fresh (as opposed to merely validating an existing insight).
type Quality interface {
	IsQuality() bool
}

// Candidate is what the quality gate / aggregator hand the store.
type Candidate struct {
	Category    types.InsightCategory
	Text        string
	Context     string
	TriggerTags []string
	Source      string
	Quality     bool
}

// Status reports what AddOrValidate did with a candidate.
type Status string

const (
	StatusInserted  Status = "inserted"
	StatusValidated Status = "validated"
	StatusRejected  Status = "rejected"
)

// Store is the insight store.
type Store struct {
	mu       sync.RWMutex
	insights map[string]*types.Insight
	path     string
	logger   *log.Logger
}

// New opens (or creates) an insight store snapshot at path (typically
// $HOME/.spark/cognitive_insights.json).
func New(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[insight] ", log.LstdFlags)
	}
	s := &Store{
		insights: make(map[string]*types.Insight),
		path:     path,
		logger:   logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insight: read snapshot: %w", err)
	}
	var snapshot map[string]*types.Insight
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.logger.Printf("[WARN] cognitive_insights.json corrupted, starting empty: %v", err)
		return nil
	}
	s.insights = snapshot
	return nil
}

// saveAtomic persists the full snapshot via temp-then-rename.
func (s *Store) saveAtomic() error {
	data, err := json.MarshalIndent(s.insights, "", "  ")
	if err != nil {
		return fmt.Errorf("insight: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("insight: create dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("insight: write temp: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// key computes the dedup key for a candidate: category + normalized
// text, so two equivalent insights under the same category collapse
// to one validated count instead of duplicating.
func key(category types.InsightCategory, text string) string {
	return fmt.Sprintf("%s::%s", category, normalizeText(text))
}

func normalizeText(s string) string {
	out := make([]rune, 0, len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if !prevSpace {
				out = append(out, ' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}

// AddOrValidate inserts candidate if absent and quality, or increments
// the validated counter and touches the timestamp if already present.
func (s *Store) AddOrValidate(c Candidate) (string, Status, error) {
	k := key(c.Category, c.Text)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.insights[k]; ok {
		existing.TimesValidated++
		existing.LastTouchedAt = now
		if err := s.saveAtomic(); err != nil {
			return k, StatusValidated, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("insight")
		}
		return k, StatusValidated, nil
	}

	if !c.Quality {
		return k, StatusRejected, nil
	}

	ins := &types.Insight{
		Key:            k,
		Category:       c.Category,
		Text:           c.Text,
		Context:        c.Context,
		BaseConfidence: 0.5,
		TimesValidated: 1,
		CreatedAt:      now,
		LastTouchedAt:  now,
		TriggerTags:    c.TriggerTags,
		Source:         c.Source,
	}
	s.insights[k] = ins
	if err := s.saveAtomic(); err != nil {
		return k, StatusInserted, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("insight")
	}
	return k, StatusInserted, nil
}

// Contradict increments the contradicted counter for key.
func (s *Store) Contradict(k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins, ok := s.insights[k]
	if !ok {
		return coreerr.New(coreerr.KindSchemaViolation, fmt.Sprintf("insight key not found: %s", k)).WithComponent("insight")
	}
	ins.TimesContradicted++
	ins.LastTouchedAt = time.Now()
	if err := s.saveAtomic(); err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("insight")
	}
	return nil
}

// Prune removes any insight whose age exceeds maxAgeDays or whose
// effective reliability has decayed below minEffective.
func (s *Store) Prune(now time.Time, maxAgeDays float64, minEffective float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ins := range s.insights {
		ageDays := now.Sub(ins.CreatedAt).Hours() / 24
		if ageDays > maxAgeDays || ins.EffectiveReliability(now) < minEffective {
			delete(s.insights, k)
			removed++
		}
	}
	if removed > 0 {
		if err := s.saveAtomic(); err != nil {
			return removed, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("insight")
		}
	}
	return removed, nil
}

// Get returns a deep-copy-free (read-only use expected) pointer to the
// insight for key, or nil if absent.
func (s *Store) Get(k string) *types.Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insights[k]
}

// Query returns insights matching any of the given trigger tags
// (or all insights if tags is empty), above the reliability floor,
// capped per category and then globally by limit. Final ranking is
// the Advisor's responsibility, not the store's (spec §4.4).
func (s *Store) Query(tags []string, reliabilityFloor float64, categoryCap int, limit int) []*types.Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	perCategory := make(map[types.InsightCategory]int)
	var matches []*types.Insight

	for _, ins := range s.sortedByReliability(now) {
		if ins.EffectiveReliability(now) < reliabilityFloor {
			continue
		}
		if len(tags) > 0 && !matchesAnyTag(ins.TriggerTags, tags) {
			continue
		}
		if categoryCap > 0 && perCategory[ins.Category] >= categoryCap {
			continue
		}
		matches = append(matches, ins)
		perCategory[ins.Category]++
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	return matches
}

func (s *Store) sortedByReliability(now time.Time) []*types.Insight {
	all := make([]*types.Insight, 0, len(s.insights))
	for _, ins := range s.insights {
		all = append(all, ins)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].EffectiveReliability(now) > all[j].EffectiveReliability(now)
	})
	return all
}

func matchesAnyTag(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if set[w] {
			return true
		}
	}
	return false
}

// RecordAdvice updates the followed/given counters used by
// Insight.IsCorrupted; the auto-tuner does not read them.
func (s *Store) RecordAdvice(k string, followed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins, ok := s.insights[k]
	if !ok {
		return coreerr.New(coreerr.KindSchemaViolation, fmt.Sprintf("insight key not found: %s", k)).WithComponent("insight")
	}
	ins.TotalAdviceGiven++
	if followed {
		ins.TotalFollowed++
	}
	if ins.IsCorrupted() {
		return coreerr.New(coreerr.KindIntegrityViolation,
			fmt.Sprintf("insight %s: total_followed (%d) exceeds total_advice_given (%d)", k, ins.TotalFollowed, ins.TotalAdviceGiven)).
			WithComponent("insight")
	}
	return s.saveAtomic()
}

// Len returns the number of insights currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.insights)
}
