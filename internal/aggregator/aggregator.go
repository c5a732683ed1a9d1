package aggregator

import (
	"log"
	"sync"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// Config carries spec §4.5's tunables.
type Config struct {
	DedupTTL            time.Duration // default 10 min
	ConfidenceThreshold float64       // default 0.55
	DistillEveryN       int           // default 15
	CorroborationBoost  float64       // default 0.15
	RecentWindowSize    int           // how many recent events feed the repetition detector
}

// DefaultConfig returns spec §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		DedupTTL:            10 * time.Minute,
		ConfidenceThreshold: 0.55,
		DistillEveryN:       15,
		CorroborationBoost:  0.15,
		RecentWindowSize:    25,
	}
}

// StepTrackerSink receives raw user-prompt text so the episode engine
// can wrap it as a pending Step (spec §4.5 "(b) step-request tracker").
// Defined here, not imported from internal/episode, to keep the
// aggregator free of a dependency on the episode engine; bridgecycle
// wires the concrete implementation in.
type StepTrackerSink interface {
	TrackUserPrompt(text, traceID string)
}

// Output is the result of processing one event.
type Output struct {
	Patterns      []Pattern // patterns that crossed the confidence threshold
	ShouldDistill bool      // true every DistillEveryN processed events
}

// Aggregator runs the detector pipeline over a stream of events.
type Aggregator struct {
	cfg       Config
	detectors []detector
	stepSink  StepTrackerSink
	logger    *log.Logger

	mu        sync.Mutex
	recent    []*types.Event
	lastSeen  map[string]time.Time // dedup key -> last emission time
	processed int
}

// New creates an Aggregator. stepSink may be nil if no episode engine
// is wired yet.
func New(cfg Config, stepSink StepTrackerSink, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		cfg:       cfg,
		detectors: defaultDetectors(),
		stepSink:  stepSink,
		logger:    logger,
		lastSeen:  make(map[string]time.Time),
	}
}

// Process runs the pipeline over a single event.
func (a *Aggregator) Process(evt *types.Event) Output {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := evt.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	raw := a.runDetectors(evt)
	raw = a.deduplicate(raw, now)
	a.corroborate(raw)

	var qualifying []Pattern
	for _, p := range raw {
		if p.Confidence >= a.cfg.ConfidenceThreshold {
			qualifying = append(qualifying, p)
		}
	}

	if evt.Kind == types.EventUserPrompt && a.stepSink != nil && evt.Text != "" {
		a.stepSink.TrackUserPrompt(evt.Text, evt.TraceID)
	}

	a.pushRecent(evt)
	a.processed++

	shouldDistill := false
	n := a.cfg.DistillEveryN
	if n <= 0 {
		n = DefaultConfig().DistillEveryN
	}
	if a.processed%n == 0 {
		shouldDistill = true
	}

	return Output{Patterns: qualifying, ShouldDistill: shouldDistill}
}

func (a *Aggregator) runDetectors(evt *types.Event) []Pattern {
	var out []Pattern
	for _, d := range a.detectors {
		patterns := d.detect(evt, a.recent)
		for i := range patterns {
			if patterns[i].DetectedAt.IsZero() {
				patterns[i].DetectedAt = evt.Timestamp
			}
		}
		out = append(out, patterns...)
	}
	return out
}

// deduplicate drops patterns identical (same kind + normalized text)
// to one already emitted within the TTL window, per spec §4.5.
func (a *Aggregator) deduplicate(patterns []Pattern, now time.Time) []Pattern {
	ttl := a.cfg.DedupTTL
	if ttl <= 0 {
		ttl = DefaultConfig().DedupTTL
	}

	kept := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		key := string(p.Kind) + "|" + normalize(p.Text)
		if last, ok := a.lastSeen[key]; ok && now.Sub(last) < ttl {
			a.logger.Printf("[DEBUG] aggregator: deduped %s pattern within TTL window", p.Kind)
			continue
		}
		a.lastSeen[key] = now
		kept = append(kept, p)
	}
	return kept
}

// corroborate boosts confidence in place when two or more orthogonal
// detector kinds fire for the same source event (spec §4.5's
// "correction+frustration +15%" example, generalized to any pair).
func (a *Aggregator) corroborate(patterns []Pattern) {
	if len(patterns) < 2 {
		return
	}
	byEvent := make(map[string][]int)
	for i, p := range patterns {
		byEvent[p.SourceEvent] = append(byEvent[p.SourceEvent], i)
	}
	boost := a.cfg.CorroborationBoost
	if boost <= 0 {
		boost = DefaultConfig().CorroborationBoost
	}
	for _, idxs := range byEvent {
		if len(idxs) < 2 {
			continue
		}
		kinds := make(map[Kind]bool)
		for _, i := range idxs {
			kinds[patterns[i].Kind] = true
		}
		if len(kinds) < 2 {
			continue // same kind repeated isn't corroboration by orthogonal detectors
		}
		for _, i := range idxs {
			patterns[i].Confidence = patterns[i].Confidence * (1 + boost)
			if patterns[i].Confidence > 1.0 {
				patterns[i].Confidence = 1.0
			}
		}
	}
}

func (a *Aggregator) pushRecent(evt *types.Event) {
	window := a.cfg.RecentWindowSize
	if window <= 0 {
		window = DefaultConfig().RecentWindowSize
	}
	a.recent = append(a.recent, evt)
	if len(a.recent) > window {
		a.recent = a.recent[len(a.recent)-window:]
	}
}

// ProcessedCount returns the number of events processed so far.
func (a *Aggregator) ProcessedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processed
}
