package aggregator

import (
	"testing"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

func newEvent(id, text string, kind types.EventKind, ts time.Time) *types.Event {
	return &types.Event{ID: id, Text: text, Kind: kind, Timestamp: ts, TraceID: "trace-" + id}
}

func TestProcessDetectsCorrection(t *testing.T) {
	a := New(DefaultConfig(), nil, nil)
	out := a.Process(newEvent("e1", "No, I meant the other file", types.EventUserPrompt, time.Now()))

	if len(out.Patterns) != 1 {
		t.Fatalf("expected 1 pattern, got %d", len(out.Patterns))
	}
	if out.Patterns[0].Kind != KindCorrection {
		t.Errorf("expected correction kind, got %s", out.Patterns[0].Kind)
	}
}

func TestProcessDropsBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = 0.99
	a := New(cfg, nil, nil)
	out := a.Process(newEvent("e1", "No, I meant the other file", types.EventUserPrompt, time.Now()))

	if len(out.Patterns) != 0 {
		t.Fatalf("expected 0 patterns above an unreachable threshold, got %d", len(out.Patterns))
	}
}

func TestDeduplicatesWithinTTLWindow(t *testing.T) {
	a := New(DefaultConfig(), nil, nil)
	base := time.Now()

	out1 := a.Process(newEvent("e1", "No, I meant the other file", types.EventUserPrompt, base))
	out2 := a.Process(newEvent("e2", "No, I meant the other file", types.EventUserPrompt, base.Add(1*time.Minute)))

	if len(out1.Patterns) != 1 {
		t.Fatalf("expected first occurrence to emit, got %d", len(out1.Patterns))
	}
	for _, p := range out2.Patterns {
		if p.Kind == KindCorrection {
			t.Fatalf("expected duplicate correction within TTL to be dropped, got %+v", p)
		}
	}
}

func TestReemitsAfterTTLExpires(t *testing.T) {
	a := New(DefaultConfig(), nil, nil)
	base := time.Now()

	a.Process(newEvent("e1", "No, I meant the other file", types.EventUserPrompt, base))
	out := a.Process(newEvent("e2", "No, I meant the other file", types.EventUserPrompt, base.Add(11*time.Minute)))

	reemitted := false
	for _, p := range out.Patterns {
		if p.Kind == KindCorrection {
			reemitted = true
		}
	}
	if !reemitted {
		t.Fatalf("expected correction re-emission after TTL expiry, got %d patterns", len(out.Patterns))
	}
}

func TestRepetitionDetectorFiresOnRepeatedRequest(t *testing.T) {
	a := New(DefaultConfig(), nil, nil)
	base := time.Now()

	a.Process(newEvent("e1", "please add a retry to the http client", types.EventUserPrompt, base))
	out := a.Process(newEvent("e2", "please add a retry to the http client", types.EventUserPrompt, base.Add(time.Second)))

	found := false
	for _, p := range out.Patterns {
		if p.Kind == KindRepetition {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a repetition pattern, got %+v", out.Patterns)
	}
}

func TestCorroborationBoostsConfidenceAcrossOrthogonalDetectors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = 0 // let everything through so we can inspect confidence
	a := New(cfg, nil, nil)

	// Triggers both correction and sentiment(frustration) detectors on the same event.
	out := a.Process(newEvent("e1", "No, I meant the other file, this is frustrating", types.EventUserPrompt, time.Now()))

	if len(out.Patterns) != 2 {
		t.Fatalf("expected 2 corroborating patterns, got %d: %+v", len(out.Patterns), out.Patterns)
	}
	for _, p := range out.Patterns {
		if p.Kind == KindCorrection && p.Confidence <= 0.75 {
			t.Errorf("expected correction confidence boosted above base 0.75, got %f", p.Confidence)
		}
	}
}

type fakeStepSink struct {
	calls []string
}

func (f *fakeStepSink) TrackUserPrompt(text, traceID string) {
	f.calls = append(f.calls, text)
}

func TestUserPromptEventsRouteToStepSink(t *testing.T) {
	sink := &fakeStepSink{}
	a := New(DefaultConfig(), sink, nil)

	a.Process(newEvent("e1", "please refactor this function", types.EventUserPrompt, time.Now()))

	if len(sink.calls) != 1 {
		t.Fatalf("expected 1 call to the step sink, got %d", len(sink.calls))
	}
}

func TestNonUserPromptEventsDoNotRouteToStepSink(t *testing.T) {
	sink := &fakeStepSink{}
	a := New(DefaultConfig(), sink, nil)

	a.Process(newEvent("e1", "because the retry limit was exceeded", types.EventPostTool, time.Now()))

	if len(sink.calls) != 0 {
		t.Fatalf("expected 0 calls to the step sink for a non-prompt event, got %d", len(sink.calls))
	}
}

func TestDistillTriggersEveryNProcessedEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistillEveryN = 3
	a := New(cfg, nil, nil)

	var lastOut Output
	for i := 0; i < 3; i++ {
		lastOut = a.Process(newEvent("e", "hello there", types.EventUserPrompt, time.Now()))
	}

	if !lastOut.ShouldDistill {
		t.Error("expected ShouldDistill true on the 3rd processed event")
	}
	if a.ProcessedCount() != 3 {
		t.Errorf("expected processed count 3, got %d", a.ProcessedCount())
	}
}
