package aggregator

import (
	"regexp"
	"strings"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// correctionDetector catches explicit corrections ("no, I meant...",
// "actually...").
type correctionDetector struct{}

var correctionMarkers = []string{"no, i meant", "actually, ", "that's wrong", "not what i", "i meant to say"}

func (correctionDetector) detect(evt *types.Event, _ []*types.Event) []Pattern {
	lower := strings.ToLower(evt.Text)
	for _, m := range correctionMarkers {
		if strings.Contains(lower, m) {
			return []Pattern{{
				Kind:        KindCorrection,
				Text:        evt.Text,
				Confidence:  0.75,
				Tags:        []string{"correction"},
				SourceEvent: evt.ID,
			}}
		}
	}
	return nil
}

// sentimentDetector catches satisfaction/frustration markers.
type sentimentDetector struct{}

var frustrationMarkers = []string{"this is frustrating", "still broken", "not working", "ugh", "why isn't"}
var satisfactionMarkers = []string{"that worked", "perfect", "exactly right", "thanks, that", "great, that fixed it"}

func (sentimentDetector) detect(evt *types.Event, _ []*types.Event) []Pattern {
	lower := strings.ToLower(evt.Text)
	for _, m := range frustrationMarkers {
		if strings.Contains(lower, m) {
			return []Pattern{{
				Kind:        KindSentiment,
				Text:        evt.Text,
				Confidence:  0.6,
				Tags:        []string{"sentiment", "frustration"},
				SourceEvent: evt.ID,
			}}
		}
	}
	for _, m := range satisfactionMarkers {
		if strings.Contains(lower, m) {
			return []Pattern{{
				Kind:        KindSentiment,
				Text:        evt.Text,
				Confidence:  0.6,
				Tags:        []string{"sentiment", "satisfaction"},
				SourceEvent: evt.ID,
			}}
		}
	}
	return nil
}

// repetitionDetector catches near-identical requests repeated within
// the recent window.
type repetitionDetector struct{}

func (repetitionDetector) detect(evt *types.Event, recent []*types.Event) []Pattern {
	norm := normalize(evt.Text)
	if norm == "" {
		return nil
	}
	count := 0
	for _, e := range recent {
		if e.ID == evt.ID {
			continue
		}
		if normalize(e.Text) == norm {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	confidence := 0.5 + 0.1*float64(count)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return []Pattern{{
		Kind:        KindRepetition,
		Text:        evt.Text,
		Confidence:  confidence,
		Tags:        []string{"repetition"},
		SourceEvent: evt.ID,
	}}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// semanticIntentDetector catches preference/redirect phrases.
type semanticIntentDetector struct{}

var intentMarkers = []string{"i prefer", "let's use", "from now on", "instead of", "switch to", "i'd rather"}

func (semanticIntentDetector) detect(evt *types.Event, _ []*types.Event) []Pattern {
	lower := strings.ToLower(evt.Text)
	for _, m := range intentMarkers {
		if strings.Contains(lower, m) {
			return []Pattern{{
				Kind:        KindSemanticIntent,
				Text:        evt.Text,
				Confidence:  0.65,
				Tags:        []string{"semantic_intent"},
				SourceEvent: evt.ID,
			}}
		}
	}
	return nil
}

// whyReasoningDetector catches "because/the reason is/since/due to"
// clauses that carry causal justification worth distilling.
type whyReasoningDetector struct{}

var reasoningPattern = regexp.MustCompile(`(?i)\b(because|the reason is|since|due to)\b`)

func (whyReasoningDetector) detect(evt *types.Event, _ []*types.Event) []Pattern {
	if !reasoningPattern.MatchString(evt.Text) {
		return nil
	}
	return []Pattern{{
		Kind:        KindWhyReasoning,
		Text:        evt.Text,
		Confidence:  0.55,
		Tags:        []string{"why_reasoning"},
		SourceEvent: evt.ID,
	}}
}

func defaultDetectors() []detector {
	return []detector{
		correctionDetector{},
		sentimentDetector{},
		repetitionDetector{},
		semanticIntentDetector{},
		whyReasoningDetector{},
	}
}
