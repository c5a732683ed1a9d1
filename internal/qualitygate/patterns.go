package qualitygate

import (
	"regexp"
	"strings"
)

// tautologyPattern catches "X-tasks succeed with X" style circularity:
// a word repeated as both the subject-qualifier and the object of the
// sentence, spec §4.3's literal example. RE2 has no backreferences, so
// the two words are captured here and compared case-insensitively by
// matchPrimitivePattern.
var tautologyPattern = regexp.MustCompile(`(?i)^(\w+)[- ]tasks? succeeds? with (\w+)\b`)

// pureMetricPattern matches a line that is only a number/percentage
// with no surrounding explanation ("87%", "3.2 seconds", "42").
var pureMetricPattern = regexp.MustCompile(`^[\s\d.,%a-zA-Z]{0,20}$`)
var hasDigitPattern = regexp.MustCompile(`\d`)

// toolChainPattern matches a bare tool-sequence chain with no
// reasoning attached ("Read then Edit then Bash").
var toolChainPattern = regexp.MustCompile(`(?i)^(\w+)( then \w+){1,}$`)

// matchPrimitivePattern implements spec §4.3's noise filter: a set of
// primitive-pattern rules that short-circuit to `primitive` regardless
// of dimension score.
func matchPrimitivePattern(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty", true
	}
	if m := tautologyPattern.FindStringSubmatch(trimmed); m != nil && strings.EqualFold(m[1], m[2]) {
		return "tautology", true
	}
	if hasDigitPattern.MatchString(trimmed) && pureMetricPattern.MatchString(trimmed) && len(strings.Fields(trimmed)) <= 3 {
		return "pure_metric", true
	}
	if toolChainPattern.MatchString(trimmed) {
		return "tool_sequence_chain", true
	}
	return "", false
}

// refinement is a deterministic rewrite rule: a candidate matching
// `match` is rewritten via `rewrite`, e.g. lifting "don't forget X" to
// "Always X because it prevents Y" (spec §4.3's own example).
type refinement struct {
	match   *regexp.Regexp
	rewrite func(matches []string) string
}

var refinements = []refinement{
	{
		match: regexp.MustCompile(`(?i)^don'?t forget to (.+)$`),
		rewrite: func(m []string) string {
			return "Always " + m[1] + " because forgetting it causes rework."
		},
	},
	{
		match: regexp.MustCompile(`(?i)^remember to (.+)$`),
		rewrite: func(m []string) string {
			return "Always " + m[1] + " because it prevents regressions."
		},
	},
	{
		match: regexp.MustCompile(`(?i)^try to (.+)$`),
		rewrite: func(m []string) string {
			return "Prefer to " + m[1] + " when possible because it improves reliability."
		},
	},
	{
		match: regexp.MustCompile(`(?i)^maybe (.+) is better$`),
		rewrite: func(m []string) string {
			return "Prefer " + m[1] + " because it is better in this context."
		},
	},
}

// refine applies the first matching deterministic rewrite rule.
func refine(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, r := range refinements {
		if m := r.match.FindStringSubmatch(trimmed); m != nil {
			return r.rewrite(m), true
		}
	}
	return "", false
}
