// Package triggers implements the trigger-rule registry named in
// spec §6: a YAML file mapping explicit text patterns (regex or
// literal) to a surfaceable advice payload, generalized from
// internal/claudecode/presets/registry.go's named-registry pattern
// (load once, look up by name, safe for concurrent reads) from a
// Go-literal preset table to a gopkg.in/yaml.v3-loaded file.
package triggers

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// Rule is one trigger-rule entry (spec §6's {pattern, rule_name,
// priority, interrupt} fields).
type Rule struct {
	Pattern   string        `yaml:"pattern"`
	RuleName  string        `yaml:"rule_name"`
	Priority  types.Priority `yaml:"priority"`
	Interrupt bool          `yaml:"interrupt"`
	Advice    string        `yaml:"advice"`
	Regex     bool          `yaml:"regex"`

	compiled *regexp.Regexp
}

type fileFormat struct {
	Rules []Rule `yaml:"rules"`
}

// Registry holds the loaded, compiled trigger rules. Safe for
// concurrent reads; Reload swaps the whole rule set atomically.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

// Load reads and compiles the trigger-rule file at path. A missing
// file is not an error — it yields an empty registry, since trigger
// rules are an optional external collaborator config (spec §6).
func Load(path string) (*Registry, error) {
	r := &Registry{}
	if path == "" {
		return r, nil
	}
	if err := r.Reload(path); err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	return r, nil
}

// Reload re-reads and re-compiles the rule file, replacing the
// registry's rule set atomically on success.
func (r *Registry) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("triggers: parse %s: %w", path, err)
	}
	for i := range ff.Rules {
		rule := &ff.Rules[i]
		if rule.Priority == "" {
			rule.Priority = types.PriorityNormal
		}
		if rule.Regex {
			compiled, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return fmt.Errorf("triggers: rule %q: bad regex: %w", rule.RuleName, err)
			}
			rule.compiled = compiled
		}
	}
	r.mu.Lock()
	r.rules = ff.Rules
	r.mu.Unlock()
	return nil
}

// Match returns every rule whose pattern matches text (literal
// substring match, case-insensitive, unless the rule declares regex:
// true).
func (r *Registry) Match(text string) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Rule
	for _, rule := range r.rules {
		if rule.compiled != nil {
			if rule.compiled.MatchString(text) {
				matched = append(matched, rule)
			}
			continue
		}
		if containsLiteral(text, rule.Pattern) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func containsLiteral(text, pattern string) bool {
	if pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(pattern))
}

// Len returns the number of loaded rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
