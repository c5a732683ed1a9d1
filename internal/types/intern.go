package types

import "sync"

// StringInterner deduplicates frequently recurring strings (tool
// names, event kinds) to reduce the memory footprint of a
// long-running queue/insight store.
type StringInterner struct {
	mu      sync.RWMutex
	strings map[string]string // canonical string -> itself
}

var (
	toolNameInterner = NewStringInterner()
	kindInterner     = NewStringInterner()
)

// NewStringInterner creates a new string interner.
func NewStringInterner() *StringInterner {
	return &StringInterner{
		strings: make(map[string]string, 100),
	}
}

// Intern returns the canonical instance of s, recording it on first
// sight.
func (si *StringInterner) Intern(s string) string {
	if s == "" {
		return ""
	}

	si.mu.RLock()
	if canonical, exists := si.strings[s]; exists {
		si.mu.RUnlock()
		return canonical
	}
	si.mu.RUnlock()

	si.mu.Lock()
	defer si.mu.Unlock()
	if canonical, exists := si.strings[s]; exists {
		return canonical
	}
	si.strings[s] = s
	return s
}

// InternToolName interns a tool name string.
func InternToolName(toolName string) string {
	return toolNameInterner.Intern(toolName)
}

// InternEventKind interns an event kind string.
func InternEventKind(kind EventKind) EventKind {
	return EventKind(kindInterner.Intern(string(kind)))
}

// Size returns the number of interned strings (used by tests).
func (si *StringInterner) Size() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return len(si.strings)
}
