package triggers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

func writeRules(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadAndMatchLiteral(t *testing.T) {
	path := writeRules(t, `
rules:
  - pattern: "database"
    rule_name: db_safety
    priority: critical
    interrupt: true
    advice: "validate input before database operations"
`)
	reg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	matches := reg.Match("run a Bash command against the database")
	require.Len(t, matches, 1)
	require.Equal(t, "db_safety", matches[0].RuleName)
	require.Equal(t, types.PriorityCritical, matches[0].Priority)
	require.True(t, matches[0].Interrupt)
}

func TestLoadAndMatchRegex(t *testing.T) {
	path := writeRules(t, `
rules:
  - pattern: "rm\\s+-rf"
    rule_name: destructive_delete
    regex: true
    priority: high
`)
	reg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, reg.Match("about to run rm -rf /tmp/x"), 1)
	require.Empty(t, reg.Match("ls -la"))
}

func TestLoadMissingFileIsEmptyNotError(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 0, reg.Len())
}

func TestLoadBadRegexErrors(t *testing.T) {
	path := writeRules(t, `
rules:
  - pattern: "("
    rule_name: broken
    regex: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaultPriorityNormal(t *testing.T) {
	path := writeRules(t, `
rules:
  - pattern: "foo"
    rule_name: plain
`)
	reg, err := Load(path)
	require.NoError(t, err)
	matches := reg.Match("foo bar")
	require.Len(t, matches, 1)
	require.Equal(t, types.PriorityNormal, matches[0].Priority)
}
