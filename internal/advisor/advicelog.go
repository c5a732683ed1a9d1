package advisor

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// adviceLogEntry is one line of advisor/advice_log.jsonl.
type adviceLogEntry struct {
	Advice    types.Advice `json:"advice"`
	SessionID string       `json:"session_id"`
	LoggedAt  time.Time    `json:"logged_at"`
}

// AdviceLog is the rolling, append-only record of advice issued (spec
// §4.8/§6), read back by ReportOutcome to correlate observed outcomes.
type AdviceLog struct {
	path string
}

// OpenAdviceLog returns a handle to the log file at path (created on
// first append).
func OpenAdviceLog(path string) *AdviceLog {
	return &AdviceLog{path: path}
}

// Append appends every item in advice as its own JSONL line.
func (l *AdviceLog) Append(sessionID string, advice []types.Advice) error {
	if len(advice) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	now := time.Now()
	for _, a := range advice {
		entry := adviceLogEntry{Advice: a, SessionID: sessionID, LoggedAt: now}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

// recentForTool returns every logged entry for tool (case-insensitive)
// within the given session, logged at or after since.
func (l *AdviceLog) recentForTool(sessionID, tool string, since time.Time) ([]adviceLogEntry, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []adviceLogEntry
	lowerTool := strings.ToLower(tool)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry adviceLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // PartialRecordCorruption: skip, never fatal
		}
		if entry.SessionID != sessionID {
			continue
		}
		if entry.LoggedAt.Before(since) {
			continue
		}
		if strings.ToLower(entry.Advice.Tool) != lowerTool {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// All returns every logged entry, used by invariant-repair
// recomputation.
func (l *AdviceLog) All() ([]adviceLogEntry, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []adviceLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry adviceLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// outcomeLogEntry is one line of advisor/outcomes.jsonl, the ground
// truth ReportOutcome's invariant repair recomputes counters from.
type outcomeLogEntry struct {
	AdviceID string              `json:"advice_id"`
	Source   types.AdviceSource  `json:"source"`
	Followed bool                `json:"followed"`
	Helpful  bool                `json:"helpful"`
}

// OutcomeLog is the durable record of correlated outcomes, kept
// separate from AdviceLog so repairEffectiveness can recompute
// followed/helpful counts independent of the live counters it is
// repairing.
type OutcomeLog struct {
	path string
}

// OpenOutcomeLog returns a handle to the log file at path (created on
// first append).
func OpenOutcomeLog(path string) *OutcomeLog {
	return &OutcomeLog{path: path}
}

// Append records one correlated outcome.
func (l *OutcomeLog) Append(adviceID string, source types.AdviceSource, followed, helpful bool) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(outcomeLogEntry{AdviceID: adviceID, Source: source, Followed: followed, Helpful: helpful})
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// CountsFor returns the followed/helpful totals recorded for source.
func (l *OutcomeLog) CountsFor(source types.AdviceSource) (followed, helpful int, err error) {
	data, readErr := os.ReadFile(l.path)
	if os.IsNotExist(readErr) {
		return 0, 0, nil
	}
	if readErr != nil {
		return 0, 0, readErr
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry outcomeLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Source != source {
			continue
		}
		if entry.Followed {
			followed++
		}
		if entry.Helpful {
			helpful++
		}
	}
	return followed, helpful, nil
}
