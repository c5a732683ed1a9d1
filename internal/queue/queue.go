// Package queue implements the core learning engine's append-only
// event log: the single point of cross-task shared state described in
// spec §5. Capture appends under a bounded-wait file lock; ReadRecent
// tail-reads without loading the whole log; Rotate archives the active
// file atomically.
//
// The locking discipline is adapted from
// tim-coutinho-agentops/cli/cmd/ao/extract.go's pending-file
// lock/mutate/release pattern, wrapped with github.com/gofrs/flock so
// the lock acquisition itself can be bounded (extract.go's raw
// syscall.Flock blocks indefinitely, which the capture path here
// cannot afford).
package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/coreerr"
	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

const (
	// DefaultLockWait is the bounded wait for the process-wide file
	// lock before an event is dropped to the overflow sidecar.
	DefaultLockWait = 500 * time.Millisecond

	// DefaultCaptureBudget is the soft latency budget for Capture.
	DefaultCaptureBudget = 10 * time.Millisecond

	// DefaultReadChunk is the tail-read chunk size for ReadRecent.
	DefaultReadChunk = 64 * 1024

	// DefaultRotateThreshold is the active-log record count that
	// triggers Rotate().
	DefaultRotateThreshold = 10_000
)

// State is the logical head + active-size cache persisted to
// state.json (spec §6 persisted-state layout).
type State struct {
	LogicalHead int       `json:"logical_head"`
	ActiveSize  int       `json:"active_size"`
	DroppedTotal int      `json:"dropped_total"`
	LastRotated time.Time `json:"last_rotated,omitempty"`
}

// Queue is the append-only event log.
type Queue struct {
	dir        string
	activePath string
	statePath  string
	overflowPath string
	invalidPath  string

	lock *flock.Flock

	mu    sync.Mutex // protects the in-process state cache
	state State

	rotateThreshold int
	lockWait        time.Duration

	logger *log.Logger
}

// New opens (or creates) the queue rooted at dir (typically
// $HOME/.spark/queue).
func New(dir string, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}

	q := &Queue{
		dir:             dir,
		activePath:      filepath.Join(dir, "events.jsonl"),
		statePath:       filepath.Join(dir, "state.json"),
		overflowPath:    filepath.Join(dir, "overflow.jsonl"),
		invalidPath:     filepath.Join(filepath.Dir(dir), "invalid_events.jsonl"),
		lock:            flock.New(filepath.Join(dir, ".lock")),
		rotateThreshold: DefaultRotateThreshold,
		lockWait:        DefaultLockWait,
		logger:          logger,
	}

	if err := q.loadState(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) loadState() error {
	data, err := os.ReadFile(q.statePath)
	if os.IsNotExist(err) {
		q.state = State{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupted state.json recomputes from the queue file rather
		// than failing startup; the data file remains authoritative.
		q.logger.Printf("[WARN] state.json corrupted, recomputing: %v", err)
		return q.recomputeState()
	}
	q.state = s
	return nil
}

func (q *Queue) recomputeState() error {
	f, err := os.Open(q.activePath)
	if os.IsNotExist(err) {
		q.state = State{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: recompute state: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, DefaultReadChunk), 16*DefaultReadChunk)
	for scanner.Scan() {
		count++
	}
	q.state = State{LogicalHead: 0, ActiveSize: count}
	return nil
}

// saveStateAtomic persists state.json via a temp-then-rename, per
// spec §5's atomic-write discipline.
func (q *Queue) saveStateAtomic() error {
	data, err := json.Marshal(q.state)
	if err != nil {
		return fmt.Errorf("queue: marshal state: %w", err)
	}
	tmp := q.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("queue: write temp state: %w", err)
	}
	if err := os.Rename(tmp, q.statePath); err != nil {
		return fmt.Errorf("queue: rename temp state: %w", err)
	}
	return nil
}

// Capture appends event to the active log under a bounded-wait file
// lock. On lock contention beyond lockWait, the event is written to
// the overflow sidecar, the dropped counter is incremented, and
// Capture returns a KindCaptureContention error, a non-fatal kind.
func (q *Queue) Capture(event *types.Event) error {
	if event.ID == "" {
		event.ID = types.NewID("event")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Kind = types.InternEventKind(event.Kind)

	line, err := json.Marshal(event)
	if err != nil {
		return coreerr.Wrap(coreerr.KindSchemaViolation, err).WithComponent("queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.lockWait)
	defer cancel()

	locked, lockErr := q.lock.TryLockContext(ctx, 5*time.Millisecond)
	if lockErr != nil || !locked {
		return q.dropToOverflow(line, event.ID)
	}
	defer q.lock.Unlock()

	if err := q.appendLine(line); err != nil {
		return q.dropToOverflow(line, event.ID)
	}

	q.mu.Lock()
	q.state.ActiveSize++
	saveErr := q.saveStateAtomic()
	needsRotate := q.state.ActiveSize >= q.rotateThreshold
	q.mu.Unlock()

	if saveErr != nil {
		q.logger.Printf("[WARN] state persistence failed after capture: %v", saveErr)
	}
	if needsRotate {
		if err := q.Rotate(); err != nil {
			q.logger.Printf("[WARN] auto-rotate failed: %v", err)
		}
	}
	return nil
}

func (q *Queue) appendLine(line []byte) error {
	f, err := os.OpenFile(q.activePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (q *Queue) dropToOverflow(line []byte, eventID string) error {
	q.mu.Lock()
	q.state.DroppedTotal++
	q.mu.Unlock()

	f, err := os.OpenFile(q.overflowPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.KindCaptureContention, err).
			WithComponent("queue").
			WithDetails(fmt.Sprintf("event %s dropped and overflow sidecar unwritable", eventID))
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return coreerr.Wrap(coreerr.KindCaptureContention, err).WithComponent("queue")
	}
	return coreerr.New(coreerr.KindCaptureContention, "queue lock not acquired within bound; event written to overflow").
		WithComponent("queue").
		WithDetails(eventID)
}

// ReadRecent tail-reads the last n events (after a logical offset, if
// given) without loading the whole log. Corrupted lines are skipped
// and appended to the invalid_events sidecar; never fatal. No count of
// skipped lines is kept.
func (q *Queue) ReadRecent(n int, offset int) ([]*types.Event, error) {
	f, err := os.Open(q.activePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("queue")
	}
	defer f.Close()

	lines, err := tailLines(f, n+offset)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("queue")
	}
	if offset > 0 && offset < len(lines) {
		lines = lines[:len(lines)-offset]
	} else if offset >= len(lines) {
		lines = nil
	}

	events := make([]*types.Event, 0, len(lines))
	for _, line := range lines {
		var ev types.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			q.recordInvalid(line, err)
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

func (q *Queue) recordInvalid(line []byte, cause error) {
	f, err := os.OpenFile(q.invalidPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		q.logger.Printf("[WARN] could not record invalid event: %v (cause: %v)", err, cause)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

// tailLines reads up to the last maxLines complete lines from r,
// robust to a partial (unterminated) final line, using bounded
// DefaultReadChunk-sized reads from the tail rather than loading the
// whole file.
func tailLines(f *os.File, maxLines int) ([][]byte, error) {
	if maxLines <= 0 {
		return nil, nil
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var buf []byte
	var pos int64 = size
	lineCount := 0

	for pos > 0 && lineCount <= maxLines {
		chunkSize := int64(DefaultReadChunk)
		if chunkSize > pos {
			chunkSize = pos
		}
		pos -= chunkSize
		chunk := make([]byte, chunkSize)
		if _, err := f.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(chunk, buf...)
		lineCount = countNewlines(buf)
	}

	lines := splitLines(buf)
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

func countNewlines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			if i > start {
				lines = append(lines, b[start:i])
			}
			start = i + 1
		}
	}
	if start < len(b) {
		// Trailing partial line (no newline yet) — never surfaced, per
		// the "reads never observe a partially-written record" invariant.
		_ = b[start:]
	}
	return lines
}

// Rotate archives the active log to a timestamped file, truncates a
// new active file, and refreshes the size cache. It takes the same
// process-wide lock as Capture so rotation is atomic with respect to
// concurrent writers.
func (q *Queue) Rotate() error {
	ctx, cancel := context.WithTimeout(context.Background(), q.lockWait)
	defer cancel()

	locked, err := q.lock.TryLockContext(ctx, 5*time.Millisecond)
	if err != nil || !locked {
		return coreerr.New(coreerr.KindPersistenceFailure, "rotate: could not acquire queue lock").WithComponent("queue")
	}
	defer q.lock.Unlock()

	if info, err := os.Stat(q.activePath); os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return nil
	}

	archivePath := filepath.Join(q.dir, fmt.Sprintf("events-%s.jsonl", time.Now().UTC().Format("20060102T150405Z")))
	if err := os.Rename(q.activePath, archivePath); err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("queue")
	}
	if _, err := os.OpenFile(q.activePath, os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
		return coreerr.Wrap(coreerr.KindPersistenceFailure, err).WithComponent("queue")
	}

	q.mu.Lock()
	q.state.ActiveSize = 0
	q.state.LastRotated = time.Now()
	err = q.saveStateAtomic()
	q.mu.Unlock()
	return err
}

// GetState returns a copy of the current logical-head/size cache.
func (q *Queue) GetState() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// AdvanceHead moves the logical head forward (periodic compaction
// rewrites state.json rather than the data file, per spec §4.1).
func (q *Queue) AdvanceHead(n int) error {
	q.mu.Lock()
	q.state.LogicalHead += n
	err := q.saveStateAtomic()
	q.mu.Unlock()
	return err
}
