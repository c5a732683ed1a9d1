// Package episode implements the episode engine (spec §4.6): one
// active Episode per session, each action wrapped as a Step under the
// pre/post-action contract, a legal phase transition graph, watchers
// evaluated around every step, budget enforcement, and an escape
// protocol. Persistence is grounded on internal/storage/sqlite.go's
// sql.Open("sqlite", dsn)+pragma+prepared-statement shape; the
// in-memory active-episode bookkeeping generalizes
// internal/memory/episodic.go's EpisodicMemoryStore (mutex-guarded map
// keyed by id).
package episode

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// store is the sqlite-backed persistence layer under $HOME/.spark/eidos/.
type store struct {
	db *sql.DB

	stmtUpsertEpisode *sql.Stmt
	stmtUpsertStep    *sql.Stmt
}

func openStore(dbPath string) (*store, error) {
	dsn := dbPath + "?_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open eidos db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping eidos db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure eidos db: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init eidos schema: %w", err)
	}

	s := &store{db: db}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	goal TEXT,
	phase TEXT,
	outcome TEXT,
	budget TEXT,
	counters TEXT,
	started_at TEXT,
	ended_at TEXT,
	trace_id TEXT,
	watcher_fire_history TEXT,
	escape_mode INTEGER
);
CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id);
CREATE INDEX IF NOT EXISTS idx_episodes_outcome ON episodes(outcome);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	episode_id TEXT NOT NULL,
	seq INTEGER,
	phase TEXT,
	payload TEXT,
	created_at TEXT,
	FOREIGN KEY(episode_id) REFERENCES episodes(id)
);
CREATE INDEX IF NOT EXISTS idx_steps_episode ON steps(episode_id);
`)
	return err
}

func (s *store) prepare() error {
	var err error
	s.stmtUpsertEpisode, err = s.db.Prepare(`
INSERT INTO episodes (id, session_id, goal, phase, outcome, budget, counters, started_at, ended_at, trace_id, watcher_fire_history, escape_mode)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	phase=excluded.phase, outcome=excluded.outcome, counters=excluded.counters,
	ended_at=excluded.ended_at, watcher_fire_history=excluded.watcher_fire_history,
	escape_mode=excluded.escape_mode
`)
	if err != nil {
		return fmt.Errorf("prepare upsert episode: %w", err)
	}

	s.stmtUpsertStep, err = s.db.Prepare(`
INSERT INTO steps (id, episode_id, seq, phase, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, phase=excluded.phase
`)
	if err != nil {
		return fmt.Errorf("prepare upsert step: %w", err)
	}
	return nil
}

func (s *store) saveEpisode(ep *types.Episode) error {
	budgetJSON, err := json.Marshal(ep.Budget)
	if err != nil {
		return err
	}
	countersJSON, err := json.Marshal(ep.Counters)
	if err != nil {
		return err
	}
	historyJSON, err := json.Marshal(ep.WatcherFireHistory)
	if err != nil {
		return err
	}
	var endedAt string
	if !ep.EndedAt.IsZero() {
		endedAt = ep.EndedAt.Format(time.RFC3339Nano)
	}

	_, err = s.stmtUpsertEpisode.Exec(
		ep.ID, ep.SessionID, ep.Goal, string(ep.Phase), string(ep.Outcome),
		string(budgetJSON), string(countersJSON),
		ep.StartedAt.Format(time.RFC3339Nano), endedAt, ep.TraceID,
		string(historyJSON), boolToInt(ep.EscapeMode),
	)
	return err
}

func (s *store) saveStep(episodeID string, seq int, step *types.Step) error {
	payload, err := json.Marshal(step)
	if err != nil {
		return err
	}
	_, err = s.stmtUpsertStep.Exec(step.ID, episodeID, seq, string(step.Phase), string(payload), step.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *store) loadSteps(episodeID string) ([]*types.Step, error) {
	rows, err := s.db.Query(`SELECT payload FROM steps WHERE episode_id = ? ORDER BY seq ASC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*types.Step
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var step types.Step
		if err := json.Unmarshal([]byte(payload), &step); err != nil {
			return nil, err
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

func (s *store) close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var defaultLogger = log.New(log.Writer(), "[episode] ", log.LstdFlags)
