// Package distill implements the distillation engine (spec §4.7):
// clustering completed steps by intent signature and tool, classifying
// clusters into typed rules, and persisting them with a monotonic
// confidence-update/revalidation discipline. Persistence reuses the
// sql.Open("sqlite", dsn)+pragma+prepared-statement shape established
// in internal/episode/store.go (itself grounded on
// internal/storage/sqlite.go); clustering generalizes
// internal/knowledge/knowledge_graph.go with github.com/dominikbraun/graph
// (the teacher's own dependency) instead of a bespoke adjacency map.
package distill

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/types"
)

// Store is the sqlite-backed persistence layer under
// $HOME/.spark/distillations/.
type Store struct {
	db *sql.DB

	stmtUpsert *sql.Stmt
}

// OpenStore opens (or creates) the distillations database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	dsn := dbPath + "?_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open distillations db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping distillations db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure distillations db: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS distillations (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	scope TEXT,
	payload TEXT NOT NULL,
	created_at TEXT,
	next_revalidate_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_distill_type ON distillations(type);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init distillations schema: %w", err)
	}

	s := &Store{db: db}
	stmt, err := db.Prepare(`
INSERT INTO distillations (id, type, scope, payload, created_at, next_revalidate_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, next_revalidate_at=excluded.next_revalidate_at
`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare upsert distillation: %w", err)
	}
	s.stmtUpsert = stmt
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert persists d, inserting it fresh or overwriting an existing row
// with the same id (used for confidence updates on revalidation).
func (s *Store) Upsert(d *types.Distillation) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.stmtUpsert.Exec(
		d.ID, string(d.Type), string(d.Scope), string(payload),
		d.CreatedAt.Format(time.RFC3339Nano), d.NextRevalidateAt.Format(time.RFC3339Nano),
	)
	return err
}

// Get returns the distillation with the given id, if present.
func (s *Store) Get(id string) (*types.Distillation, bool, error) {
	row := s.db.QueryRow(`SELECT payload FROM distillations WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	var d types.Distillation
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

// All returns every persisted distillation.
func (s *Store) All() ([]*types.Distillation, error) {
	rows, err := s.db.Query(`SELECT payload FROM distillations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Distillation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d types.Distillation
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// MatchTriggers returns every distillation whose trigger keywords
// appear in text (case-insensitive substring match), used by the
// Advisor's distillation candidate source (spec §4.8).
func (s *Store) MatchTriggers(text string) ([]*types.Distillation, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	var matches []*types.Distillation
	for _, d := range all {
		for _, kw := range d.TriggerKeywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				matches = append(matches, d)
				break
			}
		}
	}
	return matches, nil
}
