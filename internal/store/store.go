package store

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
)

// Store provides SQLite persistence for match records. It is the source
// of truth for durable match state across process restarts, and supplies
// the conditional-update primitive the orchestrator's join and end
// transitions are built on.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initializes the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under
	// concurrent transitions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		opponent_id TEXT,
		symbol TEXT NOT NULL,
		duration_bars INTEGER NOT NULL,
		tick_interval_ms INTEGER NOT NULL,
		bar_index INTEGER NOT NULL DEFAULT 0,
		end_reason TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS match_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		match_id TEXT NOT NULL REFERENCES matches(id),
		participant_id TEXT NOT NULL,
		start_equity INTEGER NOT NULL,
		final_equity INTEGER NOT NULL,
		max_drawdown INTEGER NOT NULL DEFAULT 0,
		total_actions INTEGER NOT NULL DEFAULT 0,
		profitable_actions INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL,
		won INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(match_id, participant_id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status);
	CREATE INDEX IF NOT EXISTS idx_results_match ON match_results(match_id);
	CREATE INDEX IF NOT EXISTS idx_results_participant ON match_results(participant_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
