package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists checkpoints in a single-file SQLite database. WAL
// mode is enabled so readers never block the single writer.
//
// Use ":memory:" as the path for an ephemeral database in tests.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) a checkpoint database at path
// and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS soak_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, iteration)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create soak_checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_soak_checkpoints_run ON soak_checkpoints(run_id, iteration)"); err != nil {
		return fmt.Errorf("create idx_soak_checkpoints_run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, runID string, iteration int, state []byte) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `
		INSERT INTO soak_checkpoints (run_id, iteration, state)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET
			state = excluded.state
	`
	if _, err := s.db.ExecContext(ctx, query, runID, iteration, string(state)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, runID string, iteration int) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM soak_checkpoints WHERE run_id = ? AND iteration = ?",
		runID, iteration).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return []byte(state), nil
}

func (s *SQLiteStore) Latest(ctx context.Context, runID string) ([]byte, int, error) {
	if err := s.guard(); err != nil {
		return nil, 0, err
	}
	var (
		state     string
		iteration int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT state, iteration FROM soak_checkpoints WHERE run_id = ? ORDER BY iteration DESC LIMIT 1",
		runID).Scan(&state, &iteration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return []byte(state), iteration, nil
}

func (s *SQLiteStore) Iterations(ctx context.Context, runID string) ([]int, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT iteration FROM soak_checkpoints WHERE run_id = ? ORDER BY iteration ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }
