package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists checkpoints in a shared MySQL database so multiple
// soak hosts can feed one history. The DSN must enable parseTime, e.g.
//
//	user:pass@tcp(host:3306)/soak?parseTime=true
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL, verifies the connection, and migrates
// the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS soak_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			iteration INT NOT NULL,
			state MEDIUMTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY uniq_run_iteration (run_id, iteration),
			INDEX idx_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create soak_checkpoints: %w", err)
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

func (s *MySQLStore) Save(ctx context.Context, runID string, iteration int, state []byte) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `
		INSERT INTO soak_checkpoints (run_id, iteration, state)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE state = VALUES(state)
	`
	if _, err := s.db.ExecContext(ctx, query, runID, iteration, string(state)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *MySQLStore) Load(ctx context.Context, runID string, iteration int) ([]byte, error) {
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

func (s *MySQLStore) Latest(ctx context.Context, runID string) ([]byte, int, error) {
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

func (s *MySQLStore) Iterations(ctx context.Context, runID string) ([]int, error) {
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

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the connection is alive; used by health checks.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
