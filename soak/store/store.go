// Package store persists per-iteration tuning state checkpoints so an
// interrupted soak run can resume with its guard memory intact.
//
// Checkpoints are opaque canonical-JSON blobs produced by the engine; the
// store never inspects them. Implementations:
//   - MemoryStore: in-process, for tests and short runs
//   - SQLiteStore: single-file database, zero-setup local persistence
//   - MySQLStore: shared database for fleet-wide soak history
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a run or iteration has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists tuning state checkpoints keyed by run ID and iteration.
type Store interface {
	// Save persists the checkpoint for one iteration. Saving the same
	// (runID, iteration) twice replaces the earlier checkpoint.
	Save(ctx context.Context, runID string, iteration int, state []byte) error

	// Load retrieves the checkpoint for a specific iteration.
	// Returns ErrNotFound when it does not exist.
	Load(ctx context.Context, runID string, iteration int) ([]byte, error)

	// Latest retrieves the highest-iteration checkpoint for a run, with
	// its iteration index. Returns ErrNotFound for an unknown run.
	Latest(ctx context.Context, runID string) ([]byte, int, error)

	// Iterations lists the checkpointed iteration indices for a run, in
	// ascending order. An unknown run returns an empty list.
	Iterations(ctx context.Context, runID string) ([]int, error)

	// Close releases resources. Operations after Close return an error.
	Close() error
}
