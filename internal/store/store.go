// Package store persists snapshots of finished load cycles.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and demo mode).
package store

import (
	"context"
	"errors"

	"github.com/atmx/operations-engine/internal/model"
)

var ErrNotFound = errors.New("store: snapshot not found")

// Store is the snapshot persistence interface. Snapshots are history only;
// nothing reads them back into the engine.
type Store interface {
	// SaveSnapshot inserts or replaces the snapshot with s.ID.
	SaveSnapshot(ctx context.Context, s *model.Snapshot) error

	// GetSnapshot retrieves a snapshot with its operations.
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)

	// LatestSnapshot returns the most recently saved snapshot.
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)

	// ListSnapshots returns up to limit summaries, newest first, without
	// operations. limit <= 0 returns all.
	ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error)
}
