package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/operations-engine/internal/model"
)

// MemoryStore implements Store with an in-memory map. Not suitable for
// production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*model.Snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*model.Snapshot),
	}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.snapshots[snap.ID] = clone(snap)
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(snap), nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Snapshot
	for _, snap := range s.snapshots {
		if latest == nil || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return clone(latest), nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, limit int) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		summary := *snap
		summary.Operations = nil
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(snap *model.Snapshot) *model.Snapshot {
	c := *snap
	c.Operations = append([]model.Operation(nil), snap.Operations...)
	return &c
}
