package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/operations-engine/internal/model"
)

const latestKey = "snapshot:latest"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; reads check
// Redis first then fall back to the primary. Cache failures are ignored.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	s.rdb.Set(ctx, latestKey, snap.ID, s.ttl)
	return nil
}

func (s *CachedStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(id)).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

func (s *CachedStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	id, err := s.rdb.Get(ctx, latestKey).Result()
	if err == nil && id != "" {
		return s.GetSnapshot(ctx, id)
	}

	snap, err := s.primary.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	s.rdb.Set(ctx, latestKey, snap.ID, s.ttl)
	return snap, nil
}

// ListSnapshots is not cached.
func (s *CachedStore) ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error) {
	return s.primary.ListSnapshots(ctx, limit)
}

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.Snapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(snap.ID), data, s.ttl)
	}
}

func snapshotKey(id string) string { return fmt.Sprintf("snapshot:%s", id) }
