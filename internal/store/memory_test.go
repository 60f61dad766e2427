package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/operations-engine/internal/model"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func snapshot(id string, age time.Duration, ops int) *model.Snapshot {
	s := &model.Snapshot{
		ID:        id,
		From:      base.AddDate(0, -1, 0),
		To:        base,
		Outcome:   "success",
		CreatedAt: base.Add(-age),
	}
	for i := 0; i < ops; i++ {
		s.Operations = append(s.Operations, model.Operation{ID: fmt.Sprintf("%s-%d", id, i), Amount: decimal.NewFromInt(10)})
	}
	s.Statistics = model.Statistics{
		TotalIncome:  decimal.NewFromInt(int64(10 * ops)),
		TotalExpense: decimal.Zero,
		NetResult:    decimal.NewFromInt(int64(10 * ops)),
		Count:        ops,
	}
	return s
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	snap := snapshot("a", 0, 3)
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	snap.Operations[0].ID = "mutated"
	got, err := s.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got.Operations, 3)
	assert.Equal(t, "a-0", got.Operations[0].ID, "store keeps its own copy")

	_, err = s.GetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveSnapshot(ctx, snapshot("a", time.Hour, 1)))
	require.NoError(t, s.SaveSnapshot(ctx, snapshot("a", 0, 4)))

	got, err := s.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Statistics.Count)

	list, err := s.ListSnapshots(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStore_LatestAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveSnapshot(ctx, snapshot("old", 2*time.Hour, 1)))
	require.NoError(t, s.SaveSnapshot(ctx, snapshot("new", 0, 2)))
	require.NoError(t, s.SaveSnapshot(ctx, snapshot("mid", time.Hour, 3)))

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)

	list, err := s.ListSnapshots(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "mid", list[1].ID)
	assert.Nil(t, list[0].Operations, "summaries carry no operations")
	assert.Equal(t, 2, list[0].Statistics.Count)
}

// An unreachable Redis must not break reads or writes.
func TestCachedStore_FallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	require.NoError(t, s.SaveSnapshot(ctx, snapshot("a", 0, 2)))

	got, err := s.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", latest.ID)

	_, err = s.GetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
