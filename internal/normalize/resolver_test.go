package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedResolver_CachesHits(t *testing.T) {
	inner := &stubResolver{table: map[string]Instrument{"FIGI1": {Symbol: "AAPL"}}}
	r := NewCachedResolver(inner, time.Minute)

	for i := 0; i < 3; i++ {
		inst, err := r.Resolve(context.Background(), "FIGI1")
		require.NoError(t, err)
		assert.Equal(t, "AAPL", inst.Symbol)
	}
	assert.Equal(t, 1, inner.calls)

	r.Flush()
	_, err := r.Resolve(context.Background(), "FIGI1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedResolver_DoesNotCacheMisses(t *testing.T) {
	inner := &stubResolver{table: map[string]Instrument{}}
	r := NewCachedResolver(inner, time.Minute)

	_, err := r.Resolve(context.Background(), "NOPE")
	assert.Error(t, err)
	_, err = r.Resolve(context.Background(), "NOPE")
	assert.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}
