package normalize

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Instrument is the display metadata of a security.
type Instrument struct {
	Symbol string `json:"ticker"`
	Name   string `json:"name"`
	Type   string `json:"instrument_type"`
}

// InstrumentResolver looks up instrument metadata by identifier.
type InstrumentResolver interface {
	Resolve(ctx context.Context, instrumentID string) (Instrument, error)
}

// CachedResolver memoizes successful lookups of an inner resolver.
// Failed lookups are not cached so a transient outage heals on the next load.
type CachedResolver struct {
	inner InstrumentResolver
	cache *cache.Cache
}

// NewCachedResolver wraps inner with an in-process cache of the given TTL.
func NewCachedResolver(inner InstrumentResolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (r *CachedResolver) Resolve(ctx context.Context, instrumentID string) (Instrument, error) {
	if v, ok := r.cache.Get(instrumentID); ok {
		return v.(Instrument), nil
	}
	inst, err := r.inner.Resolve(ctx, instrumentID)
	if err != nil {
		return Instrument{}, err
	}
	r.cache.SetDefault(instrumentID, inst)
	return inst, nil
}

// Flush drops every cached entry.
func (r *CachedResolver) Flush() {
	r.cache.Flush()
}
