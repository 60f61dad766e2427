package ingest

import (
	"context"
	"time"

	"github.com/atmx/operations-engine/internal/model"
)

// Source is a paginated transactional data source. FetchPage must be
// idempotent and free of side effects from the engine's point of view.
//
//go:generate mockgen -destination=mocks/mock_source.go -source=source.go Source
type Source interface {
	// FetchPage returns page (1-based) of the operations in [from, to].
	// A page shorter than pageSize is the last one.
	FetchPage(ctx context.Context, from, to time.Time, page, pageSize int) ([]model.RawOperation, error)

	// IsAvailable reports whether the source is connected and authorized.
	IsAvailable() bool
}
