package ingest

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the terminal outcome of a load call.
type Kind string

const (
	KindSuccess           Kind = "success"
	KindCancelled         Kind = "cancelled"
	KindTimedOut          Kind = "timed_out"
	KindFailed            Kind = "failed"
	KindAlreadyInProgress Kind = "already_in_progress"
	KindInvalidRange      Kind = "invalid_range"
	KindNotConnected      Kind = "not_connected"
)

var (
	ErrInvalidRange      = errors.New("ingest: from must not be after to")
	ErrNotConnected      = errors.New("ingest: data source not connected")
	ErrAlreadyInProgress = errors.New("ingest: load already in progress")
	ErrTimeout           = errors.New("ingest: load timed out")
	ErrCancelled         = errors.New("ingest: load cancelled")
	ErrNoCycle           = errors.New("ingest: no load cycle to continue")
)

// SourceError wraps a data source failure on a given page.
type SourceError struct {
	Page int
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("ingest: fetch page %d: %v", e.Page, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Outcome is the single inspectable result of Load or LoadMore.
type Outcome struct {
	Kind    Kind      `json:"kind"`
	CycleID string    `json:"cycle_id,omitempty"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Count   int       `json:"count"`   // canonical list length when the call ended
	Pages   int       `json:"pages"`   // pages fetched by this call
	Dropped int       `json:"dropped"` // records dropped by the normalizer in this call
	HasMore bool      `json:"has_more"`
	Err     error     `json:"-"`
	Error   string    `json:"error,omitempty"`
}

// OK reports whether the call completed successfully.
func (o Outcome) OK() bool { return o.Kind == KindSuccess }

func (o Outcome) withErr(kind Kind, err error) Outcome {
	o.Kind = kind
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// kindFor maps a pre-flight error to its outcome kind.
func kindFor(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidRange):
		return KindInvalidRange
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrAlreadyInProgress):
		return KindAlreadyInProgress
	default:
		return KindFailed
	}
}
