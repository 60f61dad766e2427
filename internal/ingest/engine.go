// Package ingest drives paginated retrieval of operations from a Source,
// normalizes them into the canonical list and maintains the statistics and
// day groups derived from it.
//
// At most one load cycle runs at a time; concurrent requests are rejected
// with ErrAlreadyInProgress rather than queued. The canonical list is guarded
// by its own lock, held only for the duration of each read or write, never
// across a fetch or a normalization chunk.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/operations-engine/internal/aggregate"
	"github.com/atmx/operations-engine/internal/dispatch"
	"github.com/atmx/operations-engine/internal/grouping"
	"github.com/atmx/operations-engine/internal/metrics"
	"github.com/atmx/operations-engine/internal/model"
	"github.com/atmx/operations-engine/internal/normalize"
)

const (
	DefaultPageSize     = 100
	DefaultTimeout      = 45 * time.Second
	DefaultRegroupDelay = 250 * time.Millisecond
)

const (
	modeLoad = "load"
	modeMore = "more"
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	PageSize     int
	PageLimit    int // pages fetched per Load; 0 fetches until the source is exhausted
	Timeout      time.Duration
	RegroupDelay time.Duration
	Location     *time.Location // calendar used for day groups
	Dispatcher   dispatch.Dispatcher
	Logger       *slog.Logger
}

// View is a filtered, grouped projection of the canonical list.
// Statistics describe the filtered subset only.
type View struct {
	Filter     grouping.Filter        `json:"filter"`
	Groups     []model.OperationGroup `json:"groups"`
	Statistics model.Statistics       `json:"statistics"`
}

// Status is a point-in-time description of the engine.
type Status struct {
	InProgress bool            `json:"in_progress"`
	CycleID    string          `json:"cycle_id,omitempty"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	NextPage   int             `json:"next_page"`
	HasMore    bool            `json:"has_more"`
	Count      int             `json:"count"`
	Progress   model.Progress  `json:"progress"`
	Filter     grouping.Filter `json:"filter"`
	Last       *Outcome        `json:"last,omitempty"`
}

// cursor tracks pagination of the current cycle.
type cursor struct {
	cycleID  string
	from, to time.Time
	nextPage int
	hasMore  bool
}

type observerEntry struct {
	id  int
	obs Observer
}

// Engine is the operation ingestion engine.
type Engine struct {
	source     Source
	normalizer *normalize.Normalizer
	opts       Options
	logger     *slog.Logger
	regroup    *grouping.Debouncer

	flight chan struct{} // single-flight slot

	scopeMu  sync.Mutex
	scopeSeq uint64
	cancelFn context.CancelFunc

	obsMu     sync.RWMutex
	observers []observerEntry
	nextObs   int

	mu       sync.RWMutex // guards everything below
	ops      []model.Operation
	stats    model.Statistics
	groups   []model.OperationGroup
	gen      uint64 // bumped on every reset
	filter   grouping.Filter
	cur      cursor
	progress model.Progress
	last     *Outcome
	inFlight bool
}

// New creates an engine reading from src.
func New(src Source, n *normalize.Normalizer, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RegroupDelay <= 0 {
		opts.RegroupDelay = DefaultRegroupDelay
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.Inline{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if n == nil {
		n = normalize.New(normalize.Options{Logger: opts.Logger})
	}

	return &Engine{
		source:     src,
		normalizer: n,
		opts:       opts,
		logger:     opts.Logger,
		regroup:    grouping.NewDebouncer(opts.RegroupDelay),
		flight:     make(chan struct{}, 1),
		stats:      aggregate.Compute(nil),
		groups:     []model.OperationGroup{},
		filter:     grouping.FilterAll,
	}
}

// Subscribe registers o for notifications and returns a function removing it.
func (e *Engine) Subscribe(o Observer) (unsubscribe func()) {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers = append(e.observers, observerEntry{id: id, obs: o})
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		defer e.obsMu.Unlock()
		for i, entry := range e.observers {
			if entry.id == id {
				e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
				return
			}
		}
	}
}

// --- Load cycle ---

// Load starts a new cycle over [from, to] and blocks until it ends.
func (e *Engine) Load(ctx context.Context, from, to time.Time) Outcome {
	if err := e.preflightLoad(from, to); err != nil {
		return e.reject(modeLoad, from, to, err)
	}
	scope, closeScope := e.openScope(ctx)
	return e.runLoad(scope, closeScope, from, to)
}

// Start performs Load's pre-flight checks synchronously and runs the cycle
// in a new goroutine. ctx bounds the cycle, so it must outlive the caller
// when the caller is a request handler. The cycle is cancellable as soon as
// Start returns.
func (e *Engine) Start(ctx context.Context, from, to time.Time) (<-chan Outcome, error) {
	if err := e.preflightLoad(from, to); err != nil {
		e.reject(modeLoad, from, to, err)
		return nil, err
	}
	scope, closeScope := e.openScope(ctx)
	done := make(chan Outcome, 1)
	go func() { done <- e.runLoad(scope, closeScope, from, to) }()
	return done, nil
}

// LoadMore fetches the next page of the current cycle and blocks until done.
// When the cursor is exhausted it returns success without any I/O.
func (e *Engine) LoadMore(ctx context.Context) Outcome {
	if err := e.preflightMore(); err != nil {
		return e.reject(modeMore, time.Time{}, time.Time{}, err)
	}
	scope, closeScope := e.openScope(ctx)
	return e.runMore(scope, closeScope)
}

// StartMore is the asynchronous form of LoadMore.
func (e *Engine) StartMore(ctx context.Context) (<-chan Outcome, error) {
	if err := e.preflightMore(); err != nil {
		e.reject(modeMore, time.Time{}, time.Time{}, err)
		return nil, err
	}
	scope, closeScope := e.openScope(ctx)
	done := make(chan Outcome, 1)
	go func() { done <- e.runMore(scope, closeScope) }()
	return done, nil
}

// Cancel cancels the running cycle, if any, and reports whether there was one.
func (e *Engine) Cancel() bool {
	e.scopeMu.Lock()
	defer e.scopeMu.Unlock()
	if e.cancelFn == nil {
		return false
	}
	e.cancelFn()
	e.cancelFn = nil
	return true
}

func (e *Engine) preflightLoad(from, to time.Time) error {
	if from.After(to) {
		return ErrInvalidRange
	}
	if !e.source.IsAvailable() {
		return ErrNotConnected
	}
	if !e.tryAcquire() {
		return ErrAlreadyInProgress
	}
	return nil
}

func (e *Engine) preflightMore() error {
	if !e.source.IsAvailable() {
		return ErrNotConnected
	}
	if !e.tryAcquire() {
		return ErrAlreadyInProgress
	}
	e.mu.RLock()
	started := e.cur.cycleID != ""
	e.mu.RUnlock()
	if !started {
		e.release()
		return ErrNoCycle
	}
	return nil
}

func (e *Engine) tryAcquire() bool {
	select {
	case e.flight <- struct{}{}:
		e.mu.Lock()
		e.inFlight = true
		e.mu.Unlock()
		metrics.LoadInProgress.Set(1)
		return true
	default:
		return false
	}
}

func (e *Engine) release() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
	metrics.LoadInProgress.Set(0)
	<-e.flight
}

func (e *Engine) reject(mode string, from, to time.Time, err error) Outcome {
	out := Outcome{From: from, To: to}.withErr(kindFor(err), err)
	metrics.LoadsTotal.WithLabelValues(mode, string(out.Kind)).Inc()
	e.logger.Warn("load rejected", "mode", mode, "outcome", out.Kind, "err", err)
	return out
}

// runLoad and runMore own the slot and the scope opened by their caller.
func (e *Engine) runLoad(ctx context.Context, closeScope func(), from, to time.Time) Outcome {
	defer e.release()
	defer closeScope()
	start := time.Now()

	e.reset(uuid.NewString(), from, to)
	e.status("preparing")

	out := e.fetch(ctx, e.opts.PageLimit)
	return e.finish(modeLoad, start, out)
}

func (e *Engine) runMore(ctx context.Context, closeScope func()) Outcome {
	defer e.release()
	defer closeScope()
	start := time.Now()

	e.mu.RLock()
	cur := e.cur
	e.mu.RUnlock()

	if !cur.hasMore {
		out := Outcome{CycleID: cur.cycleID, From: cur.from, To: cur.to}.withErr(KindSuccess, nil)
		return e.finish(modeMore, start, out)
	}

	out := e.fetch(ctx, 1)
	return e.finish(modeMore, start, out)
}

// openScope creates the cancellation scope of a cycle call, bounded by the
// configured timeout. It runs right after the slot is acquired. Any scope
// still outstanding, including a pending regroup, is cancelled first.
func (e *Engine) openScope(parent context.Context) (context.Context, func()) {
	e.regroup.Cancel()

	ctx, cancel := context.WithTimeout(parent, e.opts.Timeout)

	e.scopeMu.Lock()
	if e.cancelFn != nil {
		e.cancelFn()
	}
	e.scopeSeq++
	seq := e.scopeSeq
	e.cancelFn = cancel
	e.scopeMu.Unlock()

	return ctx, func() {
		cancel()
		e.scopeMu.Lock()
		if e.scopeSeq == seq {
			e.cancelFn = nil
		}
		e.scopeMu.Unlock()
	}
}

// reset discards the previous cycle's data before the new one appends.
func (e *Engine) reset(cycleID string, from, to time.Time) {
	e.mu.Lock()
	e.ops = nil
	e.stats = aggregate.Compute(nil)
	e.groups = []model.OperationGroup{}
	e.gen++
	e.cur = cursor{cycleID: cycleID, from: from, to: to, nextPage: 1, hasMore: true}
	e.progress = model.Progress{}
	stats := e.stats
	e.mu.Unlock()

	metrics.CanonicalSize.Set(0)
	e.logger.Info("load cycle started", "cycle", cycleID, "from", from, "to", to)

	empty := []model.OperationGroup{}
	e.emit(func(o Observer) {
		o.OnReset(cycleID)
		o.OnStatistics(stats)
		o.OnGroups(empty)
	})
}

// fetch requests pages in order starting at the cursor, merging each one
// before asking for the next. pageLimit 0 means until exhausted.
func (e *Engine) fetch(ctx context.Context, pageLimit int) Outcome {
	e.mu.RLock()
	cur := e.cur
	e.mu.RUnlock()

	out := Outcome{CycleID: cur.cycleID, From: cur.from, To: cur.to}

	for {
		if ctx.Err() != nil {
			return e.interrupted(ctx, out)
		}

		page := cur.nextPage
		e.status(fmt.Sprintf("loading page %d", page))

		raws, err := e.source.FetchPage(ctx, cur.from, cur.to, page, e.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, out)
			}
			label := "first"
			if page > 1 {
				label = "subsequent"
			}
			metrics.SourceErrors.WithLabelValues(label).Inc()
			e.logger.Error("data source failed", "cycle", cur.cycleID, "page", page, "err", err)
			return out.withErr(KindFailed, &SourceError{Page: page, Err: err})
		}
		metrics.PagesFetched.Inc()
		out.Pages++
		hasMore := len(raws) == e.opts.PageSize

		e.status(fmt.Sprintf("processing page %d", page))
		res, err := e.normalizer.Normalize(ctx, raws, e.setProgress, func(batch []model.Operation) {
			e.commit(cur.cycleID, batch)
		})
		out.Dropped += res.Dropped
		if err != nil {
			return e.interrupted(ctx, out)
		}

		cur.nextPage = page + 1
		cur.hasMore = hasMore
		e.mu.Lock()
		e.cur.nextPage = cur.nextPage
		e.cur.hasMore = hasMore
		e.mu.Unlock()

		if !hasMore || (pageLimit > 0 && out.Pages >= pageLimit) {
			return out.withErr(KindSuccess, nil)
		}
	}
}

// interrupted closes the cursor and classifies a cancelled context.
// Data merged so far is kept.
func (e *Engine) interrupted(ctx context.Context, out Outcome) Outcome {
	e.mu.Lock()
	e.cur.hasMore = false
	e.mu.Unlock()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.withErr(KindTimedOut, ErrTimeout)
	}
	return out.withErr(KindCancelled, ErrCancelled)
}

// commit appends a normalized chunk and recomputes the statistics.
func (e *Engine) commit(cycleID string, batch []model.Operation) {
	if len(batch) == 0 {
		return
	}

	e.mu.Lock()
	e.ops = append(e.ops, batch...)
	e.stats = aggregate.Compute(e.ops)
	stats := e.stats
	n := len(e.ops)
	e.mu.Unlock()

	metrics.RecordsIngested.Add(float64(len(batch)))
	metrics.CanonicalSize.Set(float64(n))

	e.emit(func(o Observer) {
		o.OnAppend(cycleID, batch)
		o.OnStatistics(stats)
	})
}

func (e *Engine) setProgress(p model.Progress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
	e.emit(func(o Observer) { o.OnProgress(p) })
}

func (e *Engine) status(s string) {
	e.emit(func(o Observer) { o.OnStatus(s) })
}

func (e *Engine) finish(mode string, start time.Time, out Outcome) Outcome {
	e.mu.Lock()
	out.Count = len(e.ops)
	out.HasMore = e.cur.hasMore
	last := out
	e.last = &last
	ops := make([]model.Operation, len(e.ops))
	copy(ops, e.ops)
	stats := e.stats
	e.mu.Unlock()

	elapsed := time.Since(start)
	metrics.LoadsTotal.WithLabelValues(mode, string(out.Kind)).Inc()
	metrics.LoadDuration.WithLabelValues(mode).Observe(elapsed.Seconds())

	attrs := []any{
		"mode", mode,
		"cycle", out.CycleID,
		"outcome", out.Kind,
		"count", out.Count,
		"pages", out.Pages,
		"dropped", out.Dropped,
		"has_more", out.HasMore,
		"duration", elapsed.String(),
	}
	if out.Err != nil {
		e.logger.Warn("load cycle ended", append(attrs, "err", out.Err)...)
	} else {
		e.logger.Info("load cycle ended", attrs...)
	}

	e.status("done")
	result := Result{Outcome: out, Operations: ops, Statistics: stats}
	e.emit(func(o Observer) { o.OnOutcome(result) })

	e.scheduleRegroup()
	return out
}

// --- Grouping / filtering ---

// SetFilter changes the filter of the grouped view and schedules a regroup.
// The canonical list and top-level statistics are not affected.
func (e *Engine) SetFilter(f grouping.Filter) {
	e.mu.Lock()
	e.filter = f
	e.mu.Unlock()
	e.scheduleRegroup()
}

// scheduleRegroup rebuilds the grouped view after the debounce delay.
// A regroup computed against a cycle that has since been reset is discarded.
func (e *Engine) scheduleRegroup() {
	e.regroup.Schedule(func(ctx context.Context) {
		e.mu.RLock()
		gen := e.gen
		filtered := grouping.Apply(e.ops, e.filter)
		e.mu.RUnlock()

		groups := grouping.ByDay(filtered, e.opts.Location)
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		if e.gen != gen {
			e.mu.Unlock()
			return
		}
		e.groups = groups
		e.mu.Unlock()

		e.emit(func(o Observer) { o.OnGroups(groups) })
	})
}

// View computes the grouped view for f synchronously.
func (e *Engine) View(f grouping.Filter) View {
	e.mu.RLock()
	filtered := grouping.Apply(e.ops, f)
	e.mu.RUnlock()

	return View{
		Filter:     f,
		Groups:     grouping.ByDay(filtered, e.opts.Location),
		Statistics: aggregate.Compute(filtered),
	}
}

// --- Readers ---

// Operations returns a copy of the canonical list.
func (e *Engine) Operations() []model.Operation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Operation, len(e.ops))
	copy(out, e.ops)
	return out
}

// Statistics returns the statistics of the full canonical list.
func (e *Engine) Statistics() model.Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Groups returns the most recent debounced grouping under the current filter.
func (e *Engine) Groups() []model.OperationGroup {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.OperationGroup, len(e.groups))
	copy(out, e.groups)
	return out
}

// Status describes the engine's current state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Status{
		InProgress: e.inFlight,
		CycleID:    e.cur.cycleID,
		From:       e.cur.from,
		To:         e.cur.to,
		NextPage:   e.cur.nextPage,
		HasMore:    e.cur.hasMore,
		Count:      len(e.ops),
		Progress:   e.progress,
		Filter:     e.filter,
	}
	if e.last != nil {
		last := *e.last
		s.Last = &last
	}
	return s
}

func (e *Engine) emit(fn func(Observer)) {
	e.obsMu.RLock()
	if len(e.observers) == 0 {
		e.obsMu.RUnlock()
		return
	}
	list := make([]Observer, len(e.observers))
	for i, entry := range e.observers {
		list[i] = entry.obs
	}
	e.obsMu.RUnlock()

	e.opts.Dispatcher.Dispatch(func() {
		for _, o := range list {
			fn(o)
		}
	})
}
