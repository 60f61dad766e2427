package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/operations-engine/internal/events"
	"github.com/atmx/operations-engine/internal/ingest"
	"github.com/atmx/operations-engine/internal/model"
	"github.com/atmx/operations-engine/internal/store"
)

const (
	persistTimeout = 5 * time.Second
	persistQueue   = 64
)

// Recorder is the engine observer of the service. It forwards every
// notification to WebSocket clients and, when a call ends, queues a
// snapshot save and a cycle event for Run, keeping slow storage off the
// notification path.
type Recorder struct {
	hub       *WSHub
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	jobs      chan persistJob
}

type persistJob struct {
	res ingest.Result
	at  time.Time
}

// NewRecorder creates a recorder. Any of hub, st and pub may be nil.
func NewRecorder(hub *WSHub, st store.Store, pub events.Publisher, logger *slog.Logger) *Recorder {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		hub:       hub,
		store:     st,
		publisher: pub,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(chan persistJob, persistQueue),
	}
}

// Run persists queued outcomes in order until ctx is done, then flushes
// the queue.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case job := <-r.jobs:
			r.persist(job)
		case <-ctx.Done():
			r.Flush()
			return
		}
	}
}

// Flush persists every queued outcome and returns when the queue is empty.
func (r *Recorder) Flush() {
	for {
		select {
		case job := <-r.jobs:
			r.persist(job)
		default:
			return
		}
	}
}

var _ ingest.Observer = (*Recorder)(nil)

func (r *Recorder) OnReset(cycleID string) {
	r.push(WSMessage{Type: "reset", CycleID: cycleID})
}

func (r *Recorder) OnAppend(cycleID string, batch []model.Operation) {
	r.push(WSMessage{Type: "append", CycleID: cycleID, Data: batch})
}

func (r *Recorder) OnProgress(p model.Progress) {
	r.push(WSMessage{Type: "progress", Data: p})
}

func (r *Recorder) OnStatus(status string) {
	r.push(WSMessage{Type: "status", Data: status})
}

func (r *Recorder) OnStatistics(stats model.Statistics) {
	r.push(WSMessage{Type: "statistics", Data: stats})
}

func (r *Recorder) OnGroups(groups []model.OperationGroup) {
	r.push(WSMessage{Type: "groups", Data: groups})
}

// OnConnection forwards connection state changes.
func (r *Recorder) OnConnection(connected bool) {
	r.push(WSMessage{Type: "connection", Data: map[string]bool{"connected": connected}})
}

func (r *Recorder) OnOutcome(res ingest.Result) {
	out := res.Outcome
	r.push(WSMessage{Type: "outcome", CycleID: out.CycleID, Data: out})

	if out.CycleID == "" {
		return
	}
	select {
	case r.jobs <- persistJob{res: res, at: r.now()}:
	default:
		r.logger.Error("persist queue full, dropping cycle record", "cycle", out.CycleID)
	}
}

func (r *Recorder) persist(job persistJob) {
	out, now := job.res.Outcome, job.at

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if r.store != nil {
		snap := &model.Snapshot{
			ID:         out.CycleID,
			From:       out.From,
			To:         out.To,
			Outcome:    string(out.Kind),
			Error:      out.Error,
			Statistics: job.res.Statistics,
			Operations: job.res.Operations,
			CreatedAt:  now,
		}
		if err := r.store.SaveSnapshot(ctx, snap); err != nil {
			r.logger.Error("failed to save snapshot", "cycle", out.CycleID, "err", err)
		}
	}

	ev := events.CycleEvent{
		Type:       events.TypeCycleFinished,
		CycleID:    out.CycleID,
		Outcome:    string(out.Kind),
		Error:      out.Error,
		From:       out.From,
		To:         out.To,
		Pages:      out.Pages,
		Dropped:    out.Dropped,
		HasMore:    out.HasMore,
		Statistics: job.res.Statistics,
		OccurredAt: now,
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Error("failed to publish cycle event", "cycle", out.CycleID, "err", err)
	}
}

func (r *Recorder) push(msg WSMessage) {
	if r.hub != nil {
		r.hub.Broadcast(msg)
	}
}
