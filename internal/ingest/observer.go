package ingest

import "github.com/atmx/operations-engine/internal/model"

// Result is delivered once per cycle call that passed pre-flight.
// Operations and Statistics are copies taken when the call ended.
type Result struct {
	Outcome    Outcome
	Operations []model.Operation
	Statistics model.Statistics
}

// Observer receives engine notifications on the engine's dispatcher.
type Observer interface {
	OnReset(cycleID string)
	OnAppend(cycleID string, batch []model.Operation)
	OnProgress(p model.Progress)
	OnStatus(status string)
	OnStatistics(stats model.Statistics)
	OnGroups(groups []model.OperationGroup)
	OnOutcome(r Result)
}

// BaseObserver implements Observer with no-ops; embed it to handle a subset.
type BaseObserver struct{}

func (BaseObserver) OnReset(string)                     {}
func (BaseObserver) OnAppend(string, []model.Operation) {}
func (BaseObserver) OnProgress(model.Progress)          {}
func (BaseObserver) OnStatus(string)                    {}
func (BaseObserver) OnStatistics(model.Statistics)      {}
func (BaseObserver) OnGroups([]model.OperationGroup)    {}
func (BaseObserver) OnOutcome(Result)                   {}
