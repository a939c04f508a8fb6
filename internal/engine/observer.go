package engine

import (
	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
)

// Observer is notified as stages start and finish. Parallel stages call it
// from several goroutines, so implementations must be safe for concurrent use.
type Observer interface {
	StageStarted(st *pipeline.Stage)
	StageFinished(st *pipeline.Stage, res *report.StageResult)
}

// PipelineObserver is optionally implemented by observers that want the
// final trace.
type PipelineObserver interface {
	PipelineFinished(trace *report.Trace)
}

// Observers fans notifications out to several observers in order.
type Observers []Observer

// StageStarted implements Observer.
func (o Observers) StageStarted(st *pipeline.Stage) {
	for _, obs := range o {
		obs.StageStarted(st)
	}
}

// StageFinished implements Observer.
func (o Observers) StageFinished(st *pipeline.Stage, res *report.StageResult) {
	for _, obs := range o {
		obs.StageFinished(st, res)
	}
}

// PipelineFinished implements PipelineObserver.
func (o Observers) PipelineFinished(trace *report.Trace) {
	for _, obs := range o {
		if po, ok := obs.(PipelineObserver); ok {
			po.PipelineFinished(trace)
		}
	}
}
