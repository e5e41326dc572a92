package engine

import (
	"github.com/ppiankov/autoremedy/internal/escalation"
	"github.com/ppiankov/autoremedy/internal/model"
	"github.com/ppiankov/autoremedy/internal/pipeline"
)

// Observer receives everything the engine reports: action attempts and
// executions from the pipeline, event outcomes, queue depth and
// escalation lifecycle changes.
type Observer interface {
	pipeline.Observer
	ObserveEvent(ev *model.AlertEvent)
	ObserveQueue(depth int)
	ObserveEscalation(change escalation.Change, esc *model.EscalationExecution)
}

// observers fans out to every registered Observer.
type observers []Observer

func (o observers) ObserveAttempt(action model.ActionType, err error) {
	for _, ob := range o {
		ob.ObserveAttempt(action, err)
	}
}

func (o observers) ObserveExecution(exec *model.MappingExecution) {
	for _, ob := range o {
		ob.ObserveExecution(exec)
	}
}

func (o observers) ObserveEvent(ev *model.AlertEvent) {
	for _, ob := range o {
		ob.ObserveEvent(ev)
	}
}

func (o observers) ObserveQueue(depth int) {
	for _, ob := range o {
		ob.ObserveQueue(depth)
	}
}

func (o observers) ObserveEscalation(change escalation.Change, esc *model.EscalationExecution) {
	for _, ob := range o {
		ob.ObserveEscalation(change, esc)
	}
}

var _ Observer = observers(nil)
