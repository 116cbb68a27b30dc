package orchestrator

import (
	"context"

	"github.com/aixgo-dev/agentrelay/internal/capability"
)

// EventType names a progress notification.
type EventType string

const (
	EventIterationStart EventType = "iteration_start"
	EventProviderStart  EventType = "provider_start"
	EventProviderEnd    EventType = "provider_end"
	EventActionStart    EventType = "action_start"
	EventActionEnd      EventType = "action_end"
	EventIterationEnd   EventType = "iteration_end"
	EventSummarizing    EventType = "summarizing"
	EventDone           EventType = "done"
)

// Event is a progress notification emitted during a run.
//
// Start and end events of the same provider or action execution share an
// ExecutionID.
type Event struct {
	Type        EventType
	State       State
	Iteration   int
	Name        string
	ExecutionID string
	Thought     string

	// Result is set on provider_end and action_end.
	Result *capability.Result
}

// Observer receives events synchronously on the run goroutine. Panics are
// recovered and logged.
type Observer func(ctx context.Context, ev Event)
