package types

import "time"

type EventType string

const (
	EventCycleApplied   EventType = "CycleApplied"
	EventCycleUnchanged EventType = "CycleUnchanged"
	EventCycleSkipped   EventType = "CycleSkipped"
	EventCycleFailed    EventType = "CycleFailed"
)

// Event describes the outcome of one reconcile cycle.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"ts"`
	Reason    string        `json:"reason,omitempty"`
	Members   int           `json:"members"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
}
