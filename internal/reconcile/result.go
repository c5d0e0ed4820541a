package reconcile

import (
	"time"

	"github.com/pingsantohq/hostsync/pkg/types"
)

// Outcome classifies a reconcile cycle.
type Outcome int

const (
	// OutcomeApplied means membership changed and the hosts file was rewritten.
	OutcomeApplied Outcome = iota + 1
	// OutcomeUnchanged means membership matched the applied snapshot; no I/O.
	OutcomeUnchanged
	// OutcomeSkipped means the cycle failed and state was left untouched.
	OutcomeSkipped
	// OutcomeFatal stops the loop.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Reason explains why a cycle was skipped or failed.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonDiscoveryUnavailable Reason = "discovery_unavailable"
	ReasonMalformedIdentifier  Reason = "malformed_identifier"
	ReasonDuplicateAlias       Reason = "duplicate_alias"
	ReasonInvalidMember        Reason = "invalid_member"
	ReasonWriteFailed          Reason = "write_failed"
	ReasonPanic                Reason = "panic"
)

// Result is the structured outcome of RunCycle.
type Result struct {
	Outcome  Outcome
	Reason   Reason
	Err      error
	Members  int
	Started  time.Time
	Duration time.Duration
}

// Event converts the result into the event delivered to recorders.
func (r Result) Event() types.Event {
	ev := types.Event{
		Timestamp: r.Started,
		Reason:    string(r.Reason),
		Members:   r.Members,
		Duration:  r.Duration,
	}
	switch r.Outcome {
	case OutcomeApplied:
		ev.Type = types.EventCycleApplied
	case OutcomeUnchanged:
		ev.Type = types.EventCycleUnchanged
	case OutcomeSkipped:
		ev.Type = types.EventCycleSkipped
	default:
		ev.Type = types.EventCycleFailed
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	return ev
}
