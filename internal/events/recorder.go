package events

import "github.com/pingsantohq/hostsync/pkg/types"

// Recorder receives reconcile cycle events.
type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(types.Event)

func (f RecorderFunc) Record(event types.Event) { f(event) }

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}
