package pipeline

import (
	"sync"
	"time"
)

// EventType distinguishes stage events.
type EventType string

const (
	// EventStageStarted is emitted before a stage's agent runs.
	EventStageStarted EventType = "stage_started"
	// EventStageCompleted is emitted with the stage's artifact.
	EventStageCompleted EventType = "stage_completed"
)

// Event is one progress notification of a run.
type Event struct {
	Type     EventType     `json:"type"`
	RunID    string        `json:"run_id"`
	Stage    State         `json:"stage"`
	Label    string        `json:"label"`
	Artifact string        `json:"artifact,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Time     time.Time     `json:"time"`
}

// Sink receives a run's events in order, on the run's goroutine.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Emit calls f.
func (f SinkFunc) Emit(ev Event) {
	f(ev)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

// Emit delivers ev to every non-nil sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
