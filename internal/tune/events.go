package tune

import (
	"time"
)

// EventType classifies progress events emitted during long runs.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventEarlyStop EventType = "early_stop"
)

// Event is one typed progress notification. Consumed by the CLI or MCP
// session; the engine never blocks on subscriber handling.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Completed int       `json:"completed,omitempty"`
	Total     int       `json:"total,omitempty"`
	BestScore float64   `json:"best_score,omitempty"`
	Message   string    `json:"message,omitempty"`
	Err       string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// EventSink receives progress events. Publish must not block the engine;
// sinks that buffer should drop rather than stall.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

// Publish calls f.
func (f SinkFunc) Publish(e Event) { f(e) }

// noopSink discards events. Used when the caller passes a nil sink.
type noopSink struct{}

func (noopSink) Publish(Event) {}

// BufferedSink queues events on a channel and drops on overflow, so a
// slow consumer can never stall a run.
type BufferedSink struct {
	ch chan Event
}

// NewBufferedSink creates a sink with the given buffer size.
func NewBufferedSink(size int) *BufferedSink {
	if size < 1 {
		size = 1
	}
	return &BufferedSink{ch: make(chan Event, size)}
}

// Publish enqueues e, dropping it when the buffer is full.
func (s *BufferedSink) Publish(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// Events exposes the receive side of the buffer.
func (s *BufferedSink) Events() <-chan Event { return s.ch }

// sinkOrNoop normalizes a possibly-nil sink.
func sinkOrNoop(s EventSink) EventSink {
	if s == nil {
		return noopSink{}
	}
	return s
}

// publish stamps the event time and delivers it.
func publish(s EventSink, e Event) {
	e.Time = time.Now().UTC()
	s.Publish(e)
}
