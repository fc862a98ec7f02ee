// Package progress provides the progress-reporting abstraction for import and
// export jobs.
//
// Pipelines report through an injected Sink owned by the caller; there is no
// ambient global job state. The caller decides where events go: the in-memory
// Tracker for HTTP polling, a Kafka topic for external consumers, a log, or
// nothing.
package progress

// Event is one progress checkpoint emitted by a pipeline phase.
type Event struct {
	Phase      string `json:"phase"`
	Step       int    `json:"step,omitempty"`
	StepName   string `json:"stepName,omitempty"`
	TotalSteps int    `json:"totalSteps,omitempty"`
	Processed  int64  `json:"processed,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Sink receives progress events. Implementations must be safe for use from a
// single pipeline goroutine; they are not required to be safe for concurrent
// reporters.
type Sink interface {
	Report(event Event)
}

// Nop discards all events.
type Nop struct{}

// Report implements Sink.
func (Nop) Report(Event) {}

// Func adapts a function to the Sink interface.
type Func func(event Event)

// Report implements Sink.
func (f Func) Report(event Event) {
	f(event)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(event Event) {
	for _, s := range m {
		s.Report(event)
	}
}

// Compile-time interface assertions.
var (
	_ Sink = Nop{}
	_ Sink = Func(nil)
	_ Sink = Multi(nil)
)
