package progress

import (
	"golang.org/x/time/rate"

	"github.com/bminty/bminty/internal/config"
)

const defaultEventsPerSecond = 4

// Throttled wraps a sink with a token bucket so the chunk loop cannot flood
// downstream consumers (a Kafka topic, a polling map) with per-chunk events.
//
// Phase transitions always pass: the contract requires at least one event per
// phase, so only repeat events within the same phase are subject to the
// limiter.
type Throttled struct {
	next      Sink
	limiter   *rate.Limiter
	lastPhase string
}

// NewThrottled creates a throttled sink with the given sustained event rate.
// A rate of zero falls back to the PROGRESS_EVENTS_PER_SEC environment value.
func NewThrottled(next Sink, eventsPerSecond int) *Throttled {
	if eventsPerSecond <= 0 {
		eventsPerSecond = config.GetEnvInt("PROGRESS_EVENTS_PER_SEC", defaultEventsPerSecond)
	}

	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), eventsPerSecond),
	}
}

// Report implements Sink. Events are dropped, not queued, when over rate;
// a lost repeat event only delays the next status update.
func (t *Throttled) Report(event Event) {
	if event.Phase != t.lastPhase {
		t.lastPhase = event.Phase
		t.next.Report(event)

		return
	}

	if t.limiter.Allow() {
		t.next.Report(event)
	}
}

var _ Sink = (*Throttled)(nil)
