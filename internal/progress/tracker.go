package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const gcInterval = time.Minute

// Status is the poll-visible state of one job. Losing it on restart loses
// only progress visibility, never correctness: the underlying import is
// transactional.
type Status struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Phase      string    `json:"phase,omitempty"`
	Step       int       `json:"step,omitempty"`
	StepName   string    `json:"stepName,omitempty"`
	TotalSteps int       `json:"totalSteps,omitempty"`
	Processed  int64     `json:"processed,omitempty"`
	Message    string    `json:"message,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Tracker is a process-wide, job-keyed progress store. Finished entries are
// garbage-collected after the retention window.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*Status
	retention time.Duration
	gcStop    chan struct{} // Signal to stop gc goroutine
	gcDone    chan struct{} // Signal gc has stopped
	closeOnce sync.Once
	now       func() time.Time
}

// NewTracker creates a tracker whose finished jobs are retained for the given
// window after completion. The GC goroutine starts immediately and stops on
// Close().
func NewTracker(retention time.Duration) *Tracker {
	t := &Tracker{
		jobs:      make(map[string]*Status),
		retention: retention,
		gcStop:    make(chan struct{}),
		gcDone:    make(chan struct{}),
		now:       time.Now,
	}

	go t.gcLoop()

	return t
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Start registers a running job and returns the Sink the pipeline reports to.
func (t *Tracker) Start(jobID string) Sink {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobs[jobID] = &Status{
		JobID:     jobID,
		Status:    StatusRunning,
		UpdatedAt: t.now(),
	}

	return &jobSink{tracker: t, jobID: jobID}
}

// Get returns the current status of a job.
func (t *Tracker) Get(jobID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.jobs[jobID]
	if !ok {
		return Status{}, false
	}

	return *s, true
}

// Complete marks a job as completed and records its result.
func (t *Tracker) Complete(jobID string, result any) {
	t.finish(jobID, StatusCompleted, result, "")
}

// Fail marks a job as failed and records the error message.
func (t *Tracker) Fail(jobID string, errMsg string) {
	t.finish(jobID, StatusFailed, nil, errMsg)
}

// Close stops the GC goroutine. Safe to call multiple times.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.gcStop)
		<-t.gcDone
	})
}

func (t *Tracker) finish(jobID, status string, result any, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.jobs[jobID]
	if !ok {
		return
	}

	s.Status = status
	s.Result = result
	s.Error = errMsg
	s.UpdatedAt = t.now()
	s.FinishedAt = t.now()
}

func (t *Tracker) report(jobID string, event Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.jobs[jobID]
	if !ok {
		return
	}

	s.Phase = event.Phase
	s.Message = event.Message
	s.UpdatedAt = t.now()

	if event.Step > 0 {
		s.Step = event.Step
		s.StepName = event.StepName
		s.TotalSteps = event.TotalSteps
	}

	if event.Processed > 0 {
		s.Processed = event.Processed
	}
}

func (t *Tracker) gcLoop() {
	defer close(t.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.gcStop:
			return
		case <-ticker.C:
			t.collect()
		}
	}
}

func (t *Tracker) collect() {
	cutoff := t.now().Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, s := range t.jobs {
		if s.Status != StatusRunning && s.FinishedAt.Before(cutoff) {
			delete(t.jobs, id)
		}
	}
}

// jobSink routes pipeline events into the tracker entry for one job.
type jobSink struct {
	tracker *Tracker
	jobID   string
}

// Report implements Sink.
func (j *jobSink) Report(event Event) {
	j.tracker.report(j.jobID, event)
}

var _ Sink = (*jobSink)(nil)
