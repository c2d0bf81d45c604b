package session

import (
	"sync"

	"turndetect-automation/detector"
	"turndetect-automation/storage"
)

// Outcome is how a job left the pipeline.
type Outcome struct {
	Status       storage.JobStatus
	SubmissionID string
	Reason       string
	Snapshot     *detector.StatusSnapshot
	Reports      storage.ReportURLs
}

// ActiveJob is a job bound to the browser together with its completion future.
type ActiveJob struct {
	Job       storage.Job
	LocalPath string
	RunID     string

	claimed bool // guarded by Session.mu

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newActiveJob(job storage.Job, localPath, runID string) *ActiveJob {
	return &ActiveJob{Job: job, LocalPath: localPath, RunID: runID, done: make(chan struct{})}
}

// Finish resolves the job's future. Only the first call has an effect.
func (a *ActiveJob) Finish(o Outcome) bool {
	first := false
	a.once.Do(func() {
		a.outcome = o
		close(a.done)
		first = true
	})
	return first
}

// Done is closed once the job reached an outcome.
func (a *ActiveJob) Done() <-chan struct{} {
	return a.done
}

// Outcome returns the result; valid after Done is closed.
func (a *ActiveJob) Outcome() Outcome {
	<-a.done
	return a.outcome
}
