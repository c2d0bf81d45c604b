// Package queue feeds queued jobs through the browser one at a time.
package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"turndetect-automation/objectstore"
	"turndetect-automation/pipeline"
	"turndetect-automation/session"
	"turndetect-automation/storage"
)

// Failure reasons owned by the loop.
const (
	ReasonChallengeMissing = "Upload dialog challenge was not received"
	ReasonUnexpected       = "Unexpected worker error"
	ReasonRestarted        = "Worker restarted while job was in flight"
)

// shutdownGrace bounds the wait for an in-progress upload once the loop stops.
const shutdownGrace = 30 * time.Second

// Tracker is the job store as seen by the loop.
type Tracker interface {
	HasJobCurrentlyProcessing(ctx context.Context) (bool, error)
	FetchNextQueuedJob(ctx context.Context) (*storage.Job, error)
	FetchInFlightJobs(ctx context.Context) ([]storage.Job, error)
}

// Limiter paces submissions.
type Limiter interface {
	Check() error
	Record()
	GetStats() map[string]interface{}
}

// Uploader starts uploads and fails jobs.
type Uploader interface {
	BeginUpload(ctx context.Context, active *session.ActiveJob) error
	Fail(ctx context.Context, job storage.Job, reason string) session.Outcome
}

// Navigator returns the browser to a page.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Config holds the loop settings.
type Config struct {
	PollInterval       time.Duration
	ChallengeWait      time.Duration
	TempDir            string
	DashboardURL       string
	RecoverInterrupted bool
}

// Loop is the job queue loop.
type Loop struct {
	cfg      Config
	session  *session.Session
	tracker  Tracker
	store    objectstore.Store
	limiter  Limiter
	uploader Uploader
	page     Navigator
	logger   *logrus.Logger
}

// NewLoop creates the queue loop.
func NewLoop(cfg Config, sess *session.Session, tracker Tracker, store objectstore.Store, limiter Limiter, uploader Uploader, page Navigator, logger *logrus.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		session:  sess,
		tracker:  tracker,
		store:    store,
		limiter:  limiter,
		uploader: uploader,
		page:     page,
		logger:   logger,
	}
}

// Run processes jobs until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	if err := os.MkdirAll(l.cfg.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	if l.cfg.RecoverInterrupted {
		l.recoverInterrupted(ctx)
	}

	l.logger.WithField("poll_interval", l.cfg.PollInterval).Info("Job queue loop started")
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if l.runOnce(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			l.logger.Info("Job queue loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) recoverInterrupted(ctx context.Context) {
	jobs, err := l.tracker.FetchInFlightJobs(ctx)
	if err != nil {
		l.logger.WithError(err).Warn("Failed to look up interrupted jobs")
		return
	}
	for _, job := range jobs {
		if !job.Status.InFlight() {
			continue
		}
		l.logger.WithField("job_id", job.ID).Warn("Failing job interrupted by a restart")
		l.uploader.Fail(ctx, job, ReasonRestarted)
	}
}

// runOnce handles at most one job and reports whether it did.
func (l *Loop) runOnce(ctx context.Context) (processed bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic in job queue loop")
			processed = false
		}
	}()

	if ctx.Err() != nil {
		return false
	}
	job := l.next(ctx)
	if job == nil {
		return false
	}
	l.process(ctx, *job)
	return true
}

func (l *Loop) next(ctx context.Context) *storage.Job {
	busy, err := l.tracker.HasJobCurrentlyProcessing(ctx)
	if err != nil {
		l.logger.WithError(err).Warn("Failed to check for jobs in progress")
		return nil
	}
	if busy {
		l.logger.Debug("A job is already being processed, waiting")
		return nil
	}
	if err := l.limiter.Check(); err != nil {
		l.logger.WithError(err).WithFields(l.limiter.GetStats()).Debug("Submission limit reached, waiting")
		return nil
	}

	job, err := l.tracker.FetchNextQueuedJob(ctx)
	if err != nil {
		l.logger.WithError(err).Warn("Failed to fetch next job")
		return nil
	}
	return job
}

func (l *Loop) process(ctx context.Context, job storage.Job) {
	log := l.logger.WithFields(logrus.Fields{"job_id": job.ID, "file_name": job.FileName})
	log.Info("Processing job")

	localPath, err := l.download(ctx, job)
	if err != nil {
		log.WithError(err).Warn("Failed to download source file")
		l.uploader.Fail(ctx, job, fmt.Sprintf("Failed to download file: %v", err))
		return
	}
	defer os.Remove(localPath)

	active, err := l.session.Bind(job, localPath, uuid.NewString())
	if err != nil {
		l.uploader.Fail(ctx, job, ReasonUnexpected)
		return
	}
	defer l.release(ctx, active)

	l.limiter.Record()

	if err := l.uploader.BeginUpload(ctx, active); err != nil {
		log.WithError(err).Warn("Upload could not be started")
		l.session.AbandonUpload(active)
		active.Finish(session.Outcome{Status: storage.StatusFailed, Reason: err.Error()})
		l.session.Transition(session.StageDashboard)
		return
	}

	l.await(ctx, active)
}

// await blocks until the job reached an outcome. If the dialog's challenge
// never arrives, the loop claims and fails the job itself.
func (l *Loop) await(ctx context.Context, active *session.ActiveJob) {
	timer := time.NewTimer(l.cfg.ChallengeWait)
	defer timer.Stop()

	select {
	case <-active.Done():
		return
	case <-timer.C:
		if l.session.AbandonUpload(active) {
			active.Finish(l.uploader.Fail(ctx, active.Job, ReasonChallengeMissing))
			l.session.Transition(session.StageDashboard)
			return
		}
		l.logger.WithField("job_id", active.Job.ID).Debug("Upload in progress, waiting for completion")
	case <-ctx.Done():
		if l.session.AbandonUpload(active) {
			active.Finish(l.uploader.Fail(context.WithoutCancel(ctx), active.Job, pipeline.ReasonShutdown))
			return
		}
	}

	select {
	case <-active.Done():
	case <-ctx.Done():
		grace := time.NewTimer(shutdownGrace)
		defer grace.Stop()
		select {
		case <-active.Done():
		case <-grace.C:
			l.logger.WithField("job_id", active.Job.ID).Warn("Upload did not stop in time")
		}
	}
}

// release runs after every bound job, including one that panicked.
func (l *Loop) release(ctx context.Context, active *session.ActiveJob) {
	if r := recover(); r != nil {
		l.logger.WithFields(logrus.Fields{
			"job_id": active.Job.ID,
			"panic":  r,
			"stack":  string(debug.Stack()),
		}).Error("Recovered from panic while processing job")
		if l.session.AbandonUpload(active) {
			active.Finish(l.uploader.Fail(context.WithoutCancel(ctx), active.Job, ReasonUnexpected))
		}
	}

	if ctx.Err() == nil {
		if err := l.page.Navigate(ctx, l.cfg.DashboardURL); err != nil {
			l.logger.WithError(err).Warn("Failed to return to dashboard")
		}
	}
	l.session.Release(active)

	select {
	case <-active.Done():
		o := active.Outcome()
		log := l.logger.WithFields(logrus.Fields{
			"job_id":        active.Job.ID,
			"status":        o.Status,
			"submission_id": o.SubmissionID,
			"reason":        o.Reason,
		})
		if !o.Status.Terminal() {
			log.Warn("Job finished without a terminal status")
			return
		}
		log.Info("Job finished")
	default:
	}
}

func (l *Loop) download(ctx context.Context, job storage.Job) (string, error) {
	data, err := l.store.Download(ctx, job.FilePath)
	if err != nil {
		return "", err
	}

	name := filepath.Base(job.FileName)
	if name == "." || name == string(filepath.Separator) {
		name = "document"
	}
	if filepath.Ext(name) == "" {
		name += mimetype.Detect(data).Extension()
	}

	localPath := filepath.Join(l.cfg.TempDir, job.ID+"-"+name)
	if err := os.WriteFile(localPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return localPath, nil
}
