// Package notify tells job owners and downstream consumers how their
// submissions went.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"turndetect-automation/detector"
	"turndetect-automation/storage"
)

// ErrNoRecipient is returned when the owner cannot be reached on a channel.
var ErrNoRecipient = errors.New("owner has no reachable recipient")

// Notifier delivers job lifecycle notifications. Owner may be nil when the
// job has no resolvable owner.
type Notifier interface {
	NotifyProcessingStarted(ctx context.Context, owner *storage.Owner, job storage.Job) error
	NotifyCompleted(ctx context.Context, owner *storage.Owner, job storage.Job, snap *detector.StatusSnapshot, reports storage.ReportURLs) error
	NotifyFailed(ctx context.Context, owner *storage.Owner, job storage.Job, reason string) error
}

// Multi fans a notification out to every notifier. A failing notifier does
// not stop the rest; all errors are joined.
type Multi []Notifier

func (m Multi) NotifyProcessingStarted(ctx context.Context, owner *storage.Owner, job storage.Job) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyProcessingStarted(ctx, owner, job))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyCompleted(ctx context.Context, owner *storage.Owner, job storage.Job, snap *detector.StatusSnapshot, reports storage.ReportURLs) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyCompleted(ctx, owner, job, snap, reports))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyFailed(ctx context.Context, owner *storage.Owner, job storage.Job, reason string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyFailed(ctx, owner, job, reason))
	}
	return errors.Join(errs...)
}

// Log writes notifications to the application log only.
type Log struct {
	logger *logrus.Logger
}

func NewLog(logger *logrus.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) entry(owner *storage.Owner, job storage.Job) *logrus.Entry {
	fields := logrus.Fields{
		"job_id":    job.ID,
		"file_name": job.FileName,
	}
	if owner != nil {
		fields["owner"] = owner.DisplayName()
	}
	return l.logger.WithFields(fields)
}

func (l *Log) NotifyProcessingStarted(_ context.Context, owner *storage.Owner, job storage.Job) error {
	l.entry(owner, job).Info("Job processing started")
	return nil
}

func (l *Log) NotifyCompleted(_ context.Context, owner *storage.Owner, job storage.Job, snap *detector.StatusSnapshot, reports storage.ReportURLs) error {
	e := l.entry(owner, job).WithFields(logrus.Fields{
		"submission_id":  job.SubmissionID,
		"similarity_url": reports.Similarity,
		"ai_url":         reports.AI,
	})
	if snap != nil {
		if snap.OverallMatchPercentage != nil {
			e = e.WithField("similarity", *snap.OverallMatchPercentage)
		}
		if snap.AIMatchPercentage != nil {
			e = e.WithField("ai", *snap.AIMatchPercentage)
		}
	}
	e.Info("Job completed")
	return nil
}

func (l *Log) NotifyFailed(_ context.Context, owner *storage.Owner, job storage.Job, reason string) error {
	l.entry(owner, job).WithField("reason", reason).Warn("Job failed")
	return nil
}
