// Package pipeline moves one bound job through the upload dialog and waits
// for the detection service's verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"turndetect-automation/detector"
	"turndetect-automation/dom"
	"turndetect-automation/notify"
	"turndetect-automation/session"
	"turndetect-automation/stealth"
	"turndetect-automation/storage"
)

const (
	uploadButtonSelector = ".tutorial-upload-button"
	fileInputSelector    = `input[type="file"]`
)

// Failure reasons recorded on the job and sent to its owner.
const (
	ReasonUploadButton    = "Upload button not found on dashboard"
	ReasonFileInput       = "File input not found on page"
	ReasonSubmitButton    = "Modal upload button not found"
	ReasonUploadTimeout   = "Upload API response timeout"
	ReasonShutdown        = "Worker stopped before the upload finished"
	NoteProcessingTimeout = "Upload succeeded but processing status timeout"
)

// Page is the browser surface the pipeline needs.
type Page interface {
	Click(ctx context.Context, selector string, timeout time.Duration) error
	SetFiles(ctx context.Context, selector string, paths []string) error
	ClickButton(ctx context.Context, sig dom.ButtonSignature) (bool, error)
}

// Tracker is the job store as seen by the pipeline.
type Tracker interface {
	UpdateJobStatus(ctx context.Context, id string, status storage.JobStatus, extra storage.StatusExtra) error
	FetchJobWithOwner(ctx context.Context, id string) (*storage.JobWithOwner, error)
}

// ReportFetcher copies a finished submission's reports.
type ReportFetcher interface {
	Fetch(ctx context.Context, submissionID string) storage.ReportURLs
}

// Config holds the pipeline waits.
type Config struct {
	UploadButtonWait  time.Duration
	ModalSettle       time.Duration
	FileSettle        time.Duration
	MaxUploadWait     time.Duration
	MaxProcessingWait time.Duration
}

// Pipeline runs the upload steps of a job.
type Pipeline struct {
	cfg      Config
	session  *session.Session
	page     Page
	tracker  Tracker
	reports  ReportFetcher
	notifier notify.Notifier
	logger   *logrus.Logger
}

// New creates a pipeline.
func New(cfg Config, sess *session.Session, page Page, tracker Tracker, reports ReportFetcher, notifier notify.Notifier, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		session:  sess,
		page:     page,
		tracker:  tracker,
		reports:  reports,
		notifier: notifier,
		logger:   logger,
	}
}

// BeginUpload marks the job as processing and opens the upload dialog. The
// rest happens in CompleteUpload once the dialog's challenge is solved. An
// error means the job was already failed.
func (p *Pipeline) BeginUpload(ctx context.Context, active *session.ActiveJob) error {
	job := active.Job
	log := p.jobLogger(active)

	if err := p.tracker.UpdateJobStatus(ctx, job.ID, storage.StatusProcessing, storage.StatusExtra{}); err != nil {
		log.WithError(err).Warn("Failed to mark job as processing")
	}

	owner := p.owner(ctx, job.ID)
	if err := p.notifier.NotifyProcessingStarted(ctx, owner, job); err != nil {
		log.WithError(err).Warn("Failed to send processing notification")
	}

	if err := p.page.Click(ctx, uploadButtonSelector, p.cfg.UploadButtonWait); err != nil {
		p.Fail(ctx, job, ReasonUploadButton)
		return fmt.Errorf("failed to open upload dialog: %w", err)
	}

	// The dialog's challenge can render while the modal animates in.
	p.session.Transition(session.StageUploadModal)

	if err := stealth.Pause(ctx, p.cfg.ModalSettle); err != nil {
		p.Fail(context.WithoutCancel(ctx), job, ReasonShutdown)
		return err
	}

	log.Info("Upload dialog opened, waiting for its challenge")
	return nil
}

// CompleteUpload attaches the file, submits it and waits for the upload and
// processing results. It always reaches an outcome.
func (p *Pipeline) CompleteUpload(ctx context.Context, active *session.ActiveJob) session.Outcome {
	job := active.Job
	log := p.jobLogger(active)
	sub := p.session.ResetSubmission()

	if err := p.page.SetFiles(ctx, fileInputSelector, []string{active.LocalPath}); err != nil {
		log.WithError(err).Warn("Failed to attach file")
		return p.Fail(ctx, job, ReasonFileInput)
	}
	if err := stealth.Pause(ctx, p.cfg.FileSettle); err != nil {
		return p.Fail(context.WithoutCancel(ctx), job, ReasonShutdown)
	}

	clicked, err := p.page.ClickButton(ctx, dom.UploadSubmitButton)
	if err != nil || !clicked {
		log.WithError(err).Warn("Failed to submit upload dialog")
		return p.Fail(ctx, job, ReasonSubmitButton)
	}
	log.Info("File submitted, waiting for upload response")

	submissionID, err := sub.WaitUploaded(ctx, p.cfg.MaxUploadWait)
	if err != nil {
		if errors.Is(err, session.ErrWaitTimeout) {
			return p.Fail(ctx, job, ReasonUploadTimeout)
		}
		return p.Fail(context.WithoutCancel(ctx), job, ReasonShutdown)
	}

	job.SubmissionID = submissionID
	log = log.WithField("submission_id", submissionID)
	log.WithField("response", string(sub.UploadResponse())).Debug("Upload response captured")
	if err := p.tracker.UpdateJobStatus(ctx, job.ID, storage.StatusUploading, storage.StatusExtra{SubmissionID: submissionID}); err != nil {
		log.WithError(err).Warn("Failed to mark job as uploading")
	}
	log.Info("Upload accepted, waiting for processing")

	snap, err := sub.WaitTerminal(ctx, p.cfg.MaxProcessingWait)
	switch {
	case errors.Is(err, session.ErrWaitTimeout):
		if last := sub.Latest(); last != nil {
			log = log.WithField("last_status", last.Status)
		}
		return p.processingTimedOut(ctx, job, log)
	case err != nil:
		return p.Fail(context.WithoutCancel(ctx), job, ReasonShutdown)
	case snap.Failed():
		return p.Fail(ctx, job, snap.FailureReason())
	default:
		return p.completed(ctx, job, snap, log)
	}
}

func (p *Pipeline) completed(ctx context.Context, job storage.Job, snap *detector.StatusSnapshot, log *logrus.Entry) session.Outcome {
	reports := p.reports.Fetch(ctx, job.SubmissionID)

	if err := p.tracker.UpdateJobStatus(ctx, job.ID, storage.StatusCompleted, storage.StatusExtra{SubmissionID: job.SubmissionID}); err != nil {
		log.WithError(err).Warn("Failed to mark job as completed")
	}

	owner := p.owner(ctx, job.ID)
	if err := p.notifier.NotifyCompleted(ctx, owner, job, snap, reports); err != nil {
		log.WithError(err).Warn("Failed to send completion notification")
	}

	log.Info("Job completed")
	return session.Outcome{
		Status:       storage.StatusCompleted,
		SubmissionID: job.SubmissionID,
		Snapshot:     snap,
		Reports:      reports,
	}
}

func (p *Pipeline) processingTimedOut(ctx context.Context, job storage.Job, log *logrus.Entry) session.Outcome {
	extra := storage.StatusExtra{SubmissionID: job.SubmissionID, Note: NoteProcessingTimeout}
	if err := p.tracker.UpdateJobStatus(ctx, job.ID, storage.StatusUploaded, extra); err != nil {
		log.WithError(err).Warn("Failed to record processing timeout")
	}
	log.Warn("Processing did not finish in time, leaving job as uploaded")
	return session.Outcome{
		Status:       storage.StatusUploaded,
		SubmissionID: job.SubmissionID,
		Reason:       NoteProcessingTimeout,
	}
}

// Fail marks the job as failed and tells its owner. Every failure path goes
// through here so the owner hears about it exactly once.
func (p *Pipeline) Fail(ctx context.Context, job storage.Job, reason string) session.Outcome {
	log := p.logger.WithFields(logrus.Fields{"job_id": job.ID, "reason": reason})
	log.Warn("Job failed")

	if err := p.tracker.UpdateJobStatus(ctx, job.ID, storage.StatusFailed, storage.StatusExtra{Note: reason}); err != nil {
		log.WithError(err).Error("Failed to mark job as failed")
	}

	owner := p.owner(ctx, job.ID)
	if err := p.notifier.NotifyFailed(ctx, owner, job, reason); err != nil {
		log.WithError(err).Warn("Failed to send failure notification")
	}

	return session.Outcome{
		Status:       storage.StatusFailed,
		SubmissionID: job.SubmissionID,
		Reason:       reason,
	}
}

func (p *Pipeline) owner(ctx context.Context, jobID string) *storage.Owner {
	jw, err := p.tracker.FetchJobWithOwner(ctx, jobID)
	if err != nil {
		p.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to resolve job owner")
		return nil
	}
	return jw.Owner
}

func (p *Pipeline) jobLogger(active *session.ActiveJob) *logrus.Entry {
	return p.logger.WithFields(logrus.Fields{
		"job_id":    active.Job.ID,
		"file_name": active.Job.FileName,
		"run_id":    active.RunID,
	})
}
