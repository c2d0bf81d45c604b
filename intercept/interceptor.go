package intercept

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"turndetect-automation/detector"
	"turndetect-automation/session"
	"turndetect-automation/storage"
)

// Exchange is one finished request/response pair observed in the page.
// Header keys are lower case. Body is fetched lazily from the browser.
type Exchange struct {
	URL            string
	Method         string
	Status         int
	RequestHeaders map[string]string
	Body           func() ([]byte, error)
}

// Tracker is the part of the job tracker the interceptor writes to.
type Tracker interface {
	UpdateJobStatus(ctx context.Context, id string, status storage.JobStatus, extra storage.StatusExtra) error
	UpsertStatusSnapshot(ctx context.Context, snap *detector.StatusSnapshot) error
}

// ReportPrefetcher starts report retrieval without blocking.
type ReportPrefetcher interface {
	Prefetch(submissionID string)
}

// Interceptor recovers the access token, the submission id and status
// snapshots from the page's API traffic.
type Interceptor struct {
	endpoints detector.Endpoints
	session   *session.Session
	tracker   Tracker
	reports   ReportPrefetcher
	logger    *logrus.Logger
}

// New creates an interceptor.
func New(endpoints detector.Endpoints, sess *session.Session, tracker Tracker, reports ReportPrefetcher, logger *logrus.Logger) *Interceptor {
	return &Interceptor{
		endpoints: endpoints,
		session:   sess,
		tracker:   tracker,
		reports:   reports,
		logger:    logger,
	}
}

// Wants reports whether responses from rawURL should be captured at all.
func (i *Interceptor) Wants(rawURL string) bool {
	return i.endpoints.Wants(rawURL)
}

// Run handles exchanges one at a time until the channel closes or ctx ends.
func (i *Interceptor) Run(ctx context.Context, exchanges <-chan Exchange) {
	for {
		select {
		case <-ctx.Done():
			return
		case ex, ok := <-exchanges:
			if !ok {
				return
			}
			i.Handle(ctx, ex)
		}
	}
}

// Handle dispatches a single exchange. Errors are logged, never returned.
func (i *Interceptor) Handle(ctx context.Context, ex Exchange) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.WithFields(logrus.Fields{"url": ex.URL, "panic": r}).Error("Interceptor recovered from panic")
		}
	}()

	switch i.endpoints.Classify(ex.URL) {
	case detector.KindValidateToken:
		i.handleValidateToken(ex)
	case detector.KindUpload:
		if ex.Method == http.MethodPost && ex.Status == http.StatusOK {
			i.handleUpload(ctx, ex)
		}
	case detector.KindStatus:
		if ex.Method == http.MethodGet && ex.Status == http.StatusOK {
			i.handleStatus(ctx, ex)
		}
	}
}

func (i *Interceptor) handleValidateToken(ex Exchange) {
	if token := ex.RequestHeaders["x-access-token"]; token != "" {
		i.session.SetAccessToken(token)
	}
	if ex.Status != http.StatusOK {
		i.logger.WithField("status", ex.Status).Warn("Token validation did not succeed")
		return
	}
	body, err := ex.Body()
	if err != nil {
		i.logger.WithError(err).Warn("Failed to read token validation response")
		return
	}
	i.session.SetTokenRecord(body)
	i.logger.Debug("Token validation record captured")
}

func (i *Interceptor) handleUpload(ctx context.Context, ex Exchange) {
	body, err := ex.Body()
	if err != nil {
		i.logger.WithError(err).Error("Failed to read upload response")
		return
	}
	submissionID, err := detector.ParseUpload(body)
	if err != nil {
		i.logger.WithError(err).Error("Failed to parse upload response")
		return
	}

	active := i.session.Active()
	sub := i.session.Submission()
	if active == nil || sub == nil {
		i.logger.WithField("submission_id", submissionID).Warn("Upload response without an active job")
		return
	}

	log := i.logger.WithFields(logrus.Fields{
		"job_id":        active.Job.ID,
		"run_id":        active.RunID,
		"submission_id": submissionID,
	})

	extra := storage.StatusExtra{SubmissionID: submissionID, Note: "Upload submitted successfully"}
	if err := i.tracker.UpdateJobStatus(ctx, active.Job.ID, storage.StatusUploaded, extra); err != nil {
		log.WithError(err).Error("Failed to persist uploaded status")
	}

	sub.RecordUpload(submissionID, body)
	log.Info("Upload response captured")
}

func (i *Interceptor) handleStatus(ctx context.Context, ex Exchange) {
	body, err := ex.Body()
	if err != nil {
		i.logger.WithError(err).Warn("Failed to read status response")
		return
	}
	snap, err := detector.ParseStatus(body)
	if err != nil {
		i.logger.WithError(err).Warn("Failed to parse status response")
		return
	}
	if snap.ID == "" {
		snap.ID = submissionIDFromURL(ex.URL)
	}

	sub := i.session.Submission()
	if sub == nil {
		i.logger.WithField("submission_id", snap.ID).Debug("Status poll outside of a job")
		return
	}
	sub.RecordStatus(snap)

	known := sub.ID()
	if known == "" {
		return
	}
	log := i.logger.WithFields(logrus.Fields{
		"submission_id": snap.ID,
		"status":        snap.Status,
	})

	if err := i.tracker.UpsertStatusSnapshot(ctx, snap); err != nil {
		log.WithError(err).Error("Failed to persist status snapshot")
	}

	switch {
	case snap.Completed():
		log.Info("Submission completed")
		i.reports.Prefetch(snap.ID)
	case snap.IsProcessing:
		log.Debug("Submission still processing")
	}
}

func submissionIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if !strings.Contains(p, "/status/") {
		return ""
	}
	return path.Base(p)
}
