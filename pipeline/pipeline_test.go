package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turndetect-automation/detector"
	"turndetect-automation/dom"
	"turndetect-automation/intercept"
	"turndetect-automation/session"
	"turndetect-automation/storage"
)

type fakePage struct {
	clickErr    error
	setFilesErr error
	noButton    bool
	files       []string
	onSubmit    func()
}

func (f *fakePage) Click(context.Context, string, time.Duration) error { return f.clickErr }

func (f *fakePage) SetFiles(_ context.Context, _ string, paths []string) error {
	if f.setFilesErr != nil {
		return f.setFilesErr
	}
	f.files = paths
	return nil
}

func (f *fakePage) ClickButton(_ context.Context, sig dom.ButtonSignature) (bool, error) {
	if f.noButton {
		return false, nil
	}
	if f.onSubmit != nil {
		f.onSubmit()
	}
	return true, nil
}

type statusChange struct {
	status storage.JobStatus
	extra  storage.StatusExtra
}

type fakeTracker struct {
	mu        sync.Mutex
	changes   []statusChange
	snapshots []*detector.StatusSnapshot
}

func (f *fakeTracker) UpsertStatusSnapshot(_ context.Context, snap *detector.StatusSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeTracker) UpdateJobStatus(_ context.Context, _ string, status storage.JobStatus, extra storage.StatusExtra) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, statusChange{status, extra})
	return nil
}

func (f *fakeTracker) FetchJobWithOwner(_ context.Context, id string) (*storage.JobWithOwner, error) {
	return &storage.JobWithOwner{Job: storage.Job{ID: id}, Owner: &storage.Owner{ID: "u1", TelegramID: 7}}, nil
}

func (f *fakeTracker) statuses() []storage.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.JobStatus, len(f.changes))
	for i, c := range f.changes {
		out[i] = c.status
	}
	return out
}

func (f *fakeTracker) last() statusChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes[len(f.changes)-1]
}

type recordingNotifier struct {
	mu         sync.Mutex
	processing int
	completed  []string
	failed     []string
}

func (r *recordingNotifier) NotifyProcessingStarted(context.Context, *storage.Owner, storage.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processing++
	return nil
}

func (r *recordingNotifier) NotifyCompleted(_ context.Context, _ *storage.Owner, job storage.Job, _ *detector.StatusSnapshot, _ storage.ReportURLs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, job.SubmissionID)
	return nil
}

func (r *recordingNotifier) NotifyFailed(_ context.Context, _ *storage.Owner, _ storage.Job, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, reason)
	return errors.New("telegram unavailable")
}

type fakeReports struct{ calls int }

func (f *fakeReports) Fetch(_ context.Context, id string) storage.ReportURLs {
	f.calls++
	return storage.ReportURLs{Similarity: "https://cdn/" + id + "/similarity.pdf"}
}

type fixture struct {
	sess     *session.Session
	page     *fakePage
	tracker  *fakeTracker
	notifier *recordingNotifier
	reports  *fakeReports
	pipeline *Pipeline
	active   *session.ActiveJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &fixture{
		sess:     session.New(logger),
		page:     &fakePage{},
		tracker:  &fakeTracker{},
		notifier: &recordingNotifier{},
		reports:  &fakeReports{},
	}
	cfg := Config{MaxUploadWait: 50 * time.Millisecond, MaxProcessingWait: 50 * time.Millisecond}
	f.pipeline = New(cfg, f.sess, f.page, f.tracker, f.reports, f.notifier, logger)

	active, err := f.sess.Bind(storage.Job{ID: "J1", FileName: "a.pdf"}, "/tmp/J1-a.pdf", "run-1")
	require.NoError(t, err)
	f.active = active
	return f
}

func processing() *detector.StatusSnapshot {
	return &detector.StatusSnapshot{IsProcessing: true}
}

func TestBeginUploadOpensDialog(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pipeline.BeginUpload(context.Background(), f.active))
	assert.Equal(t, []storage.JobStatus{storage.StatusProcessing}, f.tracker.statuses())
	assert.Equal(t, 1, f.notifier.processing)
	assert.Equal(t, session.StageUploadModal, f.sess.Stage())
}

func TestBeginUploadFailsWithoutButton(t *testing.T) {
	f := newFixture(t)
	f.page.clickErr = errors.New("element not found")

	require.Error(t, f.pipeline.BeginUpload(context.Background(), f.active))
	assert.Equal(t, []storage.JobStatus{storage.StatusProcessing, storage.StatusFailed}, f.tracker.statuses())
	assert.Equal(t, []string{ReasonUploadButton}, f.notifier.failed)
	assert.NotEqual(t, session.StageUploadModal, f.sess.Stage())
}

func TestUploadResponseTimeout(t *testing.T) {
	f := newFixture(t)

	out := f.pipeline.CompleteUpload(context.Background(), f.active)
	assert.Equal(t, storage.StatusFailed, out.Status)
	assert.Equal(t, ReasonUploadTimeout, out.Reason)
	assert.Equal(t, []storage.JobStatus{storage.StatusFailed}, f.tracker.statuses())
	assert.Equal(t, ReasonUploadTimeout, f.tracker.last().extra.Note)
	assert.Equal(t, []string{ReasonUploadTimeout}, f.notifier.failed, "exactly one failure notification")
	assert.Empty(t, f.notifier.completed)
	assert.Equal(t, []string{"/tmp/J1-a.pdf"}, f.page.files)
}

func TestUploadCompletes(t *testing.T) {
	f := newFixture(t)
	f.pipeline.cfg.MaxProcessingWait = time.Second
	f.page.onSubmit = func() {
		sub := f.sess.Submission()
		go func() {
			sub.RecordUpload("S1", []byte(`{"submission_id":"S1"}`))
			sub.RecordStatus(processing())
			sub.RecordStatus(processing())
			sub.RecordStatus(&detector.StatusSnapshot{ID: "S1", Status: "completed"})
			sub.RecordStatus(&detector.StatusSnapshot{ID: "S1", Status: "completed"})
		}()
	}

	require.NoError(t, f.pipeline.BeginUpload(context.Background(), f.active))
	out := f.pipeline.CompleteUpload(context.Background(), f.active)

	assert.Equal(t, storage.StatusCompleted, out.Status)
	assert.Equal(t, "S1", out.SubmissionID)
	assert.Equal(t, "https://cdn/S1/similarity.pdf", out.Reports.Similarity)
	assert.Equal(t, []storage.JobStatus{
		storage.StatusProcessing,
		storage.StatusUploading,
		storage.StatusCompleted,
	}, f.tracker.statuses())
	assert.Equal(t, []string{"S1"}, f.notifier.completed, "exactly one completion notification")
	assert.Empty(t, f.notifier.failed)
	assert.Equal(t, 1, f.reports.calls)
}

func TestProcessingTimeoutLeavesJobUploaded(t *testing.T) {
	f := newFixture(t)
	f.page.onSubmit = func() {
		sub := f.sess.Submission()
		sub.RecordUpload("S2", []byte(`{"submission_id":"S2"}`))
		sub.RecordStatus(processing())
	}

	out := f.pipeline.CompleteUpload(context.Background(), f.active)

	assert.Equal(t, storage.StatusUploaded, out.Status)
	assert.Equal(t, []storage.JobStatus{storage.StatusUploading, storage.StatusUploaded}, f.tracker.statuses())
	assert.Equal(t, NoteProcessingTimeout, f.tracker.last().extra.Note)
	assert.Empty(t, f.notifier.failed)
	assert.Empty(t, f.notifier.completed)
	assert.Zero(t, f.reports.calls)
}

func TestRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.page.onSubmit = func() {
		sub := f.sess.Submission()
		sub.RecordUpload("S3", nil)
		sub.RecordStatus(&detector.StatusSnapshot{ID: "S3", Status: "failed", AIReportError: "AI model unavailable"})
	}

	out := f.pipeline.CompleteUpload(context.Background(), f.active)
	assert.Equal(t, storage.StatusFailed, out.Status)
	assert.Equal(t, "AI model unavailable", out.Reason)
	assert.Equal(t, []string{"AI model unavailable"}, f.notifier.failed)
}

func TestDialogControlFailures(t *testing.T) {
	t.Run("file input missing", func(t *testing.T) {
		f := newFixture(t)
		f.page.setFilesErr = errors.New("element not found")
		out := f.pipeline.CompleteUpload(context.Background(), f.active)
		assert.Equal(t, ReasonFileInput, out.Reason)
		assert.Equal(t, []string{ReasonFileInput}, f.notifier.failed)
	})

	t.Run("submit button missing", func(t *testing.T) {
		f := newFixture(t)
		f.page.noButton = true
		out := f.pipeline.CompleteUpload(context.Background(), f.active)
		assert.Equal(t, ReasonSubmitButton, out.Reason)
		assert.Equal(t, []string{ReasonSubmitButton}, f.notifier.failed)
	})
}

type prefetchCounter struct {
	mu  sync.Mutex
	ids []string
}

func (p *prefetchCounter) Prefetch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
}

func exchange(method, url, payload string) intercept.Exchange {
	return intercept.Exchange{
		URL:    url,
		Method: method,
		Status: 200,
		Body:   func() ([]byte, error) { return []byte(payload), nil },
	}
}

func TestUploadCompletesFromInterceptedTraffic(t *testing.T) {
	const api = "https://production.turnitindetect.org"

	f := newFixture(t)
	f.pipeline.cfg.MaxUploadWait = time.Second
	f.pipeline.cfg.MaxProcessingWait = time.Second

	endpoints, err := detector.NewEndpoints(api)
	require.NoError(t, err)
	prefetch := &prefetchCounter{}
	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)
	interceptor := intercept.New(endpoints, f.sess, f.tracker, prefetch, quiet)

	traffic := make(chan intercept.Exchange, 8)
	drained := make(chan struct{})
	go func() {
		interceptor.Run(context.Background(), traffic)
		close(drained)
	}()

	f.page.onSubmit = func() {
		traffic <- exchange("POST", api+"/upload", `{"submission_id":"S1"}`)
		traffic <- exchange("GET", api+"/status/S1", `{"processing":true}`)
		traffic <- exchange("GET", api+"/status/S1", `{"processing":true}`)
		traffic <- exchange("GET", api+"/status/S1", `{"id":"S1","status":"completed","ai_match_percentage":12.5}`)
		traffic <- exchange("GET", api+"/status/S1", `{"id":"S1","status":"completed","ai_match_percentage":12.5}`)
		close(traffic)
	}

	require.NoError(t, f.pipeline.BeginUpload(context.Background(), f.active))
	out := f.pipeline.CompleteUpload(context.Background(), f.active)
	<-drained

	assert.Equal(t, storage.StatusCompleted, out.Status)
	assert.Equal(t, "S1", out.SubmissionID)
	assert.Equal(t, []storage.JobStatus{
		storage.StatusProcessing,
		storage.StatusUploaded,
		storage.StatusUploading,
		storage.StatusCompleted,
	}, f.tracker.statuses(), "a single completed write")
	assert.Equal(t, []string{"S1"}, f.notifier.completed, "exactly one completion notification")
	assert.Equal(t, 1, f.reports.calls)
	assert.Len(t, f.tracker.snapshots, 4)
	assert.Equal(t, []string{"S1", "S1"}, prefetch.ids)
}
