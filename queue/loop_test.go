package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"turndetect-automation/objectstore"
	"turndetect-automation/session"
	"turndetect-automation/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pdf = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

type fakeTracker struct {
	mu       sync.Mutex
	queued   []storage.Job
	inFlight []storage.Job
	busy     bool
	fetches  int
}

func (f *fakeTracker) HasJobCurrentlyProcessing(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy, nil
}

func (f *fakeTracker) FetchNextQueuedJob(context.Context) (*storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.queued) == 0 {
		return nil, nil
	}
	job := f.queued[0]
	f.queued = f.queued[1:]
	return &job, nil
}

func (f *fakeTracker) FetchInFlightJobs(context.Context) ([]storage.Job, error) {
	return f.inFlight, nil
}

type fakeLimiter struct {
	mu      sync.Mutex
	refuse  bool
	records int
}

func (f *fakeLimiter) Check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return errors.New("limited")
	}
	return nil
}

func (f *fakeLimiter) Record() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
}

func (f *fakeLimiter) GetStats() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{"records": f.records}
}

type fakeUploader struct {
	mu       sync.Mutex
	begin    func(active *session.ActiveJob) error
	failures map[string]string
	seenPath string
}

func (f *fakeUploader) BeginUpload(_ context.Context, active *session.ActiveJob) error {
	f.mu.Lock()
	f.seenPath = active.LocalPath
	begin := f.begin
	f.mu.Unlock()
	if begin == nil {
		return nil
	}
	return begin(active)
}

func (f *fakeUploader) Fail(_ context.Context, job storage.Job, reason string) session.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = map[string]string{}
	}
	f.failures[job.ID] = reason
	return session.Outcome{Status: storage.StatusFailed, Reason: reason}
}

func (f *fakeUploader) failure(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[id]
}

type fakeNavigator struct {
	mu   sync.Mutex
	urls []string
}

func (f *fakeNavigator) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return nil
}

type fixture struct {
	sess     *session.Session
	tracker  *fakeTracker
	limiter  *fakeLimiter
	uploader *fakeUploader
	nav      *fakeNavigator
	tempDir  string
	loop     *Loop
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := objectstore.NewLocal(t.TempDir(), "")
	require.NoError(t, err)
	_, err = store.Upload(context.Background(), "essays/u1/essay", pdf, "application/pdf")
	require.NoError(t, err)

	f := &fixture{
		sess:     session.New(logger),
		tracker:  &fakeTracker{},
		limiter:  &fakeLimiter{},
		uploader: &fakeUploader{},
		nav:      &fakeNavigator{},
		tempDir:  t.TempDir(),
	}
	cfg := Config{
		PollInterval:       10 * time.Millisecond,
		ChallengeWait:      30 * time.Millisecond,
		TempDir:            f.tempDir,
		DashboardURL:       "https://turndetect.com/dashboard",
		RecoverInterrupted: true,
	}
	f.loop = NewLoop(cfg, f.sess, f.tracker, store, f.limiter, f.uploader, f.nav, logger)
	return f
}

func essayJob(id string) storage.Job {
	return storage.Job{ID: id, UserID: "u1", FilePath: "essays/u1/essay", FileName: "essay", Status: storage.StatusQueued}
}

func (f *fixture) tempFiles(t *testing.T) []string {
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestProcessesJobClaimedByUploadStep(t *testing.T) {
	f := newFixture(t)
	f.tracker.queued = []storage.Job{essayJob("J1")}

	var wg sync.WaitGroup
	f.uploader.begin = func(active *session.ActiveJob) error {
		_, err := os.Stat(active.LocalPath)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, ok := f.sess.ClaimUpload()
			if ok {
				claimed.Finish(session.Outcome{Status: storage.StatusCompleted, SubmissionID: "S1"})
			}
		}()
		return nil
	}

	assert.True(t, f.loop.runOnce(context.Background()))
	wg.Wait()

	assert.Equal(t, filepath.Join(f.tempDir, "J1-essay.pdf"), f.uploader.seenPath)
	assert.Empty(t, f.tempFiles(t), "temp file removed")
	assert.Nil(t, f.sess.Active())
	assert.Equal(t, []string{"https://turndetect.com/dashboard"}, f.nav.urls)
	assert.Equal(t, 1, f.limiter.records)
	assert.Empty(t, f.uploader.failure("J1"))
}

func TestMissingDialogChallengeFailsJob(t *testing.T) {
	f := newFixture(t)
	f.tracker.queued = []storage.Job{essayJob("J2")}
	f.uploader.begin = func(*session.ActiveJob) error {
		f.sess.Transition(session.StageUploadModal)
		return nil
	}

	assert.True(t, f.loop.runOnce(context.Background()))

	assert.Equal(t, ReasonChallengeMissing, f.uploader.failure("J2"))
	assert.Equal(t, session.StageDashboard, f.sess.Stage())
	assert.Nil(t, f.sess.Active())

	_, claimed := f.sess.ClaimUpload()
	assert.False(t, claimed, "a late challenge finds no job")
}

func TestClaimedJobIsAwaitedPastChallengeWait(t *testing.T) {
	f := newFixture(t)
	f.tracker.queued = []storage.Job{essayJob("J3")}

	var wg sync.WaitGroup
	f.uploader.begin = func(*session.ActiveJob) error {
		active, ok := f.sess.ClaimUpload()
		require.True(t, ok)
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(80 * time.Millisecond)
			active.Finish(session.Outcome{Status: storage.StatusUploaded})
		}()
		return nil
	}

	assert.True(t, f.loop.runOnce(context.Background()))
	wg.Wait()
	assert.Empty(t, f.uploader.failure("J3"))
}

func TestDownloadFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	job := essayJob("J4")
	job.FilePath = "essays/u1/missing.pdf"
	f.tracker.queued = []storage.Job{job}

	assert.True(t, f.loop.runOnce(context.Background()))
	assert.Contains(t, f.uploader.failure("J4"), "Failed to download file")
	assert.Contains(t, f.uploader.failure("J4"), objectstore.ErrNotFound.Error())
	assert.Zero(t, f.limiter.records)
}

func TestBeginUploadErrorReleasesJob(t *testing.T) {
	f := newFixture(t)
	f.tracker.queued = []storage.Job{essayJob("J5")}
	f.uploader.begin = func(*session.ActiveJob) error { return errors.New("upload button missing") }

	assert.True(t, f.loop.runOnce(context.Background()))
	assert.Nil(t, f.sess.Active())
	assert.Equal(t, session.StageDashboard, f.sess.Stage())
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.tracker.queued = []storage.Job{essayJob("J6"), essayJob("J7")}
	f.uploader.begin = func(active *session.ActiveJob) error {
		if active.Job.ID == "J6" {
			panic("boom")
		}
		active.Finish(session.Outcome{Status: storage.StatusCompleted})
		return nil
	}

	assert.True(t, f.loop.runOnce(context.Background()))
	assert.Equal(t, ReasonUnexpected, f.uploader.failure("J6"))
	assert.Nil(t, f.sess.Active())

	assert.True(t, f.loop.runOnce(context.Background()))
	assert.Empty(t, f.uploader.failure("J7"))
}

func TestIdleWhenBusyOrLimited(t *testing.T) {
	f := newFixture(t)
	f.tracker.queued = []storage.Job{essayJob("J8")}

	f.tracker.busy = true
	assert.False(t, f.loop.runOnce(context.Background()))

	f.tracker.busy = false
	f.limiter.refuse = true
	assert.False(t, f.loop.runOnce(context.Background()))

	assert.Zero(t, f.tracker.fetches)
	assert.Len(t, f.tracker.queued, 1)
}

func TestRunRecoversInterruptedJobsAndStops(t *testing.T) {
	f := newFixture(t)
	f.tracker.inFlight = []storage.Job{{ID: "J9", Status: storage.StatusUploading}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return f.uploader.failure("J9") == ReasonRestarted }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
