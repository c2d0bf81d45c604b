package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turndetect-automation/detector"
	"turndetect-automation/storage"
)

func newTestSession() *Session {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return New(l)
}

func TestTransitionResetsSolvedFlag(t *testing.T) {
	s := newTestSession()
	assert.Equal(t, StageInitialChallenge, s.Stage())
	assert.False(t, s.ChallengeSolved())

	stages := []Stage{StageLoginForm, StageLoginForm, StageDashboard, StageUploadModal, StageDashboard}
	for _, stage := range stages {
		s.MarkChallengeSolved()
		require.True(t, s.ChallengeSolved())

		s.Transition(stage)
		assert.Equal(t, stage, s.Stage())
		assert.False(t, s.ChallengeSolved(), "solved flag must be cleared on entering %s", stage)
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	s := newTestSession()
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	s.SetAccessToken(signed)
	assert.Equal(t, signed, s.AccessToken())
	assert.True(t, exp.Equal(s.TokenExpiry()))

	s.SetAccessToken("opaque-token")
	assert.Equal(t, "opaque-token", s.AccessToken())
	assert.True(t, s.TokenExpiry().IsZero())

	s.SetAccessToken("")
	assert.Equal(t, "opaque-token", s.AccessToken(), "empty header keeps the captured token")
}

func TestBindIsSingleFlight(t *testing.T) {
	s := newTestSession()
	a, err := s.Bind(storage.Job{ID: "J1"}, "/tmp/a.pdf", "run-1")
	require.NoError(t, err)

	_, err = s.Bind(storage.Job{ID: "J2"}, "/tmp/b.pdf", "run-2")
	assert.ErrorIs(t, err, ErrJobActive)

	s.ResetSubmission()
	s.Release(a)
	assert.Nil(t, s.Active())
	assert.Nil(t, s.Submission(), "submission tracking is discarded with the job")

	_, err = s.Bind(storage.Job{ID: "J2"}, "/tmp/b.pdf", "run-2")
	assert.NoError(t, err)
}

func TestClaimAndAbandonAreExclusive(t *testing.T) {
	s := newTestSession()
	a, err := s.Bind(storage.Job{ID: "J1"}, "", "")
	require.NoError(t, err)

	claimed, ok := s.ClaimUpload()
	require.True(t, ok)
	assert.Same(t, a, claimed)
	assert.False(t, s.AbandonUpload(a))
	_, ok = s.ClaimUpload()
	assert.False(t, ok)

	s.Release(a)
	b, err := s.Bind(storage.Job{ID: "J2"}, "", "")
	require.NoError(t, err)
	assert.True(t, s.AbandonUpload(b))
	_, ok = s.ClaimUpload()
	assert.False(t, ok)
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	s := newTestSession()
	a, err := s.Bind(storage.Job{ID: "J1"}, "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, ok := s.ClaimUpload()
		results <- ok
	}()
	go func() {
		defer wg.Done()
		results <- s.AbandonUpload(a)
	}()
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestActiveJobFinishOnce(t *testing.T) {
	a := newActiveJob(storage.Job{ID: "J1"}, "", "")
	assert.True(t, a.Finish(Outcome{Status: storage.StatusCompleted}))
	assert.False(t, a.Finish(Outcome{Status: storage.StatusFailed}))

	select {
	case <-a.Done():
	default:
		t.Fatal("done should be closed")
	}
	assert.Equal(t, storage.StatusCompleted, a.Outcome().Status)
}

func snapshot(t *testing.T, body string) *detector.StatusSnapshot {
	t.Helper()
	snap, err := detector.ParseStatus([]byte(body))
	require.NoError(t, err)
	return snap
}

func TestSubmissionFutures(t *testing.T) {
	ctx := context.Background()
	sub := newSubmission()

	_, err := sub.WaitUploaded(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	assert.False(t, sub.RecordStatus(snapshot(t, `{"id":"S1","status":"completed"}`)), "no terminal before the upload response")

	go sub.RecordUpload("S1", []byte(`{"submission_id":"S1"}`))
	id, err := sub.WaitUploaded(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "S1", id)
	assert.False(t, sub.RecordUpload("S2", nil))
	assert.Equal(t, "S1", sub.ID())

	assert.False(t, sub.RecordStatus(snapshot(t, `{"processing":true}`)))
	assert.False(t, sub.RecordStatus(snapshot(t, `{"id":"OTHER","status":"completed"}`)), "other submissions are ignored")
	assert.True(t, sub.RecordStatus(snapshot(t, `{"id":"S1","status":"completed","word_count":10}`)))
	assert.False(t, sub.RecordStatus(snapshot(t, `{"id":"S1","status":"completed"}`)), "duplicates do not resolve again")

	snap, err := sub.WaitTerminal(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, snap.WordCount)
	assert.EqualValues(t, 10, *snap.WordCount)
	assert.Nil(t, sub.Latest().WordCount, "latest tracks the duplicate")
}

func TestSubmissionWaitHonoursContext(t *testing.T) {
	sub := newSubmission()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.WaitTerminal(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
