// Package session holds the process-wide automation state. Every field is
// reached through a method so that stage transitions, the single active job
// and per-job submission tracking stay consistent across the engine, the
// traffic interceptor and the queue loop.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"turndetect-automation/storage"
)

// Stage is where the automation believes the browser currently is.
type Stage int

const (
	StageInitialChallenge Stage = iota
	StageLoginForm
	StageDashboard
	StageUploadModal
)

func (s Stage) String() string {
	switch s {
	case StageInitialChallenge:
		return "INITIAL_CHALLENGE"
	case StageLoginForm:
		return "LOGIN_FORM"
	case StageDashboard:
		return "DASHBOARD"
	case StageUploadModal:
		return "UPLOAD_MODAL"
	default:
		return "UNKNOWN"
	}
}

var ErrJobActive = errors.New("another job is already active")

// Session is the single automation session of the process.
type Session struct {
	mu     sync.Mutex
	logger *logrus.Logger

	stage           Stage
	challengeSolved bool
	authAttempts    int

	accessToken string
	tokenExpiry time.Time
	tokenRecord json.RawMessage

	active     *ActiveJob
	submission *Submission
}

// New returns a session in the initial challenge stage.
func New(logger *logrus.Logger) *Session {
	return &Session{logger: logger, stage: StageInitialChallenge}
}

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Transition enters a stage. The solved flag is cleared even when the
// stage does not change.
func (s *Session) Transition(to Stage) {
	s.mu.Lock()
	from := s.stage
	s.stage = to
	s.challengeSolved = false
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info("Stage transition")
}

// ChallengeSolved reports whether the current stage's challenge was solved.
func (s *Session) ChallengeSolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challengeSolved
}

// MarkChallengeSolved records that a solution was injected for the current stage.
func (s *Session) MarkChallengeSolved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challengeSolved = true
}

// RecordAuthAttempt counts a login attempt and returns the new total.
func (s *Session) RecordAuthAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authAttempts++
	return s.authAttempts
}

// AuthAttempts returns the number of login attempts made so far.
func (s *Session) AuthAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authAttempts
}

// SetAccessToken stores a captured access token, replacing any earlier one.
func (s *Session) SetAccessToken(token string) {
	if token == "" {
		return
	}

	var expiry time.Time
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			expiry = exp.Time
		}
	}

	s.mu.Lock()
	changed := s.accessToken != token
	s.accessToken = token
	s.tokenExpiry = expiry
	s.mu.Unlock()

	if changed {
		entry := s.logger.WithField("token_length", len(token))
		if !expiry.IsZero() {
			entry = entry.WithField("expires_at", expiry.Format(time.RFC3339))
		}
		entry.Info("Access token captured")
	}
}

// AccessToken returns the captured token, or "" before one was seen.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// TokenExpiry returns the token's exp claim when it is a JWT.
func (s *Session) TokenExpiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenExpiry
}

// SetTokenRecord keeps the body of the token validation response.
func (s *Session) SetTokenRecord(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenRecord = append(json.RawMessage(nil), body...)
}

// TokenRecord returns the last token validation response.
func (s *Session) TokenRecord() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRecord
}

// Bind makes job the active job. Only one job may be bound at a time.
func (s *Session) Bind(job storage.Job, localPath, runID string) (*ActiveJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrJobActive
	}
	s.active = newActiveJob(job, localPath, runID)
	s.submission = nil
	return s.active, nil
}

// Active returns the bound job or nil.
func (s *Session) Active() *ActiveJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Release unbinds a job and discards its submission tracking.
func (s *Session) Release(a *ActiveJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == a {
		s.active = nil
		s.submission = nil
	}
}

// ClaimUpload hands the bound job to the upload completion step. A job can
// be claimed once, either here or by AbandonUpload.
func (s *Session) ClaimUpload() (*ActiveJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.claimed {
		return nil, false
	}
	s.active.claimed = true
	return s.active, true
}

// AbandonUpload claims a job whose upload dialog challenge never arrived.
// It fails when the completion step already owns the job.
func (s *Session) AbandonUpload(a *ActiveJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != a || a.claimed {
		return false
	}
	a.claimed = true
	return true
}

// ResetSubmission starts fresh submission tracking for the bound job.
func (s *Session) ResetSubmission() *Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submission = newSubmission()
	return s.submission
}

// Submission returns the tracking of the current job, or nil.
func (s *Session) Submission() *Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submission
}
