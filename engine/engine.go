// Package engine drives the browser through the target site's challenge
// gated stages. A single goroutine consumes challenge events and the login
// fallback timer, so a login is never submitted twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"turndetect-automation/auth"
	"turndetect-automation/captcha"
	"turndetect-automation/dom"
	"turndetect-automation/pipeline"
	"turndetect-automation/session"
	"turndetect-automation/stealth"
	"turndetect-automation/storage"
)

const (
	emailSelector    = "#email"
	passwordSelector = "#password"

	ReasonChallengeFailed = "Upload dialog challenge could not be solved"
)

var (
	ErrFatal                 = errors.New("fatal automation error")
	ErrAuthAttemptsExhausted = errors.New("maximum authentication attempts reached")
	ErrEventsClosed          = errors.New("challenge event stream closed")
)

// ChallengeEvent is a captured challenge together with the stage it was
// handled in.
type ChallengeEvent struct {
	Params captcha.Params
	Stage  session.Stage
}

// Solver obtains a challenge token.
type Solver interface {
	Solve(ctx context.Context, p captcha.Params) (*captcha.Solution, error)
}

// Page is the browser surface the engine needs.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Snapshot() (*dom.Snapshot, error)
	InjectChallengeToken(ctx context.Context, token string) error
}

// Authenticator performs one login attempt.
type Authenticator interface {
	Attempt(ctx context.Context) (*auth.LoginResult, error)
}

// Uploader finishes an upload once the dialog's challenge was solved.
type Uploader interface {
	CompleteUpload(ctx context.Context, active *session.ActiveJob) session.Outcome
	Fail(ctx context.Context, job storage.Job, reason string) session.Outcome
}

// Config holds the engine's limits and waits.
type Config struct {
	LoginURL        string
	MaxAuthAttempts int
	FieldWait       time.Duration
	PasswordWait    time.Duration
	LoginFallback   time.Duration
	ChallengeSettle time.Duration
}

// Engine is the stage state machine.
type Engine struct {
	cfg      Config
	session  *session.Session
	solver   Solver
	page     Page
	auth     Authenticator
	uploader Uploader
	logger   *logrus.Logger

	readyOnce sync.Once
	onReady   func()

	// owned by the Run goroutine
	fallback *time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// OnReady registers a callback run once, after the first successful login.
func OnReady(fn func()) Option {
	return func(e *Engine) {
		e.onReady = fn
	}
}

// New creates an engine.
func New(cfg Config, sess *session.Session, solver Solver, page Page, authenticator Authenticator, uploader Uploader, logger *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		session:  sess,
		solver:   solver,
		page:     page,
		auth:     authenticator,
		uploader: uploader,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes challenge events until ctx ends or a fatal error occurs.
// It returns nil on cancellation.
func (e *Engine) Run(ctx context.Context, events <-chan captcha.Params) error {
	defer e.stopFallback()

	for {
		select {
		case <-ctx.Done():
			return nil

		case params, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrEventsClosed
			}
			ev := ChallengeEvent{Params: params, Stage: e.session.Stage()}
			if err := e.HandleChallenge(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

		case <-e.fallbackC():
			e.fallback = nil
			if err := e.handleFallback(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// HandleChallenge solves and injects one challenge, then advances the stage
// it was captured in. It must run on the Run goroutine.
func (e *Engine) HandleChallenge(ctx context.Context, ev ChallengeEvent) error {
	log := e.logger.WithFields(logrus.Fields{
		"stage":   ev.Stage.String(),
		"sitekey": ev.Params.SiteKey,
	})
	log.Info("Handling challenge")

	if ev.Stage == session.StageUploadModal {
		return e.handleUploadChallenge(ctx, ev.Params, log)
	}

	if err := e.solve(ctx, ev.Params, log); err != nil {
		return err
	}

	switch ev.Stage {
	case session.StageInitialChallenge:
		return e.afterInitialChallenge(ctx)
	case session.StageLoginForm:
		e.stopFallback()
		return e.attemptLogin(ctx)
	default:
		log.Info("Challenge solved on dashboard, nothing to do")
		return nil
	}
}

// solve obtains a token, injects it and lets the page settle.
func (e *Engine) solve(ctx context.Context, params captcha.Params, log *logrus.Entry) error {
	solution, err := e.solver.Solve(ctx, params)
	if err != nil {
		return fmt.Errorf("%w: solve challenge: %w", ErrFatal, err)
	}
	if err := e.page.InjectChallengeToken(ctx, solution.Token); err != nil {
		return fmt.Errorf("%w: inject challenge token: %w", ErrFatal, err)
	}
	e.session.MarkChallengeSolved()
	log.Info("Challenge solved and injected")

	return stealth.Pause(ctx, e.cfg.ChallengeSettle)
}

// handleUploadChallenge claims the bound job before solving, so a job the
// queue already gave up on is never touched by a late challenge.
func (e *Engine) handleUploadChallenge(ctx context.Context, params captcha.Params, log *logrus.Entry) error {
	active, ok := e.session.ClaimUpload()
	if !ok {
		log.Warn("Upload dialog challenge arrived but no job is waiting for it, dropping it")
		return nil
	}
	log = log.WithField("job_id", active.Job.ID)

	if err := e.solve(ctx, params, log); err != nil {
		reason := ReasonChallengeFailed
		if ctx.Err() != nil {
			reason = pipeline.ReasonShutdown
		}
		e.session.Transition(session.StageDashboard)
		active.Finish(e.uploader.Fail(context.WithoutCancel(ctx), active.Job, reason))
		return err
	}

	outcome := e.uploader.CompleteUpload(ctx, active)
	e.session.Transition(session.StageDashboard)
	active.Finish(outcome)
	return nil
}

func (e *Engine) afterInitialChallenge(ctx context.Context) error {
	if err := e.waitForLoginForm(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.WithError(err).Warn("Login form did not appear, reloading login page")
		if err := e.page.Navigate(ctx, e.cfg.LoginURL); err != nil {
			e.logger.WithError(err).Warn("Failed to reload login page")
		}
		e.session.Transition(session.StageInitialChallenge)
		return nil
	}

	e.session.Transition(session.StageLoginForm)

	snap, err := e.page.Snapshot()
	if err == nil && snap.HasTurnstile() {
		e.logger.WithField("fallback", e.cfg.LoginFallback).Info("Login form is challenge protected, waiting for its challenge")
		e.armFallback()
		return nil
	}
	return e.attemptLogin(ctx)
}

func (e *Engine) waitForLoginForm(ctx context.Context) error {
	if err := e.page.WaitVisible(ctx, emailSelector, e.cfg.FieldWait); err != nil {
		return err
	}
	return e.page.WaitVisible(ctx, passwordSelector, e.cfg.PasswordWait)
}

func (e *Engine) handleFallback(ctx context.Context) error {
	if e.session.Stage() != session.StageLoginForm || e.session.ChallengeSolved() {
		return nil
	}
	e.logger.Info("No login challenge arrived, submitting the login form")
	return e.attemptLogin(ctx)
}

func (e *Engine) attemptLogin(ctx context.Context) error {
	if e.session.AuthAttempts() >= e.cfg.MaxAuthAttempts {
		return ErrAuthAttemptsExhausted
	}
	attempt := e.session.RecordAuthAttempt()

	result, err := e.auth.Attempt(ctx)
	if err != nil {
		return err
	}

	if result.Success {
		e.logger.WithFields(logrus.Fields{
			"attempt":                attempt,
			"active_session_resumed": result.ActiveSessionResumed,
		}).Info("Authenticated")
		e.session.Transition(session.StageDashboard)
		e.readyOnce.Do(func() {
			if e.onReady != nil {
				e.onReady()
			}
		})
		return nil
	}

	e.logger.WithFields(logrus.Fields{
		"attempt":      attempt,
		"max_attempts": e.cfg.MaxAuthAttempts,
		"reason":       result.ErrorMessage,
	}).Warn("Login attempt failed")

	if attempt >= e.cfg.MaxAuthAttempts {
		return ErrAuthAttemptsExhausted
	}

	if err := e.page.Navigate(ctx, e.cfg.LoginURL); err != nil {
		e.logger.WithError(err).Warn("Failed to reload login page")
	}
	e.session.Transition(session.StageLoginForm)
	e.armFallback()
	return nil
}

func (e *Engine) armFallback() {
	e.stopFallback()
	e.fallback = time.NewTimer(e.cfg.LoginFallback)
}

func (e *Engine) stopFallback() {
	if e.fallback != nil {
		e.fallback.Stop()
		e.fallback = nil
	}
}

func (e *Engine) fallbackC() <-chan time.Time {
	if e.fallback == nil {
		return nil
	}
	return e.fallback.C
}
