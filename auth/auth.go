package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"turndetect-automation/dom"
	"turndetect-automation/stealth"
)

const (
	emailSelector    = "#email"
	passwordSelector = "#password"
	submitSelector   = `button[type="submit"]`
)

// Page is the browser surface the login flow drives.
type Page interface {
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	TypeInto(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	ClickButton(ctx context.Context, sig dom.ButtonSignature) (bool, error)
	Snapshot() (*dom.Snapshot, error)
	URL() (string, error)
}

// Timings are the waits of one login attempt.
type Timings struct {
	FieldWait          time.Duration
	SubmitSettle       time.Duration
	SessionModalSettle time.Duration
	PostLoginSettle    time.Duration
}

// DefaultTimings match the pacing the target site tolerates.
var DefaultTimings = Timings{
	FieldWait:          10 * time.Second,
	SubmitSettle:       3 * time.Second,
	SessionModalSettle: 3 * time.Second,
	PostLoginSettle:    5 * time.Second,
}

// LoginResult represents the result of a login attempt
type LoginResult struct {
	Success              bool
	ErrorMessage         string
	URL                  string
	ActiveSessionResumed bool
}

// Authenticator signs the worker account in through the login form
type Authenticator struct {
	page          Page
	email         string
	password      string
	dashboardPath string
	timings       Timings
	logger        *logrus.Logger
}

// NewAuthenticator creates a new login flow
func NewAuthenticator(page Page, email, password, dashboardPath string, timings Timings, logger *logrus.Logger) *Authenticator {
	return &Authenticator{
		page:          page,
		email:         email,
		password:      password,
		dashboardPath: dashboardPath,
		timings:       timings,
		logger:        logger,
	}
}

// Attempt fills and submits the login form once. A failed attempt is
// reported in the result; the error is reserved for a cancelled context.
func (a *Authenticator) Attempt(ctx context.Context) (*LoginResult, error) {
	a.logger.WithField("email", MaskEmail(a.email)).Info("Attempting login")
	result := &LoginResult{}

	if err := a.fillCredentials(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.ErrorMessage = err.Error()
		a.logger.WithError(err).Warn("Login form could not be filled")
		return result, nil
	}

	if err := a.page.Click(ctx, submitSelector, a.timings.FieldWait); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.ErrorMessage = fmt.Sprintf("login button not found: %v", err)
		a.logger.WithError(err).Warn("Login form could not be submitted")
		return result, nil
	}

	if err := stealth.Pause(ctx, a.timings.SubmitSettle); err != nil {
		return nil, err
	}

	resumed, err := a.resumeActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	result.ActiveSessionResumed = resumed

	if err := stealth.Pause(ctx, a.timings.PostLoginSettle); err != nil {
		return nil, err
	}

	url, err := a.page.URL()
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to read page url: %v", err)
		return result, nil
	}
	result.URL = url

	if strings.Contains(url, a.dashboardPath) {
		a.logger.WithField("url", url).Info("Login successful")
		result.Success = true
		return result, nil
	}

	result.ErrorMessage = "login did not reach the dashboard"
	a.logger.WithField("url", url).Warn("Login failed")
	return result, nil
}

func (a *Authenticator) fillCredentials(ctx context.Context) error {
	if err := a.page.WaitVisible(ctx, emailSelector, a.timings.FieldWait); err != nil {
		return fmt.Errorf("email field not found: %w", err)
	}
	if err := a.page.TypeInto(ctx, emailSelector, a.email); err != nil {
		return fmt.Errorf("failed to input email: %w", err)
	}
	if err := a.page.TypeInto(ctx, passwordSelector, a.password); err != nil {
		return fmt.Errorf("failed to input password: %w", err)
	}
	a.logger.Debug("Credentials filled")
	return nil
}

// resumeActiveSession dismisses the "Active Session Found" prompt shown when
// the account is signed in elsewhere.
func (a *Authenticator) resumeActiveSession(ctx context.Context) (bool, error) {
	snap, err := a.page.Snapshot()
	if err != nil {
		a.logger.WithError(err).Debug("Could not inspect page for active session prompt")
		return false, nil
	}
	if !snap.HasActiveSessionModal() {
		return false, nil
	}

	a.logger.Info("Active session prompt detected, continuing session")
	clicked, err := a.page.ClickButton(ctx, dom.ContinueSessionButton)
	if err != nil || !clicked {
		a.logger.WithError(err).Warn("Continue button of active session prompt not found")
		return false, nil
	}

	if err := stealth.Pause(ctx, a.timings.SessionModalSettle); err != nil {
		return false, err
	}
	return true, nil
}

// MaskEmail hides most of the local part for logging
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 1 {
		return "***"
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}
