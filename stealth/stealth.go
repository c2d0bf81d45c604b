package stealth

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
)

// StealthManager prepares the page so the target site's bot checks see an
// ordinary browser, and paces typing like a person.
type StealthManager struct {
	config StealthConfig
	logger *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// StealthConfig contains stealth configuration
type StealthConfig struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	KeyDelay       time.Duration
	KeyJitter      time.Duration
}

// NewStealthManager creates a new stealth manager
func NewStealthManager(config StealthConfig, logger *logrus.Logger) *StealthManager {
	return &StealthManager{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ApplyStealth applies all stealth techniques to the page. Individual
// failures are logged; the page stays usable without them.
func (s *StealthManager) ApplyStealth(page *rod.Page) error {
	s.logger.Info("Applying stealth techniques")

	var stealthErrors []string

	if err := s.applyUserAgent(page); err != nil {
		s.logger.WithError(err).Warn("Failed to apply user agent")
		stealthErrors = append(stealthErrors, "user agent")
	}

	if err := s.disableAutomationIndicators(page); err != nil {
		s.logger.WithError(err).Warn("Failed to disable automation indicators")
		stealthErrors = append(stealthErrors, "automation indicators")
	}

	if err := s.setViewport(page); err != nil {
		s.logger.WithError(err).Warn("Failed to set viewport")
		stealthErrors = append(stealthErrors, "viewport")
	}

	if len(stealthErrors) > 0 {
		s.logger.WithField("failed_features", stealthErrors).Warn("Failed to apply some stealth features")
	} else {
		s.logger.Info("Stealth techniques applied successfully")
	}
	return nil
}

// KeyDelay returns the pause after one keystroke.
func (s *StealthManager) KeyDelay() time.Duration {
	if s.config.KeyJitter <= 0 {
		return s.config.KeyDelay
	}
	s.mu.Lock()
	jitter := time.Duration(s.rng.Int63n(int64(s.config.KeyJitter)))
	s.mu.Unlock()
	return s.config.KeyDelay + jitter
}

// NormalizeUserAgent removes the headless marker Chrome adds to its user agent.
func NormalizeUserAgent(ua string) string {
	return strings.ReplaceAll(ua, "HeadlessChrome", "Chrome")
}

// Pause waits for d or until ctx ends.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *StealthManager) applyUserAgent(page *rod.Page) error {
	ua := s.config.UserAgent
	if ua == "" {
		version, err := proto.BrowserGetVersion{}.Call(page)
		if err != nil {
			return fmt.Errorf("failed to read browser version: %w", err)
		}
		ua = version.UserAgent
	}
	ua = NormalizeUserAgent(ua)

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
		return fmt.Errorf("failed to set user agent: %w", err)
	}
	s.logger.WithField("user_agent", ua).Debug("Set user agent")
	return nil
}

const automationIndicatorsScript = `() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	if (!window.chrome) {
		window.chrome = { runtime: {} };
	}
	const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
	if (originalQuery) {
		window.navigator.permissions.query = (parameters) => (
			parameters.name === 'notifications'
				? Promise.resolve({ state: Notification.permission })
				: originalQuery.call(window.navigator.permissions, parameters)
		);
	}
}`

func (s *StealthManager) disableAutomationIndicators(page *rod.Page) error {
	if _, err := page.EvalOnNewDocument("(" + automationIndicatorsScript + ")()"); err != nil {
		return fmt.Errorf("failed to disable automation indicators: %w", err)
	}
	s.logger.Debug("Disabled automation indicators")
	return nil
}

func (s *StealthManager) setViewport(page *rod.Page) error {
	if s.config.ViewportWidth <= 0 || s.config.ViewportHeight <= 0 {
		return nil
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  s.config.ViewportWidth,
		Height: s.config.ViewportHeight,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"width":  s.config.ViewportWidth,
		"height": s.config.ViewportHeight,
	}).Debug("Set viewport")
	return nil
}
