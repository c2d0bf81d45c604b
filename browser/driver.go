package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"turndetect-automation/config"
	"turndetect-automation/dom"
	"turndetect-automation/stealth"
)

//go:embed inject.js
var hookScript string

var (
	ErrElementNotFound = errors.New("element not found")
	ErrNoCallback      = errors.New("page has no challenge callback")
)

// Driver owns the browser process and its single page
type Driver struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	stealth  *stealth.StealthManager
	logger   *logrus.Logger
}

// Launch starts the browser, opens the page and prepares it for the target site
func Launch(cfg config.BrowserConfig, sm *stealth.StealthManager, logger *logrus.Logger) (*Driver, error) {
	logger.Info("Initializing browser")

	l := launcher.New()
	if cfg.ExecutablePath != "" {
		l = l.Bin(cfg.ExecutablePath)
	}

	// Leakless is off so antivirus heuristics do not quarantine the helper binary
	l = l.Leakless(false).
		Headless(cfg.Headless).
		Devtools(cfg.Devtools).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-default-apps").
		Set("disable-popup-blocking").
		Set("disable-dev-shm-usage")

	if cfg.ProfileDir != "" {
		userDataDir := filepath.Join(cfg.ProfileDir, fmt.Sprintf("browser-data-%s", time.Now().Format("20060102-150405")))
		if err := os.MkdirAll(userDataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create user data directory: %w", err)
		}
		l = l.UserDataDir(userDataDir)
	}

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	d := &Driver{browser: browser, page: page, launcher: l, stealth: sm, logger: logger}
	if err := sm.ApplyStealth(page); err != nil {
		d.logger.WithError(err).Warn("Stealth setup failed")
	}

	logger.Info("Browser initialized successfully")
	return d, nil
}

// Navigate loads url and waits for the load event
func (d *Driver) Navigate(ctx context.Context, url string) error {
	page := d.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for %s to load: %w", url, err)
	}
	d.logger.WithField("url", url).Debug("Navigated")
	return nil
}

// URL returns the address the page currently shows
func (d *Driver) URL() (string, error) {
	info, err := d.page.Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, nil
}

func (d *Driver) element(ctx context.Context, selector string, timeout time.Duration) (*rod.Element, error) {
	lookupCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	el, err := d.page.Context(lookupCtx).Element(selector)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	if err := el.WaitVisible(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s not visible", ErrElementNotFound, selector)
	}
	return el.Context(ctx), nil
}

// WaitVisible waits until selector matches a visible element
func (d *Driver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	_, err := d.element(ctx, selector, timeout)
	return err
}

// TypeInto clears the field and types text one key at a time
func (d *Driver) TypeInto(ctx context.Context, selector, text string) error {
	el, err := d.element(ctx, selector, 0)
	if err != nil {
		return err
	}

	if err := el.SelectAllText(); err == nil {
		if err := d.page.Keyboard.Press(input.Backspace); err != nil {
			return fmt.Errorf("failed to clear %s: %w", selector, err)
		}
	}

	for _, char := range text {
		if err := el.Input(string(char)); err != nil {
			return fmt.Errorf("failed to type into %s: %w", selector, err)
		}
		if err := stealth.Pause(ctx, d.stealth.KeyDelay()); err != nil {
			return err
		}
	}
	return nil
}

// Click waits for selector and clicks it
func (d *Driver) Click(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := d.element(ctx, selector, timeout)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

// buttonMatcher filters the live page's buttons by signature, so the match
// and the click always see the same node.
const buttonMatcher = `(classes, text, svg) => Array.from(document.querySelectorAll('button')).filter(b =>
	classes.every(c => b.classList.contains(c)) &&
	(!text || b.textContent.includes(text)) &&
	(!svg || b.querySelector('svg') !== null))`

func buttonQuery(sig dom.ButtonSignature) *rod.EvalOptions {
	classes := sig.Classes
	if classes == nil {
		classes = []string{}
	}
	return rod.Eval(buttonMatcher, classes, sig.Text, sig.RequireSVG)
}

// ClickButton clicks the first button matching sig. It reports false when
// no button matches.
func (d *Driver) ClickButton(ctx context.Context, sig dom.ButtonSignature) (bool, error) {
	buttons, err := d.page.Context(ctx).ElementsByJS(buttonQuery(sig))
	if err != nil {
		return false, fmt.Errorf("failed to match buttons: %w", err)
	}
	if buttons.Empty() {
		return false, nil
	}
	if _, err := buttons.First().Eval(`() => this.click()`); err != nil {
		return false, fmt.Errorf("failed to click button: %w", err)
	}
	return true, nil
}

// Snapshot parses the page's current HTML
func (d *Driver) Snapshot() (*dom.Snapshot, error) {
	html, err := d.page.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to read page html: %w", err)
	}
	return dom.Parse(html)
}

// SetFiles attaches local files to the file input matched by selector
func (d *Driver) SetFiles(ctx context.Context, selector string, paths []string) error {
	has, el, err := d.page.Context(ctx).Has(selector)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", selector, err)
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	if err := el.SetFiles(paths); err != nil {
		return fmt.Errorf("failed to set files: %w", err)
	}
	return nil
}

// InjectChallengeToken hands a solved token to the page's challenge callback
func (d *Driver) InjectChallengeToken(ctx context.Context, token string) error {
	res, err := d.page.Context(ctx).Eval(`(t) => {
		if (typeof window.cfCallback !== 'function') return false;
		window.cfCallback(t);
		return true;
	}`, token)
	if err != nil {
		return fmt.Errorf("failed to inject challenge token: %w", err)
	}
	if !res.Value.Bool() {
		return ErrNoCallback
	}
	return nil
}

// Close closes the browser and stops its process
func (d *Driver) Close() error {
	var err error
	if d.browser != nil {
		err = d.browser.Close()
	}
	if d.launcher != nil {
		d.launcher.Kill()
	}
	return err
}
