package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the 2captcha API root.
	DefaultBaseURL = "https://2captcha.com"

	notReady = "CAPCHA_NOT_READY"
)

var (
	ErrInvalidParams = errors.New("invalid challenge parameters")
	ErrTimeout       = errors.New("captcha solve timed out")
)

// TwoCaptcha solves Turnstile challenges through the 2captcha in.php/res.php API.
type TwoCaptcha struct {
	apiKey       string
	baseURL      string
	initialDelay time.Duration
	pollInterval time.Duration
	timeout      time.Duration
	httpClient   *http.Client
	logger       *logrus.Logger
}

// Option configures TwoCaptcha.
type Option func(*TwoCaptcha)

// WithBaseURL sets a custom API root.
func WithBaseURL(baseURL string) Option {
	return func(s *TwoCaptcha) {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *TwoCaptcha) {
		s.httpClient = c
	}
}

// WithPolling sets the delay before the first poll, the poll cadence and the overall deadline.
func WithPolling(initialDelay, interval, timeout time.Duration) Option {
	return func(s *TwoCaptcha) {
		s.initialDelay = initialDelay
		s.pollInterval = interval
		s.timeout = timeout
	}
}

// NewTwoCaptcha creates a solver client.
func NewTwoCaptcha(apiKey string, logger *logrus.Logger, opts ...Option) *TwoCaptcha {
	s := &TwoCaptcha{
		apiKey:       apiKey,
		baseURL:      DefaultBaseURL,
		initialDelay: 10 * time.Second,
		pollInterval: 5 * time.Second,
		timeout:      3 * time.Minute,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type apiResponse struct {
	Status    int    `json:"status"`
	Request   string `json:"request"`
	UserAgent string `json:"useragent"`
}

// Solve submits the challenge and polls until a token is ready.
func (s *TwoCaptcha) Solve(ctx context.Context, p Params) (*Solution, error) {
	if p.SiteKey == "" || p.PageURL == "" {
		return nil, ErrInvalidParams
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	form := url.Values{
		"key":     {s.apiKey},
		"method":  {"turnstile"},
		"sitekey": {p.SiteKey},
		"pageurl": {p.PageURL},
		"json":    {"1"},
	}
	optional := map[string]string{"data": p.Data, "pagedata": p.PageData, "action": p.Action, "useragent": p.UserAgent}
	for k, v := range optional {
		if v != "" {
			form.Set(k, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	submitted, err := s.call(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit challenge: %w", err)
	}
	if submitted.Status != 1 {
		return nil, fmt.Errorf("2captcha rejected challenge: %s", submitted.Request)
	}
	taskID := submitted.Request

	s.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"sitekey": p.SiteKey,
	}).Info("Challenge submitted to solver")

	select {
	case <-ctx.Done():
		return nil, s.deadline(ctx)
	case <-time.After(s.initialDelay):
	}

	pollURL := fmt.Sprintf("%s/res.php?key=%s&action=get&id=%s&json=1",
		s.baseURL, url.QueryEscape(s.apiKey), url.QueryEscape(taskID))
	limiter := rate.NewLimiter(rate.Every(s.pollInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, s.deadline(ctx)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create poll request: %w", err)
		}
		result, err := s.call(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, s.deadline(ctx)
			}
			return nil, fmt.Errorf("failed to poll solver: %w", err)
		}

		if result.Status == 1 {
			s.logger.WithField("task_id", taskID).Info("Challenge solved")
			return &Solution{ID: taskID, Token: result.Request, UserAgent: result.UserAgent}, nil
		}
		if result.Request != notReady {
			return nil, fmt.Errorf("2captcha failed to solve challenge: %s", result.Request)
		}
		s.logger.WithField("task_id", taskID).Debug("Solver result not ready")
	}
}

// deadline maps a stopped wait to ErrTimeout unless the caller cancelled.
// rate.Limiter.Wait fails early when the next token lies past the deadline.
func (s *TwoCaptcha) deadline(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return ErrTimeout
}

func (s *TwoCaptcha) call(req *http.Request) (*apiResponse, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver returned status %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}
