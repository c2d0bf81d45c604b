package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var ErrLimited = errors.New("submission limit reached")

// RateLimiter paces document submissions so the worker account stays under
// the target site's abuse thresholds.
type RateLimiter struct {
	logger *logrus.Logger
	config Config
	now    func() time.Time

	mu             sync.Mutex
	interval       *rate.Limiter
	recent         []time.Time
	dailyCount     int
	dailyResetTime time.Time
}

// Config defines rate limiting behavior. Zero values disable a limit.
type Config struct {
	HourlySubmissions int           // Max submissions in any sliding hour
	DailySubmissions  int           // Max submissions per calendar day
	MinInterval       time.Duration // Minimum delay between submissions
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config Config, logger *logrus.Logger, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		logger: logger,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	if config.MinInterval > 0 {
		rl.interval = rate.NewLimiter(rate.Every(config.MinInterval), 1)
	}
	rl.dailyResetTime = nextMidnight(rl.now())
	return rl
}

// Check reports whether a submission may start now without consuming quota.
func (rl *RateLimiter) Check() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.roll(now)

	if rl.config.DailySubmissions > 0 && rl.dailyCount >= rl.config.DailySubmissions {
		return fmt.Errorf("%w: daily %d/%d", ErrLimited, rl.dailyCount, rl.config.DailySubmissions)
	}
	if rl.config.HourlySubmissions > 0 && len(rl.recent) >= rl.config.HourlySubmissions {
		return fmt.Errorf("%w: hourly %d/%d", ErrLimited, len(rl.recent), rl.config.HourlySubmissions)
	}
	if rl.interval != nil && rl.interval.TokensAt(now) < 1 {
		return fmt.Errorf("%w: less than %s since last submission", ErrLimited, rl.config.MinInterval)
	}
	return nil
}

// Record counts a submission that was started.
func (rl *RateLimiter) Record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.roll(now)

	rl.recent = append(rl.recent, now)
	rl.dailyCount++
	if rl.interval != nil {
		rl.interval.AllowN(now, 1)
	}

	rl.logger.WithFields(logrus.Fields{
		"hourly": len(rl.recent),
		"daily":  rl.dailyCount,
	}).Debug("Submission recorded")
}

// roll drops submissions older than an hour and resets the daily count at midnight.
func (rl *RateLimiter) roll(now time.Time) {
	cutoff := now.Add(-time.Hour)
	keep := rl.recent[:0]
	for _, t := range rl.recent {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	rl.recent = keep

	if !now.Before(rl.dailyResetTime) {
		rl.dailyCount = 0
		rl.dailyResetTime = nextMidnight(now)
		rl.logger.Info("Daily submission limit reset")
	}
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

// GetStats returns current rate limiting statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.roll(rl.now())

	return map[string]interface{}{
		"hourly_submissions": len(rl.recent),
		"daily_submissions":  rl.dailyCount,
		"next_daily_reset":   rl.dailyResetTime.Format(time.RFC3339),
	}
}
