package stealth

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeUserAgent(t *testing.T) {
	assert.Equal(t,
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		NormalizeUserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36"))
	assert.Equal(t, "plain", NormalizeUserAgent("plain"))
}

func TestKeyDelayWithinJitter(t *testing.T) {
	s := NewStealthManager(StealthConfig{KeyDelay: 50 * time.Millisecond, KeyJitter: 30 * time.Millisecond}, logrus.New())
	for i := 0; i < 100; i++ {
		d := s.KeyDelay()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 80*time.Millisecond)
	}

	fixed := NewStealthManager(StealthConfig{KeyDelay: 10 * time.Millisecond}, logrus.New())
	assert.Equal(t, 10*time.Millisecond, fixed.KeyDelay())
}

func TestPause(t *testing.T) {
	assert.NoError(t, Pause(context.Background(), time.Millisecond))
	assert.NoError(t, Pause(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Pause(ctx, time.Hour), context.Canceled)
}
