package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
detector:
  email: worker@example.com
  password: secret
captcha:
  api_key: key-123
  poll_interval: 2s
automation:
  max_auth_attempts: 5
  max_upload_wait: 90s
queue:
  poll_interval: 15s
  temp_dir: ./tmp
objectstore:
  type: local
  local_dir: ./objects
  public_base_url: http://localhost:8080/objects
logging:
  format: text
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "worker@example.com", cfg.Detector.Email)
	assert.Equal(t, "https://turndetect.com/login", cfg.Detector.LoginURL)
	assert.Equal(t, "https://production.turnitindetect.org", cfg.Detector.APIBaseURL)
	assert.Equal(t, 2*time.Second, cfg.Captcha.PollInterval)
	assert.Equal(t, 3*time.Minute, cfg.Captcha.Timeout)
	assert.Equal(t, 5, cfg.Automation.MaxAuthAttempts)
	assert.Equal(t, 90*time.Second, cfg.Automation.MaxUploadWait)
	assert.Equal(t, 5*time.Minute, cfg.Automation.MaxProcessingWait)
	assert.Equal(t, 10*time.Second, cfg.Automation.LoginFallback)
	assert.Equal(t, 4*time.Minute, cfg.Automation.ChallengeWait)
	assert.Equal(t, 15*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, "local", cfg.ObjectStore.Type)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TURNITIN_PASSWORD", "from-env")
	t.Setenv("APIKEY", "env-key")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Detector.Password)
	assert.Equal(t, "env-key", cfg.Captcha.APIKey)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing credentials",
			body: "captcha:\n  api_key: k\nobjectstore:\n  type: local\n",
		},
		{
			name: "unknown storage type",
			body: sampleConfig + "storage:\n  type: badger\n",
		},
		{
			name: "supabase without key",
			body: "detector:\n  email: a@b.co\n  password: p\ncaptcha:\n  api_key: k\n",
		},
		{
			name: "postgres without dsn",
			body: sampleConfig + "storage:\n  type: postgres\n",
		},
		{
			name: "challenge wait shorter than solver budget",
			body: strings.Replace(sampleConfig, "  max_upload_wait: 90s\n", "  max_upload_wait: 90s\n  challenge_wait: 2m\n", 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	_, err := LoadConfig(path)
	require.Error(t, err, "defaults carry no credentials")

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "turndetect.com/login")
}

func TestDefaultFileLoadsOnceCredentialsAreSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, err := LoadConfig(path)
	require.Error(t, err)

	t.Setenv("TURNITIN_EMAIL", "worker@example.com")
	t.Setenv("TURNITIN_PASSWORD", "secret")
	t.Setenv("APIKEY", "key-123")
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_KEY", "service-key")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Minute, cfg.Automation.ChallengeWait)
	assert.Equal(t, 60*time.Second, cfg.Automation.MaxUploadWait)
	assert.Equal(t, 3, cfg.Automation.MaxAuthAttempts)
}
