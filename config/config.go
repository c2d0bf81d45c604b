package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Detector    DetectorConfig    `yaml:"detector" mapstructure:"detector"`
	Captcha     CaptchaConfig     `yaml:"captcha" mapstructure:"captcha"`
	Browser     BrowserConfig     `yaml:"browser" mapstructure:"browser"`
	Automation  AutomationConfig  `yaml:"automation" mapstructure:"automation"`
	Queue       QueueConfig       `yaml:"queue" mapstructure:"queue"`
	Limits      LimitsConfig      `yaml:"limits" mapstructure:"limits"`
	Storage     StorageConfig     `yaml:"storage" mapstructure:"storage"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore" mapstructure:"objectstore"`
	Telegram    TelegramConfig    `yaml:"telegram" mapstructure:"telegram"`
	AMQP        AMQPConfig        `yaml:"amqp" mapstructure:"amqp"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
}

// DetectorConfig contains the target site credentials and locations
type DetectorConfig struct {
	Email         string `yaml:"email" mapstructure:"email" validate:"required,email"`
	Password      string `yaml:"password" mapstructure:"password" validate:"required"`
	LoginURL      string `yaml:"login_url" mapstructure:"login_url" validate:"required,url"`
	DashboardURL  string `yaml:"dashboard_url" mapstructure:"dashboard_url" validate:"required,url"`
	DashboardPath string `yaml:"dashboard_path" mapstructure:"dashboard_path" validate:"required"`
	APIBaseURL    string `yaml:"api_base_url" mapstructure:"api_base_url" validate:"required,url"`
}

// CaptchaConfig contains the solver service settings
type CaptchaConfig struct {
	APIKey       string        `yaml:"api_key" mapstructure:"api_key" validate:"required"`
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

// BrowserConfig contains browser automation settings
type BrowserConfig struct {
	Headless       bool   `yaml:"headless" mapstructure:"headless"`
	Devtools       bool   `yaml:"devtools" mapstructure:"devtools"`
	ViewportWidth  int    `yaml:"viewport_width" mapstructure:"viewport_width" validate:"gt=0"`
	ViewportHeight int    `yaml:"viewport_height" mapstructure:"viewport_height" validate:"gt=0"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	ExecutablePath string `yaml:"executable_path" mapstructure:"executable_path"`
	ProfileDir     string `yaml:"profile_dir" mapstructure:"profile_dir"`
}

// AutomationConfig holds the waits and settle times of the stage machine
// and upload pipeline
type AutomationConfig struct {
	MaxAuthAttempts    int           `yaml:"max_auth_attempts" mapstructure:"max_auth_attempts" validate:"gte=1"`
	FieldWait          time.Duration `yaml:"field_wait" mapstructure:"field_wait"`
	PasswordWait       time.Duration `yaml:"password_wait" mapstructure:"password_wait"`
	LoginFallback      time.Duration `yaml:"login_fallback" mapstructure:"login_fallback"`
	ChallengeSettle    time.Duration `yaml:"challenge_settle" mapstructure:"challenge_settle"`
	LoginSettle        time.Duration `yaml:"login_settle" mapstructure:"login_settle"`
	SessionModalSettle time.Duration `yaml:"session_modal_settle" mapstructure:"session_modal_settle"`
	PostLoginSettle    time.Duration `yaml:"post_login_settle" mapstructure:"post_login_settle"`
	UploadButtonWait   time.Duration `yaml:"upload_button_wait" mapstructure:"upload_button_wait"`
	ModalSettle        time.Duration `yaml:"modal_settle" mapstructure:"modal_settle"`
	FileSettle         time.Duration `yaml:"file_settle" mapstructure:"file_settle"`
	MaxUploadWait      time.Duration `yaml:"max_upload_wait" mapstructure:"max_upload_wait" validate:"gt=0"`
	MaxProcessingWait  time.Duration `yaml:"max_processing_wait" mapstructure:"max_processing_wait" validate:"gt=0"`
	ChallengeWait      time.Duration `yaml:"challenge_wait" mapstructure:"challenge_wait" validate:"gt=0"`
	KeyDelay           time.Duration `yaml:"key_delay" mapstructure:"key_delay"`
}

// QueueConfig contains job queue polling settings
type QueueConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" validate:"gt=0"`
	TempDir            string        `yaml:"temp_dir" mapstructure:"temp_dir" validate:"required"`
	RecoverInterrupted bool          `yaml:"recover_interrupted" mapstructure:"recover_interrupted"`
}

// LimitsConfig contains submission pacing settings
type LimitsConfig struct {
	DailySubmissions  int           `yaml:"daily_submissions" mapstructure:"daily_submissions" validate:"gte=0"`
	HourlySubmissions int           `yaml:"hourly_submissions" mapstructure:"hourly_submissions" validate:"gte=0"`
	MinInterval       time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
}

// StorageConfig contains job tracker settings
type StorageConfig struct {
	Type string `yaml:"type" mapstructure:"type" validate:"oneof=sqlite postgres"`
	Path string `yaml:"path" mapstructure:"path"`
	DSN  string `yaml:"dsn" mapstructure:"dsn"`
}

// ObjectStoreConfig contains document and report storage settings
type ObjectStoreConfig struct {
	Type          string `yaml:"type" mapstructure:"type" validate:"oneof=supabase local"`
	URL           string `yaml:"url" mapstructure:"url"`
	Key           string `yaml:"key" mapstructure:"key"`
	Bucket        string `yaml:"bucket" mapstructure:"bucket"`
	ReportsBucket string `yaml:"reports_bucket" mapstructure:"reports_bucket"`
	LocalDir      string `yaml:"local_dir" mapstructure:"local_dir"`
	PublicBaseURL string `yaml:"public_base_url" mapstructure:"public_base_url"`
}

// TelegramConfig contains bot settings; an empty token disables it
type TelegramConfig struct {
	BotToken string `yaml:"bot_token" mapstructure:"bot_token"`
}

// AMQPConfig contains job event publishing settings; an empty URL disables it
type AMQPConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	Exchange string `yaml:"exchange" mapstructure:"exchange"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format" validate:"oneof=json text"`
	Output     string `yaml:"output" mapstructure:"output"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	configPath, err := homedir.Expand(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TURNDETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if err := createDefaultConfig(configPath); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := expandPaths(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("detector.login_url", "https://turndetect.com/login")
	v.SetDefault("detector.dashboard_url", "https://turndetect.com/dashboard")
	v.SetDefault("detector.dashboard_path", "/dashboard")
	v.SetDefault("detector.api_base_url", "https://production.turnitindetect.org")

	v.SetDefault("captcha.base_url", "https://2captcha.com")
	v.SetDefault("captcha.initial_delay", "10s")
	v.SetDefault("captcha.poll_interval", "5s")
	v.SetDefault("captcha.timeout", "3m")

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.devtools", false)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.profile_dir", "")

	v.SetDefault("automation.max_auth_attempts", 3)
	v.SetDefault("automation.field_wait", "15s")
	v.SetDefault("automation.password_wait", "5s")
	v.SetDefault("automation.login_fallback", "10s")
	v.SetDefault("automation.challenge_settle", "2s")
	v.SetDefault("automation.login_settle", "3s")
	v.SetDefault("automation.session_modal_settle", "3s")
	v.SetDefault("automation.post_login_settle", "5s")
	v.SetDefault("automation.upload_button_wait", "30s")
	v.SetDefault("automation.modal_settle", "3s")
	v.SetDefault("automation.file_settle", "2s")
	v.SetDefault("automation.max_upload_wait", "60s")
	v.SetDefault("automation.max_processing_wait", "5m")
	v.SetDefault("automation.challenge_wait", "4m")
	v.SetDefault("automation.key_delay", "50ms")

	v.SetDefault("queue.poll_interval", "10s")
	v.SetDefault("queue.temp_dir", "./temp")
	v.SetDefault("queue.recover_interrupted", true)

	v.SetDefault("limits.daily_submissions", 0)
	v.SetDefault("limits.hourly_submissions", 0)
	v.SetDefault("limits.min_interval", "0s")

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "./data/turndetect.db")

	v.SetDefault("objectstore.type", "supabase")
	v.SetDefault("objectstore.bucket", "essays")
	v.SetDefault("objectstore.reports_bucket", "essays")
	v.SetDefault("objectstore.local_dir", "./data/objects")

	v.SetDefault("amqp.exchange", "turndetect.jobs")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
}

// createDefaultConfig creates a default configuration file
func createDefaultConfig(configPath string) error {
	config := Config{
		Detector: DetectorConfig{
			LoginURL:      "https://turndetect.com/login",
			DashboardURL:  "https://turndetect.com/dashboard",
			DashboardPath: "/dashboard",
			APIBaseURL:    "https://production.turnitindetect.org",
		},
		Captcha: CaptchaConfig{
			BaseURL:      "https://2captcha.com",
			InitialDelay: 10 * time.Second,
			PollInterval: 5 * time.Second,
			Timeout:      3 * time.Minute,
		},
		Browser: BrowserConfig{
			ViewportWidth:  1920,
			ViewportHeight: 1080,
		},
		Automation: AutomationConfig{
			MaxAuthAttempts:    3,
			FieldWait:          15 * time.Second,
			PasswordWait:       5 * time.Second,
			LoginFallback:      10 * time.Second,
			ChallengeSettle:    2 * time.Second,
			LoginSettle:        3 * time.Second,
			SessionModalSettle: 3 * time.Second,
			PostLoginSettle:    5 * time.Second,
			UploadButtonWait:   30 * time.Second,
			ModalSettle:        3 * time.Second,
			FileSettle:         2 * time.Second,
			MaxUploadWait:      60 * time.Second,
			MaxProcessingWait:  5 * time.Minute,
			ChallengeWait:      4 * time.Minute,
			KeyDelay:           50 * time.Millisecond,
		},
		Queue: QueueConfig{
			PollInterval:       10 * time.Second,
			TempDir:            "./temp",
			RecoverInterrupted: true,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			Path: "./data/turndetect.db",
		},
		ObjectStore: ObjectStoreConfig{
			Type:   "supabase",
			Bucket: "essays",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}

	data, err := yaml.Marshal(&config)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv(v *viper.Viper) {
	overrides := map[string]string{
		"APIKEY":             "captcha.api_key",
		"TURNITIN_EMAIL":     "detector.email",
		"TURNITIN_PASSWORD":  "detector.password",
		"SUPABASE_URL":       "objectstore.url",
		"SUPABASE_KEY":       "objectstore.key",
		"TELEGRAM_BOT_TOKEN": "telegram.bot_token",
		"AMQP_URL":           "amqp.url",
		"DATABASE_URL":       "storage.dsn",
	}
	for env, key := range overrides {
		if value := os.Getenv(env); value != "" {
			v.Set(key, value)
		}
	}
}

func expandPaths(config *Config) error {
	for _, p := range []*string{&config.Queue.TempDir, &config.Storage.Path, &config.ObjectStore.LocalDir, &config.Browser.ProfileDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	if config.Logging.Output != "stdout" && config.Logging.Output != "stderr" {
		expanded, err := homedir.Expand(config.Logging.Output)
		if err != nil {
			return fmt.Errorf("failed to expand log path: %w", err)
		}
		config.Logging.Output = expanded
	}
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}
	if config.Storage.Type == "sqlite" && config.Storage.Path == "" {
		return fmt.Errorf("storage path is required for sqlite")
	}
	if config.Storage.Type == "postgres" && config.Storage.DSN == "" {
		return fmt.Errorf("storage dsn is required for postgres")
	}
	if config.ObjectStore.Type == "supabase" && (config.ObjectStore.URL == "" || config.ObjectStore.Key == "") {
		return fmt.Errorf("supabase url and key are required")
	}
	if config.ObjectStore.Type == "local" && config.ObjectStore.LocalDir == "" {
		return fmt.Errorf("objectstore local_dir is required for local storage")
	}
	// The loop must not give up on a dialog challenge the solver may still answer.
	if budget := config.Captcha.InitialDelay + config.Captcha.Timeout + config.Automation.ChallengeSettle; config.Automation.ChallengeWait <= budget {
		return fmt.Errorf("automation challenge_wait (%s) must exceed the solver budget of %s", config.Automation.ChallengeWait, budget)
	}
	if config.AMQP.URL != "" && config.AMQP.Exchange == "" {
		return fmt.Errorf("amqp exchange is required when amqp url is set")
	}
	return nil
}
