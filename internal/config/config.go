// Package config provides configuration loading and validation for the
// orchestrator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the orchestrator configuration, loaded from a JSON file
// with environment overrides on top.
type Config struct {
	// Server
	ListenAddr string `json:"listen_addr,omitempty" validate:"omitempty,hostname_port"`
	LogLevel   string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LogJSON    bool   `json:"log_json,omitempty"`

	// Credentials
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
	DatabaseURL  string `json:"database_url,omitempty"`

	// Generation
	GeminiModel string `json:"gemini_model,omitempty"`

	// Collaborator endpoints
	RenderURL    string            `json:"render_url,omitempty" validate:"omitempty,url"`
	RenderToken  string            `json:"render_token,omitempty"`
	Platforms    map[string]string `json:"platforms,omitempty" validate:"omitempty,dive,url"`
	PlatformToks map[string]string `json:"platform_tokens,omitempty"`

	// Discovery
	Topics       []string `json:"topics,omitempty"`
	TrendingURL  string   `json:"trending_url,omitempty" validate:"omitempty,url"`
	PollInterval Duration `json:"poll_interval,omitempty"`

	// Pipeline timing
	Workers              int      `json:"workers,omitempty" validate:"omitempty,min=1,max=64"`
	MaxAttempts          int      `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=10"`
	BaseDelay            Duration `json:"base_delay,omitempty"`
	MaxDelay             Duration `json:"max_delay,omitempty"`
	CacheTTL             Duration `json:"cache_ttl,omitempty"`
	StageTimeout         Duration `json:"stage_timeout,omitempty"`
	ApprovalPollInterval Duration `json:"approval_poll_interval,omitempty"`
	ScheduleDelay        Duration `json:"schedule_delay,omitempty"`

	// Health monitoring
	ProbeInterval    Duration `json:"probe_interval,omitempty"`
	DegradedAfter    int      `json:"degraded_after,omitempty" validate:"omitempty,min=1"`
	UnavailableAfter int      `json:"unavailable_after,omitempty" validate:"omitempty,min=1"`

	// Notifications
	WebhookURL    string `json:"webhook_url,omitempty" validate:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// Duration is a time.Duration that unmarshals from JSON strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare numbers as nanoseconds, matching time.Duration.
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		ListenAddr:           "localhost:8080",
		LogLevel:             "info",
		GeminiModel:          "gemini-2.0-flash",
		Workers:              4,
		MaxAttempts:          4,
		BaseDelay:            Duration(500 * time.Millisecond),
		MaxDelay:             Duration(30 * time.Second),
		CacheTTL:             Duration(30 * time.Minute),
		StageTimeout:         Duration(2 * time.Minute),
		ApprovalPollInterval: Duration(5 * time.Minute),
		ScheduleDelay:        Duration(15 * time.Minute),
		PollInterval:         Duration(15 * time.Minute),
		ProbeInterval:        Duration(30 * time.Second),
		DegradedAfter:        2,
		UnavailableAfter:     5,
	}
}

// Load reads the JSON file at path (optional), applies environment
// overrides, fills defaults, and validates. An empty path loads
// env + defaults only.
func Load(path string) (*Config, error) {
	cfg := Config{}

	if path != "" {
		if !filepath.IsAbs(path) {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get current directory: %w", err)
			}
			path = filepath.Join(cwd, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	cfg.applyEnv()
	cfg = cfg.MergeWithDefaults(Default())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides fields from environment variables. Env wins over
// the file; flags win over both.
func (c *Config) applyEnv() {
	setString(&c.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.RenderURL, "RENDER_URL")
	setString(&c.RenderToken, "RENDER_TOKEN")
	setString(&c.WebhookURL, "WEBHOOK_URL")
	setString(&c.WebhookSecret, "WEBHOOK_SECRET")
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.BaseDelay.Std() > c.MaxDelay.Std() {
		return fmt.Errorf("config error: 'base_delay' must not exceed 'max_delay'")
	}
	if c.DegradedAfter > c.UnavailableAfter {
		return fmt.Errorf("config error: 'degraded_after' must not exceed 'unavailable_after'")
	}
	return nil
}

// MergeWithDefaults returns a new Config with zero-valued fields
// filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.ListenAddr == "" {
		result.ListenAddr = defaults.ListenAddr
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.GeminiModel == "" {
		result.GeminiModel = defaults.GeminiModel
	}
	if result.Workers == 0 {
		result.Workers = defaults.Workers
	}
	if result.MaxAttempts == 0 {
		result.MaxAttempts = defaults.MaxAttempts
	}
	if result.BaseDelay == 0 {
		result.BaseDelay = defaults.BaseDelay
	}
	if result.MaxDelay == 0 {
		result.MaxDelay = defaults.MaxDelay
	}
	if result.CacheTTL == 0 {
		result.CacheTTL = defaults.CacheTTL
	}
	if result.StageTimeout == 0 {
		result.StageTimeout = defaults.StageTimeout
	}
	if result.ApprovalPollInterval == 0 {
		result.ApprovalPollInterval = defaults.ApprovalPollInterval
	}
	if result.ScheduleDelay == 0 {
		result.ScheduleDelay = defaults.ScheduleDelay
	}
	if result.PollInterval == 0 {
		result.PollInterval = defaults.PollInterval
	}
	if result.ProbeInterval == 0 {
		result.ProbeInterval = defaults.ProbeInterval
	}
	if result.DegradedAfter == 0 {
		result.DegradedAfter = defaults.DegradedAfter
	}
	if result.UnavailableAfter == 0 {
		result.UnavailableAfter = defaults.UnavailableAfter
	}

	return result
}
