// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/shopdesk/internal/session"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	DeviceDBPath   string
	SessionName    string
	AdminToken     string
	AllowedOrigins []string
	LogLevel       string

	MessageRetention    time.Duration
	StabilizationWindow time.Duration
	RestartDelay        time.Duration
	HistorySize         int

	Policy session.PolicyConfig
	Pacing session.PacingConfig

	Fallback  FallbackConfig
	AutoReply string

	PolicyFile string
}

// FallbackConfig points at the optional natural-language reply service.
type FallbackConfig struct {
	Addr    string
	Method  string
	Timeout time.Duration
}

// Enabled reports whether a fallback address is configured.
func (f FallbackConfig) Enabled() bool {
	return f.Addr != ""
}

// tuning is the shape of the POLICY_FILE overlay.
type tuning struct {
	Policy *session.PolicyConfig `yaml:"policy"`
	Pacing *session.PacingConfig `yaml:"pacing"`
}

// Load reads configuration from environment variables. Recovery and pacing
// tunables start from their defaults, then POLICY_FILE, then TYPING_DELAY and
// INTER_MESSAGE_DELAY.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/shopdesk.db"),
		DeviceDBPath:        getEnv("DEVICE_DB_PATH", "./data/device.db"),
		SessionName:         getEnv("SESSION_NAME", "default"),
		AdminToken:          getEnv("ADMIN_TOKEN", ""),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		MessageRetention:    getEnvDuration("MESSAGE_RETENTION", 30*24*time.Hour),
		StabilizationWindow: getEnvDuration("STABILIZATION_WINDOW", 5*time.Second),
		RestartDelay:        getEnvDuration("RESTART_DELAY", 2*time.Second),
		HistorySize:         getEnvInt("HISTORY_SIZE", 50),
		Policy:              session.DefaultPolicyConfig(),
		Pacing:              session.DefaultPacingConfig(),
		Fallback: FallbackConfig{
			Addr:    getEnv("FALLBACK_ADDR", ""),
			Method:  getEnv("FALLBACK_METHOD", "/concierge.v1.Fallback/Reply"),
			Timeout: getEnvDuration("FALLBACK_TIMEOUT", 10*time.Second),
		},
		AutoReply:  getEnv("AUTO_REPLY", ""),
		PolicyFile: getEnv("POLICY_FILE", ""),
	}

	if cfg.PolicyFile != "" {
		if err := cfg.applyTuningFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	cfg.Pacing.TypingDelay = getEnvDuration("TYPING_DELAY", cfg.Pacing.TypingDelay)
	cfg.Pacing.InterMessageDelay = getEnvDuration("INTER_MESSAGE_DELAY", cfg.Pacing.InterMessageDelay)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyTuningFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	t := tuning{Policy: &c.Policy, Pacing: &c.Pacing}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.DeviceDBPath == "" {
		return errors.New("DEVICE_DB_PATH cannot be empty")
	}
	if c.DBPath == c.DeviceDBPath {
		return errors.New("DB_PATH and DEVICE_DB_PATH must differ")
	}
	if c.SessionName == "" {
		return errors.New("SESSION_NAME cannot be empty")
	}
	if c.HistorySize <= 0 {
		return errors.New("HISTORY_SIZE must be > 0")
	}
	if c.StabilizationWindow < 0 || c.RestartDelay < 0 {
		return errors.New("STABILIZATION_WINDOW and RESTART_DELAY must be >= 0")
	}
	if c.Pacing.TypingDelay < 0 || c.Pacing.InterMessageDelay < 0 {
		return errors.New("TYPING_DELAY and INTER_MESSAGE_DELAY must be >= 0")
	}
	if c.Policy.MaxRetries <= 0 || c.Policy.BaseDelay <= 0 || c.Policy.MaxDelay < c.Policy.BaseDelay {
		return errors.New("policy needs max_retries > 0 and 0 < base_delay <= max_delay")
	}
	if c.Policy.CooldownMax < c.Policy.Cooldown {
		return errors.New("policy cooldown_max must be >= cooldown")
	}
	if c.Fallback.Enabled() && !strings.HasPrefix(c.Fallback.Method, "/") {
		return fmt.Errorf("FALLBACK_METHOD must be a full method name, got %q", c.Fallback.Method)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
