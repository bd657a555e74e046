package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the Instagram client.
type Config struct {
	// Request execution settings
	Client ClientConfig `yaml:"client" json:"client"`

	// Rate controller settings
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Session persistence settings
	Session SessionConfig `yaml:"session" json:"session"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ClientConfig holds request executor configuration.
type ClientConfig struct {
	// MaxConnectionAttempts is the retry ceiling for retryable failures.
	// 0 means retry indefinitely.
	MaxConnectionAttempts int `yaml:"max_connection_attempts" json:"max_connection_attempts"`

	// RequestTimeoutSeconds bounds every network call. Large media responses
	// are expected, so the default is generous.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`

	// AbortOnStatusCodes lists HTTP status codes that bypass retry and
	// terminate the run immediately.
	AbortOnStatusCodes []int `yaml:"abort_on_status_codes" json:"abort_on_status_codes"`

	// NoSleep disables proactive rate-controller sleeping. For trusted,
	// low-volume use only.
	NoSleep bool `yaml:"no_sleep" json:"no_sleep"`

	// UserAgent overrides the default browser user agent.
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// RateLimitConfig holds rate controller configuration.
type RateLimitConfig struct {
	WindowSeconds        int     `yaml:"window_seconds" json:"window_seconds"`
	MaxRequestsPerWindow int     `yaml:"max_requests_per_window" json:"max_requests_per_window"`
	FloorRequestsPerSec  float64 `yaml:"floor_requests_per_sec" json:"floor_requests_per_sec"`
}

// SessionConfig holds session persistence configuration.
type SessionConfig struct {
	// File is the path of the encrypted session file. Empty uses the
	// platform config directory.
	File string `yaml:"file" json:"file"`

	// UseKeyring prefers the system keychain over the encrypted file.
	UseKeyring bool `yaml:"use_keyring" json:"use_keyring"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			MaxConnectionAttempts: 3,
			RequestTimeoutSeconds: 300,
			AbortOnStatusCodes:    nil,
			NoSleep:               false,
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
				"(KHTML, like Gecko) Chrome/51.0.2704.79 Safari/537.36",
		},
		RateLimit: RateLimitConfig{
			WindowSeconds:        660,
			MaxRequestsPerWindow: 200,
			FloorRequestsPerSec:  0.5,
		},
		Session: SessionConfig{
			UseKeyring: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("IGCLIENT_MAX_CONNECTION_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Client.MaxConnectionAttempts = n
		}
	}
	if v := os.Getenv("IGCLIENT_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Client.RequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("IGCLIENT_ABORT_ON"); v != "" {
		var codes []int
		for _, part := range strings.Split(v, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				codes = append(codes, n)
			}
		}
		if len(codes) > 0 {
			c.Client.AbortOnStatusCodes = codes
		}
	}
	if v := os.Getenv("IGCLIENT_NO_SLEEP"); v != "" {
		c.Client.NoSleep = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("IGCLIENT_USER_AGENT"); v != "" {
		c.Client.UserAgent = v
	}
	if v := os.Getenv("IGCLIENT_SESSION_FILE"); v != "" {
		c.Session.File = v
	}
	if v := os.Getenv("IGCLIENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// findConfigFile searches for a config file in standard locations.
func (c *Config) findConfigFile() string {
	locations := []string{
		".igclient.yaml",
		".igclient.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "igclient", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".igclient.yaml"),
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Client.MaxConnectionAttempts < 0 {
		errs = append(errs, errors.New("max connection attempts cannot be negative"))
	}
	if c.Client.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	for _, code := range c.Client.AbortOnStatusCodes {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("invalid abort-on status code: %d", code))
		}
	}
	if c.RateLimit.WindowSeconds <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	if c.RateLimit.MaxRequestsPerWindow <= 0 {
		errs = append(errs, errors.New("max requests per window must be positive"))
	}
	if c.RateLimit.FloorRequestsPerSec <= 0 {
		errs = append(errs, errors.New("floor requests per second must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "disabled": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MergeFlags merges command line flags into the configuration.
func (c *Config) MergeFlags(flags map[string]interface{}) {
	if v, ok := flags["max-connection-attempts"].(int); ok && v >= 0 {
		c.Client.MaxConnectionAttempts = v
	}
	if v, ok := flags["request-timeout"].(int); ok && v > 0 {
		c.Client.RequestTimeoutSeconds = v
	}
	if v, ok := flags["abort-on"].([]int); ok && len(v) > 0 {
		c.Client.AbortOnStatusCodes = v
	}
	if v, ok := flags["no-sleep"].(bool); ok {
		c.Client.NoSleep = v
	}
	if v, ok := flags["user-agent"].(string); ok && v != "" {
		c.Client.UserAgent = v
	}
	if v, ok := flags["session-file"].(string); ok && v != "" {
		c.Session.File = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence order: flags > environment variables > .env file > config file > defaults.
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".igclient.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	config.MergeFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}
