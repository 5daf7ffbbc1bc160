// ABOUTME: Configuration loading and parsing for the root authority
// ABOUTME: Supports YAML files with environment variable expansion and validation

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete root authority configuration.
type Config struct {
	Database   DatabaseConfig  `yaml:"database"`
	Keys       KeysConfig      `yaml:"keys"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Lifetimes  LifetimesConfig `yaml:"lifetimes"`
	Logging    LoggingConfig   `yaml:"logging"`
	Metrics    MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// KeysConfig holds server-held key material and key storage paths.
type KeysConfig struct {
	HMACAuditKey   string `yaml:"hmac_audit_key"`
	ContextHMACKey string `yaml:"context_hmac_key"`
	CADir          string `yaml:"ca_dir"` // root CA cert/key location
}

// AuthConfig holds token signing configuration.
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	IdempotencyTTL int    `yaml:"idempotency_ttl"` // seconds
}

// RateLimitConfig holds per-flow fixed-window request limits (per minute).
type RateLimitConfig struct {
	Device int `yaml:"device"`
	QR     int `yaml:"qr"`
	Auth   int `yaml:"auth"`
}

// LifetimesConfig holds all TTLs, in seconds.
type LifetimesConfig struct {
	AccessTokenSeconds  int `yaml:"access_token_seconds"`
	RefreshTokenSeconds int `yaml:"refresh_token_seconds"`
	ChannelTokenSeconds int `yaml:"channel_token_seconds"`
	DeviceCodeSeconds   int `yaml:"device_code_seconds"`
	QRSessionSeconds    int `yaml:"qr_session_seconds"`
	ChallengeSeconds    int `yaml:"challenge_seconds"`
	ConsentTTLSeconds   int `yaml:"consent_ttl_seconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when a lifetime or limit is absent from the file.
const (
	defaultIdempotencyTTL      = 24 * 60 * 60
	defaultAccessTokenSeconds  = 15 * 60
	defaultRefreshTokenSeconds = 30 * 24 * 60 * 60
	defaultChannelTokenSeconds = 10 * 60
	defaultDeviceCodeSeconds   = 5 * 60
	defaultQRSessionSeconds    = 3 * 60
	defaultChallengeSeconds    = 60
	defaultConsentTTLSeconds   = 10 * 60
	defaultRateLimit           = 60
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued lifetimes and limits.
func (c *Config) applyDefaults() {
	if c.Auth.IdempotencyTTL <= 0 {
		c.Auth.IdempotencyTTL = defaultIdempotencyTTL
	}
	if c.Lifetimes.AccessTokenSeconds <= 0 {
		c.Lifetimes.AccessTokenSeconds = defaultAccessTokenSeconds
	}
	if c.Lifetimes.RefreshTokenSeconds <= 0 {
		c.Lifetimes.RefreshTokenSeconds = defaultRefreshTokenSeconds
	}
	if c.Lifetimes.ChannelTokenSeconds <= 0 {
		c.Lifetimes.ChannelTokenSeconds = defaultChannelTokenSeconds
	}
	if c.Lifetimes.DeviceCodeSeconds <= 0 {
		c.Lifetimes.DeviceCodeSeconds = defaultDeviceCodeSeconds
	}
	if c.Lifetimes.QRSessionSeconds <= 0 {
		c.Lifetimes.QRSessionSeconds = defaultQRSessionSeconds
	}
	if c.Lifetimes.ChallengeSeconds <= 0 {
		c.Lifetimes.ChallengeSeconds = defaultChallengeSeconds
	}
	if c.Lifetimes.ConsentTTLSeconds <= 0 {
		c.Lifetimes.ConsentTTLSeconds = defaultConsentTTLSeconds
	}
	if c.RateLimits.Device <= 0 {
		c.RateLimits.Device = defaultRateLimit
	}
	if c.RateLimits.QR <= 0 {
		c.RateLimits.QR = defaultRateLimit
	}
	if c.RateLimits.Auth <= 0 {
		c.RateLimits.Auth = defaultRateLimit
	}
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Keys.HMACAuditKey == "" {
		return fmt.Errorf("keys.hmac_audit_key is required")
	}
	if c.Keys.ContextHMACKey == "" {
		return fmt.Errorf("keys.context_hmac_key is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// IdempotencyTTL returns the idempotency cache TTL as a duration.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Auth.IdempotencyTTL) * time.Second
}

// Lifetime converts a configured lifetime in seconds to a duration.
func Lifetime(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
