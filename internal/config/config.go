package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the client configuration.
type Config struct {
	Client ClientConfig
	Poller PollerConfig
	App    AppConfig
}

// ClientConfig holds the API client configuration.
type ClientConfig struct {
	BaseURL        string        `envconfig:"LINK_API_BASE_URL" default:"http://localhost:8000"`
	RequestTimeout time.Duration `envconfig:"LINK_REQUEST_TIMEOUT" default:"10s"`
	RateLimit      float64       `envconfig:"LINK_RATE_LIMIT" default:"10"` // requests per second
	RateBurst      int           `envconfig:"LINK_RATE_BURST" default:"5"`
	Email          string        `envconfig:"LINK_EMAIL"`
	Password       string        `envconfig:"LINK_PASSWORD"`
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("base URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("rate burst must be positive")
	}
	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("email and password must be set together")
	}
	return nil
}

// HasCredentials reports whether the session should log in on open.
func (c *ClientConfig) HasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

// PollerConfig holds list refresh configuration.
type PollerConfig struct {
	Interval         time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	PageLimit        int           `envconfig:"LIST_PAGE_LIMIT" default:"100"`
	TargetsPageLimit int           `envconfig:"TARGETS_PAGE_LIMIT" default:"1000"`
}

// Validate validates the poller configuration.
func (c *PollerConfig) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("poll interval must be at least 1s, got %s", c.Interval)
	}
	if c.PageLimit <= 0 {
		return fmt.Errorf("list page limit must be positive")
	}
	if c.TargetsPageLimit < c.PageLimit {
		return fmt.Errorf("targets page limit (%d) cannot be less than list page limit (%d)", c.TargetsPageLimit, c.PageLimit)
	}
	return nil
}

// AppConfig holds application-specific configuration.
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"` // development, staging, production, test
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`      // debug, info, warn, error
}

// Validate validates the app configuration.
func (c *AppConfig) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s (must be one of: development, staging, production, test)", c.Environment)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}

// StubConfig holds configuration for the in-memory API double.
type StubConfig struct {
	Server          StubServerConfig `ignored:"true"`
	App             AppConfig        `ignored:"true"`
	JWTSecret       string           `envconfig:"STUB_JWT_SECRET" default:"change-me-in-production-please"`
	BackupRetention time.Duration    `envconfig:"STUB_BACKUP_RETENTION" default:"48h"`
	SessionTTL      time.Duration    `envconfig:"STUB_SESSION_TTL" default:"336h"`
}

// StubServerConfig holds HTTP server configuration for the stub.
type StubServerConfig struct {
	Port            string        `envconfig:"STUB_PORT" default:"8000"`
	Host            string        `envconfig:"STUB_HOST" default:"127.0.0.1"`
	BaseURL         string        `envconfig:"STUB_BASE_URL" default:"http://localhost:8080"`
	ReadTimeout     time.Duration `envconfig:"STUB_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"STUB_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"STUB_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"STUB_SHUTDOWN_TIMEOUT" default:"30s"`
}

// Validate validates the stub server configuration.
func (c *StubServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// Validate validates the stub configuration.
func (c *StubConfig) Validate() error {
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	if c.BackupRetention <= 0 {
		return fmt.Errorf("backup retention must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	return nil
}

// Load loads the client configuration from environment variables only.
// (.env loading happens in internal/app, not here.)
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process("", &cfg.Client); err != nil {
		return nil, fmt.Errorf("failed to load Client config: %w", err)
	}
	if err := cfg.Client.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Client config: %w", err)
	}

	if err := envconfig.Process("", &cfg.Poller); err != nil {
		return nil, fmt.Errorf("failed to load Poller config: %w", err)
	}
	if err := cfg.Poller.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Poller config: %w", err)
	}

	if err := envconfig.Process("", &cfg.App); err != nil {
		return nil, fmt.Errorf("failed to load App config: %w", err)
	}
	if err := cfg.App.Validate(); err != nil {
		return nil, fmt.Errorf("invalid App config: %w", err)
	}

	return cfg, nil
}

// LoadStub loads the stub API configuration from environment variables only.
func LoadStub() (*StubConfig, error) {
	cfg := &StubConfig{}

	if err := envconfig.Process("", &cfg.Server); err != nil {
		return nil, fmt.Errorf("failed to load Server config: %w", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Server config: %w", err)
	}

	if err := envconfig.Process("", &cfg.App); err != nil {
		return nil, fmt.Errorf("failed to load App config: %w", err)
	}
	if err := cfg.App.Validate(); err != nil {
		return nil, fmt.Errorf("invalid App config: %w", err)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load Stub config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Stub config: %w", err)
	}

	return cfg, nil
}
