// Package config loads the gateway's environment-driven settings, following
// the struct-tag configuration pattern used across the example services
// (env + envDefault tags parsed by caarlos0/env).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ConfigError wraps a configuration failure detected at startup. The
// gateway never attempts to run with an incomplete configuration: Load
// returning an error is always fatal to the process.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return "config: " + e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Settings holds every environment-driven knob the gateway reads at
// startup. Required fields have no envDefault and are checked explicitly in
// Load, so a missing value fails fast with a specific message rather than
// silently zero-valuing.
type Settings struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"3000"`

	EncryptionKey string `env:"ENCRYPTION_KEY"`
	SessionSecret string `env:"SESSION_SECRET"`

	SessionTTLSecs int `env:"SESSION_TTL_SECS" envDefault:"3600"`

	ServicesConfigPath string `env:"SERVICES_CONFIG_PATH" envDefault:"./data/services.json"`
	CredentialsPath    string `env:"CREDENTIALS_PATH" envDefault:"./data/credentials.json"`
	UsersPath          string `env:"USERS_PATH" envDefault:"./data/users.json"`
	AgentsPath         string `env:"AGENTS_PATH" envDefault:"./data/agents.json"`
	SessionsPath       string `env:"SESSIONS_PATH" envDefault:"./data/sessions.json"`

	UpstreamTimeout    time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	RateLimitSweep     time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"5m"`
	RefreshMargin      time.Duration `env:"CREDENTIAL_REFRESH_MARGIN" envDefault:"60s"`
	DefaultAgentTTLDays int          `env:"DEFAULT_AGENT_TTL_DAYS" envDefault:"30"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// SessionTTL returns the configured session lifetime as a Duration.
func (s *Settings) SessionTTL() time.Duration {
	return time.Duration(s.SessionTTLSecs) * time.Second
}

// Addr returns the HTTP listen address for net/http.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load parses environment variables into Settings and enforces the
// required-value invariants the teacher's startup path applies to its own
// master key and JWT secret: missing required configuration is a
// ConfigError, never a zero-valued field silently accepted.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := env.Parse(s); err != nil {
		return nil, configErrorf("parse environment: %v", err)
	}
	if s.EncryptionKey == "" {
		return nil, configErrorf("ENCRYPTION_KEY is required")
	}
	if s.SessionSecret == "" {
		return nil, configErrorf("SESSION_SECRET is required")
	}
	if s.SessionTTLSecs <= 0 {
		return nil, configErrorf("SESSION_TTL_SECS must be positive, got %d", s.SessionTTLSecs)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return nil, configErrorf("PORT must be in 1..65535, got %d", s.Port)
	}
	return s, nil
}
