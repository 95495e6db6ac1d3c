// Package config loads runtime configuration from the environment and from
// ceremony profile files. Timing parameters carry hard bounds: a value
// outside its bound is a configuration error, not a clamp. Nothing may
// configure the silence timeout or session TTL away.
package config

import (
	"fmt"
	"os"
	"time"
)

// Hard bounds on the timing parameters. These are not defaults; they are
// the range outside which the runtime refuses to start.
const (
	MinSilenceTimeout = 5 * time.Second
	MaxSilenceTimeout = 10 * time.Minute

	MinSessionTTL = 1 * time.Minute
	MaxSessionTTL = 4 * time.Hour

	MinConfirmationTTL = 30 * time.Second
	MaxConfirmationTTL = 15 * time.Minute

	MinHoldFloor   = 100 * time.Millisecond
	MinHoldCeiling = 5 * time.Second
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// AuditDBPath is the sqlite file backing the audit chain. Empty keeps
	// the chain in memory only.
	AuditDBPath string

	// RootSecret seeds the authority wire-token signing key. Empty
	// disables wire tokens.
	RootSecret string

	SessionTTL      time.Duration
	SilenceTimeout  time.Duration
	ConfirmationTTL time.Duration
	MinHold         time.Duration

	// ProfilesDir and Profile select a ceremony profile overlaying the
	// timing defaults. Empty Profile means no overlay.
	ProfilesDir string
	Profile     string

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applies defaults,
// and enforces the hard bounds.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            envOr("PORT", "8080"),
		LogLevel:        envOr("LOG_LEVEL", "INFO"),
		AuditDBPath:     os.Getenv("AUDIT_DB_PATH"),
		RootSecret:      os.Getenv("ROOT_SECRET"),
		ProfilesDir:     envOr("PROFILES_DIR", "profiles"),
		Profile:         os.Getenv("CEREMONY_PROFILE"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
		SessionTTL:      30 * time.Minute,
		SilenceTimeout:  30 * time.Second,
		ConfirmationTTL: 5 * time.Minute,
		MinHold:         400 * time.Millisecond,
	}

	var err error
	if cfg.SessionTTL, err = envDuration("SESSION_TTL", cfg.SessionTTL); err != nil {
		return nil, err
	}
	if cfg.SilenceTimeout, err = envDuration("SILENCE_TIMEOUT", cfg.SilenceTimeout); err != nil {
		return nil, err
	}
	if cfg.ConfirmationTTL, err = envDuration("CONFIRMATION_TTL", cfg.ConfirmationTTL); err != nil {
		return nil, err
	}
	if cfg.MinHold, err = envDuration("MIN_HOLD", cfg.MinHold); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the hard bounds.
func (c *Config) Validate() error {
	if c.SessionTTL < MinSessionTTL || c.SessionTTL > MaxSessionTTL {
		return fmt.Errorf("config: SESSION_TTL %s outside [%s, %s]", c.SessionTTL, MinSessionTTL, MaxSessionTTL)
	}
	if c.SilenceTimeout < MinSilenceTimeout || c.SilenceTimeout > MaxSilenceTimeout {
		return fmt.Errorf("config: SILENCE_TIMEOUT %s outside [%s, %s]", c.SilenceTimeout, MinSilenceTimeout, MaxSilenceTimeout)
	}
	if c.ConfirmationTTL < MinConfirmationTTL || c.ConfirmationTTL > MaxConfirmationTTL {
		return fmt.Errorf("config: CONFIRMATION_TTL %s outside [%s, %s]", c.ConfirmationTTL, MinConfirmationTTL, MaxConfirmationTTL)
	}
	if c.MinHold < MinHoldFloor || c.MinHold > MinHoldCeiling {
		return fmt.Errorf("config: MIN_HOLD %s outside [%s, %s]", c.MinHold, MinHoldFloor, MinHoldCeiling)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
