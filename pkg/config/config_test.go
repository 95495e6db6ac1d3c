package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 30*time.Second, cfg.SilenceTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ConfirmationTTL)
	assert.Equal(t, 400*time.Millisecond, cfg.MinHold)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("SILENCE_TIMEOUT", "45s")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 45*time.Second, cfg.SilenceTimeout)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("SESSION_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_TTL")
}

// Values outside the hard bounds are errors, not clamps.
func TestHardBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ttl too short", func(c *Config) { c.SessionTTL = 30 * time.Second }},
		{"ttl too long", func(c *Config) { c.SessionTTL = 5 * time.Hour }},
		{"silence too short", func(c *Config) { c.SilenceTimeout = time.Second }},
		{"silence too long", func(c *Config) { c.SilenceTimeout = time.Hour }},
		{"confirmation ttl too short", func(c *Config) { c.ConfirmationTTL = time.Second }},
		{"hold too short", func(c *Config) { c.MinHold = time.Millisecond }},
		{"hold too long", func(c *Config) { c.MinHold = time.Minute }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsOutOfBoundEnvironment(t *testing.T) {
	t.Setenv("SILENCE_TIMEOUT", "1s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SILENCE_TIMEOUT")
}
