package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CeremonyProfile is a named overlay on the timing defaults. Deployments
// with different operator populations (a studio console versus a kiosk)
// ship different profiles; the hard bounds in this package still apply.
type CeremonyProfile struct {
	Name     string         `yaml:"name" json:"name"`
	Code     string         `yaml:"code" json:"code"`
	Ceremony CeremonyConfig `yaml:"ceremony" json:"ceremony"`
}

// CeremonyConfig holds the per-profile confirmation parameters.
type CeremonyConfig struct {
	MinHoldMs              int `yaml:"min_hold_ms" json:"min_hold_ms"`
	ConfirmationTTLSeconds int `yaml:"confirmation_ttl_seconds" json:"confirmation_ttl_seconds"`
	SilenceTimeoutSeconds  int `yaml:"silence_timeout_seconds" json:"silence_timeout_seconds"`
	SessionTTLMinutes      int `yaml:"session_ttl_minutes" json:"session_ttl_minutes"`
}

// LoadProfile loads profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*CeremonyProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile CeremonyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*CeremonyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*CeremonyProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile CeremonyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// Apply overlays the profile onto the config. Zero fields leave the config
// untouched; the merged result is re-validated against the hard bounds, so
// a profile cannot escape them.
func (c *Config) Apply(p *CeremonyProfile) error {
	if p.Ceremony.MinHoldMs > 0 {
		c.MinHold = time.Duration(p.Ceremony.MinHoldMs) * time.Millisecond
	}
	if p.Ceremony.ConfirmationTTLSeconds > 0 {
		c.ConfirmationTTL = time.Duration(p.Ceremony.ConfirmationTTLSeconds) * time.Second
	}
	if p.Ceremony.SilenceTimeoutSeconds > 0 {
		c.SilenceTimeout = time.Duration(p.Ceremony.SilenceTimeoutSeconds) * time.Second
	}
	if p.Ceremony.SessionTTLMinutes > 0 {
		c.SessionTTL = time.Duration(p.Ceremony.SessionTTLMinutes) * time.Minute
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("profile %q: %w", p.Code, err)
	}
	return nil
}
