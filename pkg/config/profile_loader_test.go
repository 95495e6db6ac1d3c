package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadProfileAppliesOverlay(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "studio", `
name: Studio Console
code: studio
ceremony:
  min_hold_ms: 250
  confirmation_ttl_seconds: 120
  silence_timeout_seconds: 60
`)

	p, err := LoadProfile(dir, "studio")
	require.NoError(t, err)
	assert.Equal(t, "Studio Console", p.Name)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Apply(p))

	assert.Equal(t, 250*time.Millisecond, cfg.MinHold)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmationTTL)
	assert.Equal(t, time.Minute, cfg.SilenceTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL, "unset fields keep defaults")
}

// A profile cannot configure its way past the hard bounds.
func TestProfileCannotEscapeBounds(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "kiosk", `
name: Kiosk
code: kiosk
ceremony:
  session_ttl_minutes: 720
`)

	p, err := LoadProfile(dir, "kiosk")
	require.NoError(t, err)

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Apply(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kiosk")
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	require.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "studio", "name: Studio\n")
	writeProfile(t, dir, "kiosk", "name: Kiosk\ncode: kiosk\n")

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "studio", profiles["studio"].Code, "code falls back to the filename")
	assert.Equal(t, "Kiosk", profiles["kiosk"].Name)
}
