package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Auth.Username = "+79990001122"
	cfg.Auth.Password = "secret"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "https://mp.lsr.ru/api/rpc", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 12*time.Hour, cfg.Poll.ScanInterval)
	assert.Equal(t, 3, cfg.Poll.DegradedThreshold)
	assert.Equal(t, time.Minute, cfg.Poll.BackoffFloor)
	assert.Equal(t, "lsr", cfg.MQTT.TopicPrefix)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		cfg := validConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing username", func(t *testing.T) {
		cfg := validConfig()
		cfg.Auth.Username = ""
		assert.ErrorContains(t, cfg.Validate(), "auth.username")
	})

	t.Run("missing password", func(t *testing.T) {
		cfg := validConfig()
		cfg.Auth.Password = ""
		assert.ErrorContains(t, cfg.Validate(), "auth.password")
	})

	t.Run("scan interval below floor is rejected, not clamped", func(t *testing.T) {
		cfg := validConfig()
		cfg.Poll.ScanInterval = 30 * time.Minute
		assert.ErrorContains(t, cfg.Validate(), "scan_interval")
	})

	t.Run("scan interval at floor passes", func(t *testing.T) {
		cfg := validConfig()
		cfg.Poll.ScanInterval = MinScanInterval
		assert.NoError(t, cfg.Validate())
	})

	t.Run("degraded threshold below one", func(t *testing.T) {
		cfg := validConfig()
		cfg.Poll.DegradedThreshold = 0
		assert.ErrorContains(t, cfg.Validate(), "degraded_threshold")
	})

	t.Run("backoff floor above scan interval", func(t *testing.T) {
		cfg := validConfig()
		cfg.Poll.BackoffFloor = 13 * time.Hour
		assert.ErrorContains(t, cfg.Validate(), "backoff_floor")
	})

	t.Run("missing base URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.API.BaseURL = ""
		assert.ErrorContains(t, cfg.Validate(), "base_url")
	})
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
auth:
  username: "+79990001122"
  password: "secret"
poll:
  scan_interval: 2h
  degraded_threshold: 5
mqtt:
  enabled: true
  broker: "tcp://localhost:1883"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "+79990001122", cfg.Auth.Username)
	assert.Equal(t, 2*time.Hour, cfg.Poll.ScanInterval)
	assert.Equal(t, 5, cfg.Poll.DegradedThreshold)
	assert.True(t, cfg.MQTT.Enabled)
	// Unset keys keep their defaults.
	assert.Equal(t, "https://mp.lsr.ru/api/rpc", cfg.API.BaseURL)
	assert.Equal(t, time.Minute, cfg.Poll.BackoffFloor)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultScanInterval, cfg.Poll.ScanInterval)
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  username: from-yaml\n"), 0o600))

	t.Setenv("LSRD_USERNAME", "from-env")
	t.Setenv("LSRD_SCAN_INTERVAL", "3h")
	t.Setenv("LSRD_MQTT_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.Username)
	assert.Equal(t, 3*time.Hour, cfg.Poll.ScanInterval)
	assert.True(t, cfg.MQTT.Enabled)
}
