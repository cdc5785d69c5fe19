package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "bridge.yml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	return file
}

func TestLoadAppliesDefaults(t *testing.T) {
	file := writeConfig(t, `
cloud:
  email: user@example.com
  password: secret
`)

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "https://web.dessmonitor.com", cfg.Cloud.BaseURL)
	assert.Equal(t, "bnrl_frRFjEz8Mkn", cfg.Cloud.CompanyKey)
	assert.Equal(t, "1", cfg.Cloud.Source)
	assert.Equal(t, "en_US", cfg.Cloud.I18n)
	assert.Equal(t, 30*time.Second, cfg.Cloud.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Cloud.SessionMargin)

	assert.Equal(t, time.Minute, cfg.Polling.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Polling.DiscoveryInterval)
	assert.Equal(t, 4, cfg.Polling.MaxInFlight)
	assert.Equal(t, cfg.Polling.Interval, cfg.Polling.BackoffBase)
	assert.Equal(t, 30*time.Minute, cfg.Polling.BackoffMax)
	assert.Equal(t, 5*time.Minute, cfg.Polling.RateLimitDelay)

	assert.Equal(t, "dess", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "dess/{plant}/{pn}/measurements", cfg.MQTT.TopicPattern)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTokenTTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileValuesWin(t *testing.T) {
	file := writeConfig(t, `
cloud:
  base_url: https://alt.example.com
  email: user@example.com
  password: secret
  timeout: 10s
polling:
  interval: 2m
  max_in_flight: 8
  backoff_base: 30s
`)

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "https://alt.example.com", cfg.Cloud.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Cloud.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.Polling.Interval)
	assert.Equal(t, 8, cfg.Polling.MaxInFlight)
	assert.Equal(t, 30*time.Second, cfg.Polling.BackoffBase)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DESS_EMAIL", "env@example.com")
	t.Setenv("DESS_PASSWORD", "env-secret")
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("JWT_SECRET", "env-jwt")
	t.Setenv("LOG_LEVEL", "debug")

	file := writeConfig(t, `
cloud:
  email: file@example.com
  password: file-secret
nats:
  url: nats://file:4222
`)

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "env@example.com", cfg.Cloud.Email)
	assert.Equal(t, "env-secret", cfg.Cloud.Password)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "env-jwt", cfg.JWT.Secret)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRequiresCredentials(t *testing.T) {
	file := writeConfig(t, `
cloud:
  email: user@example.com
`)

	_, err := Load(file)
	assert.Error(t, err)
}

func TestLoadRejectsShortInterval(t *testing.T) {
	file := writeConfig(t, `
cloud:
  email: user@example.com
  password: secret
polling:
  interval: 500ms
`)

	_, err := Load(file)
	assert.Error(t, err)
}

func TestLoadRejectsMQTTWithoutBroker(t *testing.T) {
	file := writeConfig(t, `
cloud:
  email: user@example.com
  password: secret
mqtt:
  enabled: true
`)

	_, err := Load(file)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestDeviceDisabled(t *testing.T) {
	cfg := PollingConfig{DisabledDevices: []string{"P1", "P3"}}

	assert.True(t, cfg.DeviceDisabled("P1"))
	assert.False(t, cfg.DeviceDisabled("P2"))
	assert.True(t, cfg.DeviceDisabled("P3"))
}
