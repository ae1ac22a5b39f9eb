package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, doc map[string]interface{}) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8002, cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.Server.WebSocketPath)
	assert.Equal(t, 100, cfg.Server.MaxConnections)
	assert.Equal(t, 9997, cfg.MediaMTX.APIPort)
	assert.Equal(t, 8554, cfg.MediaMTX.RTSPPort)
	assert.Equal(t, 3, cfg.MediaMTX.HealthFailureThreshold)
	assert.Equal(t, 60.0, cfg.MediaMTX.HealthCircuitBreakerTimeout)
	assert.Equal(t, 120, cfg.Security.RequestsPerMinute)
	assert.Len(t, cfg.Camera.DeviceRange, 10)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, map[string]interface{}{
		"server": map[string]interface{}{
			"port":            9100,
			"max_connections": 7,
		},
		"camera": map[string]interface{}{
			"device_range":  []int{0, 1},
			"poll_interval": 0.25,
		},
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Server.MaxConnections)
	assert.Equal(t, []int{0, 1}, cfg.Camera.DeviceRange)
	assert.Equal(t, 0.25, cfg.Camera.PollInterval)
	// Untouched sections keep defaults.
	assert.Equal(t, 9997, cfg.MediaMTX.APIPort)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAMERA_SERVICE_JWT_SECRET", "env-secret")
	t.Setenv("CAMERA_SERVICE_API_KEYS_PATH", "/tmp/env-keys.json")
	t.Setenv("CAMERA_SERVICE_RATE_RPM", "33")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Security.TokenSecret)
	assert.Equal(t, "/tmp/env-keys.json", cfg.Security.APIKeysPath)
	assert.Equal(t, 33, cfg.Security.RequestsPerMinute)
}

func TestEnvOverrideIgnoresGarbageRate(t *testing.T) {
	t.Setenv("CAMERA_SERVICE_RATE_RPM", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Security.RequestsPerMinute)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfigFile(t, map[string]interface{}{
		"server": map[string]interface{}{"port": 99999},
	})
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")

	path = writeConfigFile(t, map[string]interface{}{
		"camera": map[string]interface{}{"poll_interval": -1.0},
	})
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8002, cfg.Server.Port)
}
