package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("CAMERA_MAP", filepath.Join(dir, "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.ConfirmationThreshold)
	assert.Equal(t, DropOldest, cfg.FrameDropPolicy)
	assert.Equal(t, 64, cfg.SubscriberQueueCapacity)
	assert.Equal(t, 30*time.Second, cfg.MaxEpisodeDuration)
	assert.Equal(t, 0.65, cfg.ConfidenceThreshold)
	assert.Empty(t, cfg.Cameras)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("CAMERA_MAP", filepath.Join(dir, "missing.yaml"))
	t.Setenv("CONFIRMATION_THRESHOLD", "6")
	t.Setenv("COOLDOWN_FRAMES", "20")
	t.Setenv("FRAME_DROP_POLICY", "drop-newest")
	t.Setenv("SESSION_IDLE_TIMEOUT", "45s")
	t.Setenv("ACCIDENT_LABELS", "accident, crash ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.ConfirmationThreshold)
	assert.Equal(t, 20, cfg.CooldownFrames)
	assert.Equal(t, DropNewest, cfg.FrameDropPolicy)
	assert.Equal(t, 45*time.Second, cfg.SessionIdleTimeout)
	assert.Equal(t, []string{"accident", "crash"}, cfg.AccidentLabels)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("SUBSCRIBER_QUEUE_CAPACITY=10\nPORT=9191\n"), 0644))

	t.Setenv("ENV_FILE", envPath)
	t.Setenv("CAMERA_MAP", filepath.Join(dir, "missing.yaml"))
	t.Setenv("PORT", "")
	t.Setenv("SUBSCRIBER_QUEUE_CAPACITY", "")
	// godotenv never overrides variables that are already set, so unset them.
	os.Unsetenv("PORT")
	os.Unsetenv("SUBSCRIBER_QUEUE_CAPACITY")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, 10, cfg.SubscriberQueueCapacity)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"CONFIRMATION_THRESHOLD", "0"},
		{"SUBSCRIBER_QUEUE_CAPACITY", "0"},
		{"FRAME_DROP_POLICY", "drop-everything"},
		{"BUS_WORKERS", "0"},
		{"MQTT_QOS", "3"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
			t.Setenv("CAMERA_MAP", filepath.Join(dir, "missing.yaml"))
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadCameraMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.yaml")
	yaml := `
cameras:
  cam-1: /videos/junction.mp4
  cam-2: rtsp://10.0.0.12/stream
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cameras, err := LoadCameraMap(path)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"cam-1": "/videos/junction.mp4",
		"cam-2": "rtsp://10.0.0.12/stream",
	}, cameras)
}

func TestLoadCameraMap_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cameras: [unclosed"), 0644))

	_, err := LoadCameraMap(path)
	assert.Error(t, err)
}

func TestLoadCameraMap_Missing(t *testing.T) {
	cameras, err := LoadCameraMap(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, cameras)
}
