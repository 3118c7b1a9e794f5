package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME at an empty directory so a real config file is never
// picked up
func isolate(t *testing.T) string {
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	base := filepath.Join(home, ".smart-trainer")
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(base, "logs", "smart-trainer.log"), cfg.Log.File)
	assert.Equal(t, 200, cfg.Rider.FTP)
	assert.Equal(t, 180, cfg.Rider.MaxHR)
	assert.Equal(t, 3, cfg.Devices.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Devices.ReconnectDelay)
	assert.False(t, cfg.Devices.Simulate)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(base, "state"), cfg.Storage.Dir)
	assert.Equal(t, 30, cfg.History.Limit)
	assert.Equal(t, filepath.Join(base, "exports"), cfg.Export.Dir)
	assert.False(t, cfg.MQTT.Enabled)
	assert.True(t, cfg.Ride.Recover)
	assert.Equal(t, time.Second, cfg.Ride.SampleInterval)
	assert.Equal(t, 600, cfg.Ride.SnapshotPoints)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoad_Flags(t *testing.T) {
	isolate(t)

	cfg, err := Load([]string{"--simulate", "--ftp", "275", "--storage", "memory", "--mqtt", "--recover=false"})
	require.NoError(t, err)
	assert.True(t, cfg.Devices.Simulate)
	assert.Equal(t, 275, cfg.Rider.FTP)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.True(t, cfg.MQTT.Enabled)
	assert.False(t, cfg.Ride.Recover)
}

func TestLoad_Env(t *testing.T) {
	isolate(t)
	t.Setenv("SMART_TRAINER_RIDER_MAX_HR", "192")
	t.Setenv("SMART_TRAINER_DEVICES_RECONNECT_DELAY", "500ms")
	t.Setenv("SMART_TRAINER_MQTT_TOPIC_PREFIX", "garage/bike")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 192, cfg.Rider.MaxHR)
	assert.Equal(t, 500*time.Millisecond, cfg.Devices.ReconnectDelay)
	assert.Equal(t, "garage/bike", cfg.MQTT.TopicPrefix)
}

func TestLoad_Precedence(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "trainer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rider:
  ftp: 230
  max_hr: 175
storage:
  backend: redis
log:
  level: debug
`), 0o644))
	t.Setenv("SMART_TRAINER_RIDER_FTP", "240")

	cfg, err := Load([]string{"--config", path, "--max-hr", "185"})
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, 240, cfg.Rider.FTP, "env beats file")
	assert.Equal(t, 185, cfg.Rider.MaxHR, "flag beats file")
	assert.Equal(t, "redis", cfg.Storage.Backend, "file beats default")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_DefaultConfigFile(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".smart-trainer")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("rider:\n  ftp: 310\n"), 0o644))

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 310, cfg.Rider.FTP)
}

func TestLoad_Errors(t *testing.T) {
	isolate(t)

	_, err := Load([]string{"--config", "/does/not/exist.yaml"})
	assert.Error(t, err)

	_, err = Load([]string{"--storage", "s3"})
	assert.ErrorContains(t, err, "storage.backend")

	_, err = Load([]string{"--ftp", "0"})
	assert.ErrorContains(t, err, "rider.ftp")

	_, err = Load([]string{"--no-such-flag"})
	assert.Error(t, err)
}
