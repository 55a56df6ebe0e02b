package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeattend/internal/schedule"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/edge")
	t.Setenv("DEVICE_ID", "gate-1")

	cfg := Load()
	assert.Equal(t, "gate-1", cfg.DeviceID)
	assert.Equal(t, "/tmp/edge/edgeattend.db", cfg.DBPath)
	assert.Equal(t, "/tmp/edge/artifacts", cfg.ArtifactDir)
	assert.Equal(t, 60*time.Second, cfg.SyncInterval)
	assert.Equal(t, 20, cfg.SyncBatch)
	assert.Equal(t, 3, cfg.SyncMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.Equal(t, 300*time.Second, cfg.BackoffMax)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 3*time.Second, cfg.StabilityThreshold)
	assert.Equal(t, 15*time.Second, cfg.CaptureTimeout)
	assert.Nil(t, cfg.AllowEarly)
	assert.False(t, cfg.Cloudinary.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "5s")
	t.Setenv("SYNC_BATCH", "50")
	t.Setenv("FACE_SKIP", "false")
	t.Setenv("ALLOW_EARLY", "no")
	t.Setenv("CLOUDINARY_CLOUD_NAME", "demo")
	t.Setenv("CLOUDINARY_API_KEY", "key")
	t.Setenv("CLOUDINARY_API_SECRET", "secret")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 50, cfg.SyncBatch)
	assert.False(t, cfg.FaceSkip)
	require.NotNil(t, cfg.AllowEarly)
	assert.False(t, *cfg.AllowEarly)
	assert.True(t, cfg.Cloudinary.Enabled())
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "soon")
	t.Setenv("SYNC_BATCH", "lots")
	t.Setenv("FACE_SKIP", "maybe")
	t.Setenv("UNRESTRICTED_SCAN", "perhaps")

	cfg := Load()
	assert.Equal(t, 60*time.Second, cfg.SyncInterval)
	assert.Equal(t, 20, cfg.SyncBatch)
	assert.True(t, cfg.FaceSkip)
	assert.Nil(t, cfg.UnrestrictedScan)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.DeviceID = ""
	cfg.QueueBackend = "kafka"
	cfg.SyncBatch = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEVICE_ID")
	assert.Contains(t, err.Error(), "QUEUE_BACKEND")
	assert.Contains(t, err.Error(), "SYNC_BATCH")

	prod := Load()
	prod.DeviceID = "gate-1"
	prod.Env = "prod"
	assert.Error(t, prod.Validate())
}

func TestLoadSchedule_Default(t *testing.T) {
	cfg, err := App{}.LoadSchedule()
	require.NoError(t, err)
	assert.Equal(t, schedule.DefaultConfig(), cfg)
}

func TestLoadSchedule_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone = "Asia/Kolkata"
allow_early = true

[[window]]
session = "day"
start = "09:00"
end = "17:00"
late_threshold_minutes = 10
cooldown_minutes = 2
`), 0o600))

	unrestricted := true
	early := false
	cfg, err := App{ScheduleFile: path, UnrestrictedScan: &unrestricted, AllowEarly: &early, Timezone: "UTC"}.LoadSchedule()
	require.NoError(t, err)
	require.Len(t, cfg.Windows, 1)
	assert.Equal(t, "day", cfg.Windows[0].Session)
	assert.True(t, cfg.Unrestricted)
	assert.False(t, cfg.AllowEarly)
	assert.Equal(t, "UTC", cfg.Timezone)

	_, err = schedule.New(cfg)
	assert.NoError(t, err)
}

func TestLoadSchedule_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := App{ScheduleFile: filepath.Join(dir, "missing.toml")}.LoadSchedule()
	assert.Error(t, err)

	typo := filepath.Join(dir, "typo.toml")
	require.NoError(t, os.WriteFile(typo, []byte("timezon = \"UTC\"\n"), 0o600))
	_, err = App{ScheduleFile: typo}.LoadSchedule()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezon")
}
