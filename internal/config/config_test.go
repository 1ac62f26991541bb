package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicitly named missing file should fail")

	cfg, err = Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())

	assert.Equal(t, "avatarr.db", cfg.Database.Path)
	assert.Equal(t, "./data", cfg.Storage.Root)
	assert.Equal(t, 30*24*time.Hour, cfg.Storage.VideosRetention)

	assert.Equal(t, 2, cfg.GPU.DetectorSlots)
	assert.Equal(t, 1, cfg.GPU.SegmenterSlots)
	assert.Equal(t, int64(10)<<30, cfg.GPU.PeakVRAM())

	assert.Equal(t, 50, cfg.Pipeline.MaxActiveTasks)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.PollTimeout)
	assert.Equal(t, int64(10)<<20, cfg.Pipeline.MaxImageSize.Bytes())

	assert.Equal(t, 256, cfg.Progress.HistoryDepth)
	assert.Equal(t, 30*time.Second, cfg.Progress.HeartbeatInterval)

	assert.Equal(t, time.Hour, cfg.Maintenance.CleanupInterval)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
storage:
  root: /var/lib/avatarr
  min_free_bytes: 10GB
pipeline:
  max_active_tasks: 10
  max_image_size: 5MB
gpu:
  detector_slots: 1
  detector_slot_vram: 4GB
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/avatarr", cfg.Storage.Root)
	assert.Equal(t, int64(10)<<30, cfg.Storage.MinFreeBytes.Bytes())
	assert.Equal(t, 10, cfg.Pipeline.MaxActiveTasks)
	assert.Equal(t, int64(5)<<20, cfg.Pipeline.MaxImageSize.Bytes())
	assert.Equal(t, int64(4)<<30, cfg.GPU.DetectorSlotVRAM.Bytes())

	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 2, cfg.Pipeline.EngineRetries)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AVATARR_SERVER_PORT", "7070")
	t.Setenv("AVATARR_ENGINES_DETECTOR_BASE_URL", "http://detector.internal:9001")
	t.Setenv("AVATARR_PIPELINE_POLL_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "http://detector.internal:9001", cfg.Engines.Detector.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.PollTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(*Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "missing storage root",
			mutate:  func(c *Config) { c.Storage.Root = "" },
			wantErr: "storage.root",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "zero detector slots",
			mutate:  func(c *Config) { c.GPU.DetectorSlots = 0 },
			wantErr: "gpu.detector_slots",
		},
		{
			name: "slots exceed device VRAM",
			mutate: func(c *Config) {
				c.GPU.DetectorSlots = 8
				c.GPU.DetectorSlotVRAM = ByteSize(4) << 30
			},
			wantErr: "peak VRAM",
		},
		{
			name:    "zero active task cap",
			mutate:  func(c *Config) { c.Pipeline.MaxActiveTasks = 0 },
			wantErr: "pipeline.max_active_tasks",
		},
		{
			name:    "backoff multiplier below one",
			mutate:  func(c *Config) { c.Pipeline.PollMultiplier = 0.5 },
			wantErr: "poll_multiplier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
