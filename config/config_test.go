package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/exitnotify/notify"
	"github.com/jnesss/exitnotify/platform"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, notify.DefaultBufferSize, cfg.Capture.BufferSize)
	assert.Equal(t, platform.ModeAuto, cfg.Monitor.Mode)
	assert.Equal(t, filepath.Join("data", "bins"), cfg.ArchiveDir())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exitnotify.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/exitnotify
capture:
  buffer_size: 4096
  watermark: 1024
monitor:
  mode: poll
  refresh_interval: 500ms
archive:
  enabled: true
  dir: /srv/bins
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/exitnotify", cfg.DataDir)
	assert.Equal(t, 4096, cfg.Capture.BufferSize)
	assert.Equal(t, 1024, cfg.Capture.Watermark)
	assert.Equal(t, platform.ModePoll, cfg.Monitor.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.RefreshInterval)
	assert.Equal(t, "/srv/bins", cfg.ArchiveDir())
	// untouched keys keep their defaults
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/proc", cfg.Monitor.ProcRoot)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture: [1, 2"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFlagsOverrideFile(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("exitnotify", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{"--mode=ebpf", "--buffer-size=2048", "--watermark=512", "--thread-exits", "--listen="}))
	assert.Equal(t, platform.ModeEBPF, cfg.Monitor.Mode)
	assert.Equal(t, 2048, cfg.Capture.BufferSize)
	assert.Equal(t, 512, cfg.Capture.Watermark)
	assert.True(t, cfg.Monitor.ThreadExits)
	assert.Empty(t, cfg.Listen)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Capture.BufferSize = 16
	cfg.Capture.Watermark = 32
	cfg.Monitor.Mode = "kprobe"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watermark")
	assert.Contains(t, err.Error(), "kprobe")
	assert.NotContains(t, err.Error(), "buffer_size must be positive")
}
