// Package config holds the daemon configuration: defaults, an optional
// YAML file and command line flags, applied in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/jnesss/exitnotify/notify"
	"github.com/jnesss/exitnotify/platform"
)

// Config is the daemon configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	RulesDir string `yaml:"rules_dir"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`

	Capture CaptureConfig `yaml:"capture"`
	Monitor MonitorConfig `yaml:"monitor"`
	Archive ArchiveConfig `yaml:"archive"`

	// Consume drains the buffer in-process. When false the stream is
	// left to an external reader of the /buffer endpoint.
	Consume bool `yaml:"consume"`
	// CaptureFile, when set, receives a zstd copy of the raw stream.
	CaptureFile string `yaml:"capture_file"`
}

// CaptureConfig sizes the exit event buffer, in words.
type CaptureConfig struct {
	Autostart  bool `yaml:"autostart"`
	BufferSize int  `yaml:"buffer_size"`
	Watermark  int  `yaml:"watermark"`
	CookieMax  int  `yaml:"cookie_cache_size"`
	ReadChunk  int  `yaml:"read_chunk"`
}

// MonitorConfig selects how exits are detected.
type MonitorConfig struct {
	Mode            string        `yaml:"mode"`
	ProcRoot        string        `yaml:"proc_root"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ThreadExits     bool          `yaml:"thread_exits"`
	PathTableSize   int           `yaml:"path_table_size"`
}

// ArchiveConfig controls copying of mapped modules.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	CacheSize int    `yaml:"cache_size"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		RulesDir: "sigma_rules",
		Listen:   ":8080",
		LogLevel: "info",
		Consume:  true,
		Capture: CaptureConfig{
			Autostart:  true,
			BufferSize: notify.DefaultBufferSize,
			Watermark:  notify.DefaultWatermark,
			ReadChunk:  4096,
		},
		Monitor: MonitorConfig{
			Mode:            platform.ModeAuto,
			ProcRoot:        "/proc",
			RefreshInterval: platform.DefaultRefreshInterval,
			PathTableSize:   8192,
		},
		Archive: ArchiveConfig{
			CacheSize: 10000,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers flags that override the fields of c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for the database and archived modules")
	fs.StringVar(&c.RulesDir, "rules-dir", c.RulesDir, "sigma rules directory (rules are read from enabled_rules)")
	fs.StringVar(&c.Listen, "listen", c.Listen, "HTTP control surface address, empty to disable")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "start with debug logging enabled")
	fs.BoolVar(&c.Consume, "consume", c.Consume, "decode and store the event stream in-process")
	fs.StringVar(&c.CaptureFile, "capture-file", c.CaptureFile, "write the raw event stream to this zstd file")

	fs.BoolVar(&c.Capture.Autostart, "autostart", c.Capture.Autostart, "enable capture at startup")
	fs.IntVar(&c.Capture.BufferSize, "buffer-size", c.Capture.BufferSize, "event buffer capacity in words")
	fs.IntVar(&c.Capture.Watermark, "watermark", c.Capture.Watermark, "buffered words that wake the reader")
	fs.IntVar(&c.Capture.CookieMax, "cookie-cache-size", c.Capture.CookieMax, "maximum distinct module paths (0 for default)")
	fs.IntVar(&c.Capture.ReadChunk, "read-chunk", c.Capture.ReadChunk, "words per buffer read")

	fs.StringVar(&c.Monitor.Mode, "mode", c.Monitor.Mode, "exit detection: auto, ebpf or poll")
	fs.StringVar(&c.Monitor.ProcRoot, "proc-root", c.Monitor.ProcRoot, "procfs mount point")
	fs.DurationVar(&c.Monitor.RefreshInterval, "refresh-interval", c.Monitor.RefreshInterval, "process snapshot refresh interval")
	fs.BoolVar(&c.Monitor.ThreadExits, "thread-exits", c.Monitor.ThreadExits, "report non-leader thread exits")
	fs.IntVar(&c.Monitor.PathTableSize, "path-table-size", c.Monitor.PathTableSize, "interned module path identities")

	fs.BoolVar(&c.Archive.Enabled, "archive", c.Archive.Enabled, "archive a copy of every mapped module")
	fs.StringVar(&c.Archive.Dir, "archive-dir", c.Archive.Dir, "module archive directory (default <data-dir>/bins)")
	fs.IntVar(&c.Archive.CacheSize, "archive-cache-size", c.Archive.CacheSize, "archive hash cache entries")
}

// Validate checks the configuration for values the daemon cannot use.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.DataDir == "" {
		result = multierror.Append(result, errors.New("data_dir must be set"))
	}
	if c.Capture.BufferSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("buffer_size must be positive, got %d", c.Capture.BufferSize))
	}
	if c.Capture.Watermark <= 0 || c.Capture.Watermark > c.Capture.BufferSize {
		result = multierror.Append(result, fmt.Errorf("watermark must be in [1, buffer_size], got %d", c.Capture.Watermark))
	}
	if c.Capture.ReadChunk <= 0 {
		result = multierror.Append(result, fmt.Errorf("read_chunk must be positive, got %d", c.Capture.ReadChunk))
	}
	switch c.Monitor.Mode {
	case platform.ModeAuto, platform.ModeEBPF, platform.ModePoll:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown mode %q", c.Monitor.Mode))
	}
	if c.Monitor.RefreshInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("refresh_interval must be positive, got %v", c.Monitor.RefreshInterval))
	}
	if c.Archive.Enabled && c.Archive.CacheSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("archive cache_size must be positive, got %d", c.Archive.CacheSize))
	}
	return result.ErrorOrNil()
}

// ArchiveDir returns the module archive directory.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "bins")
}
