// Package config handles configuration loading, validation, and management for glintd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Version is the current configuration schema version.
const Version = 2

// Mode selects how the effective cursor color is derived from the
// sampled background.
type Mode string

// Adaptation modes.
const (
	// ModeNone renders the base color unchanged.
	ModeNone Mode = "none"

	// ModeAutoInvert pushes the fill color away from the background
	// brightness when it crosses the configured threshold.
	ModeAutoInvert Mode = "auto-invert"

	// ModeOutline keeps the base fill and draws a contrasting outline.
	ModeOutline Mode = "outline"
)

// ParseMode converts a string to a Mode. It accepts the canonical
// spellings plus the compact "autoinvert" form seen in older files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return ModeNone, nil
	case "auto-invert", "autoinvert", "auto_invert", "invert":
		return ModeAutoInvert, nil
	case "outline":
		return ModeOutline, nil
	default:
		return ModeNone, fmt.Errorf("unknown adaptation mode: %q", s)
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeAutoInvert, ModeOutline:
		return true
	}
	return false
}

// Clamp bounds for user-tunable appearance values. Values outside these
// ranges are pulled back in by Normalized rather than rejected.
const (
	MinSamplingRate = 15
	MaxSamplingRate = 120

	MinOutlineWidth = 0.5
	MaxOutlineWidth = 5.0

	MinThreshold = 0.1
	MaxThreshold = 0.9

	MinHysteresis = 0.01
	MaxHysteresis = 0.2

	MinScale = 0.5
	MaxScale = 4.0
)

// DefaultBaseColor is the fill used when no base color is configured.
const DefaultBaseColor = "#FFFFFF"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Appearance holds the user-facing cursor settings.
	Appearance AppearanceConfig `toml:"appearance" json:"appearance" yaml:"appearance"`

	// Tuning holds the empirical constants of the sampling pipeline.
	Tuning TuningConfig `toml:"tuning" json:"tuning" yaml:"tuning"`

	// Journal configuration for the event journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Channel configuration for the privileged pointer helper.
	Channel ChannelConfig `toml:"channel" json:"channel" yaml:"channel"`

	// Daemon configuration for process lifecycle.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`
}

// AppearanceConfig holds the cursor appearance settings. A fresh copy is
// snapshotted by the engine on every change; out-of-range values are
// clamped by Normalized, never rejected.
type AppearanceConfig struct {
	// Enabled determines whether the adaptive cursor is active.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// BaseColor is the fill color as "#RRGGBB" or "#RRGGBBAA".
	BaseColor string `toml:"base_color" json:"base_color" yaml:"base_color"`

	// Mode is the adaptation mode: "none", "auto-invert", or "outline".
	Mode Mode `toml:"mode" json:"mode" yaml:"mode"`

	// OutlineColor is the outline override as "#RRGGBB". Empty means
	// the outline contrasts with the sampled background.
	OutlineColor string `toml:"outline_color" json:"outline_color" yaml:"outline_color"`

	// OutlineWidth is the outline stroke width in glyph units.
	OutlineWidth float64 `toml:"outline_width" json:"outline_width" yaml:"outline_width"`

	// Glow draws a soft halo behind the glyph.
	Glow bool `toml:"glow" json:"glow" yaml:"glow"`

	// Shadow draws a drop shadow under the glyph.
	Shadow bool `toml:"shadow" json:"shadow" yaml:"shadow"`

	// Scale is the glyph size multiplier.
	Scale float64 `toml:"scale" json:"scale" yaml:"scale"`

	// SamplingRate is the background sampling cadence in Hz.
	SamplingRate int `toml:"sampling_rate" json:"sampling_rate" yaml:"sampling_rate"`

	// BrightnessThreshold is the background brightness at which
	// auto-invert flips the fill.
	BrightnessThreshold float64 `toml:"brightness_threshold" json:"brightness_threshold" yaml:"brightness_threshold"`

	// Hysteresis is the dead band around the threshold that a
	// brightness change must clear before the cursor re-renders.
	Hysteresis float64 `toml:"hysteresis" json:"hysteresis" yaml:"hysteresis"`

	// AdaptiveScaling sizes the glyph by the display scale factor.
	AdaptiveScaling bool `toml:"adaptive_scaling" json:"adaptive_scaling" yaml:"adaptive_scaling"`

	// MultiPoint samples five points around the pointer instead of one.
	MultiPoint bool `toml:"multi_point" json:"multi_point" yaml:"multi_point"`
}

// Normalized returns a copy with every field pulled into its valid
// range. An unparseable mode falls back to ModeNone and an empty base
// color becomes DefaultBaseColor, so a stale or hand-edited settings
// file can never stop the render path.
func (a AppearanceConfig) Normalized() AppearanceConfig {
	n := a

	if mode, err := ParseMode(string(a.Mode)); err == nil {
		n.Mode = mode
	} else {
		n.Mode = ModeNone
	}

	if n.BaseColor == "" {
		n.BaseColor = DefaultBaseColor
	}

	n.OutlineWidth = clampFloat(n.OutlineWidth, MinOutlineWidth, MaxOutlineWidth)
	n.Scale = clampFloat(n.Scale, MinScale, MaxScale)
	n.SamplingRate = clampInt(n.SamplingRate, MinSamplingRate, MaxSamplingRate)
	n.BrightnessThreshold = clampFloat(n.BrightnessThreshold, MinThreshold, MaxThreshold)
	n.Hysteresis = clampFloat(n.Hysteresis, MinHysteresis, MaxHysteresis)

	return n
}

// TuningConfig holds the empirical constants of the tick pipeline.
// These rarely need changing; the defaults were settled by observation.
type TuningConfig struct {
	// MaxTickRate caps successful re-renders per second.
	MaxTickRate int `toml:"max_tick_rate" json:"max_tick_rate" yaml:"max_tick_rate"`

	// IdleAfterSec is how long the pointer must sit still before
	// sampling is skipped entirely.
	IdleAfterSec int `toml:"idle_after_sec" json:"idle_after_sec" yaml:"idle_after_sec"`

	// HistoryDepth is the number of recent brightness samples averaged
	// for the hysteresis check.
	HistoryDepth int `toml:"history_depth" json:"history_depth" yaml:"history_depth"`

	// PatchSide is the sampled patch side length in pixels.
	PatchSide int `toml:"patch_side" json:"patch_side" yaml:"patch_side"`

	// MultiPointRadius is the offset of the four satellite samples in
	// pixels when multi-point sampling is on.
	MultiPointRadius int `toml:"multi_point_radius" json:"multi_point_radius" yaml:"multi_point_radius"`

	// FlickerLimit is the number of significant brightness swings per
	// window after which the stabilizer holds the last stable sample.
	FlickerLimit int `toml:"flicker_limit" json:"flicker_limit" yaml:"flicker_limit"`

	// FlickerWindowMs is the flicker detection window.
	FlickerWindowMs int `toml:"flicker_window_ms" json:"flicker_window_ms" yaml:"flicker_window_ms"`

	// DeadZoneSlow is the movement in pixels below which a tick is
	// ignored at normal pointer speed.
	DeadZoneSlow float64 `toml:"dead_zone_slow" json:"dead_zone_slow" yaml:"dead_zone_slow"`

	// DeadZoneFast is the movement dead zone during fast motion.
	DeadZoneFast float64 `toml:"dead_zone_fast" json:"dead_zone_fast" yaml:"dead_zone_fast"`

	// FastSpeed is the per-tick speed in pixels at which the fast dead
	// zone takes over.
	FastSpeed float64 `toml:"fast_speed" json:"fast_speed" yaml:"fast_speed"`
}

// Normalized returns a copy with every tuning value pulled into a sane
// range.
func (t TuningConfig) Normalized() TuningConfig {
	n := t
	n.MaxTickRate = clampInt(n.MaxTickRate, 30, 240)
	n.IdleAfterSec = clampInt(n.IdleAfterSec, 1, 300)
	n.HistoryDepth = clampInt(n.HistoryDepth, 1, 32)
	n.PatchSide = clampInt(n.PatchSide, 1, 64)
	n.MultiPointRadius = clampInt(n.MultiPointRadius, 1, 256)
	n.FlickerLimit = clampInt(n.FlickerLimit, 1, 1000)
	n.FlickerWindowMs = clampInt(n.FlickerWindowMs, 100, 60000)
	n.DeadZoneSlow = clampFloat(n.DeadZoneSlow, 0, 64)
	n.DeadZoneFast = clampFloat(n.DeadZoneFast, 0, 64)
	n.FastSpeed = clampFloat(n.FastSpeed, 1, 10000)
	return n
}

// JournalConfig holds event journal configuration.
type JournalConfig struct {
	// Enabled determines whether lifecycle events are journaled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the path to the journal database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionDays is how long journal entries are kept.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the control server is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the connection timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// ChannelConfig holds configuration for the privileged pointer helper.
type ChannelConfig struct {
	// SocketPath is the helper's Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// HelperPath is the helper binary. Empty resolves "glintd-shim"
	// from PATH.
	HelperPath string `toml:"helper_path" json:"helper_path" yaml:"helper_path"`

	// ConnectTimeoutMs is the dial timeout for the helper socket.
	ConnectTimeoutMs int `toml:"connect_timeout_ms" json:"connect_timeout_ms" yaml:"connect_timeout_ms"`

	// RequestTimeoutMs is the per-request timeout.
	RequestTimeoutMs int `toml:"request_timeout_ms" json:"request_timeout_ms" yaml:"request_timeout_ms"`

	// MaxPayloadBytes is the largest cursor image forwarded without
	// downsampling.
	MaxPayloadBytes int64 `toml:"max_payload_bytes" json:"max_payload_bytes" yaml:"max_payload_bytes"`

	// RetryAttempts is the number of reconnect attempts.
	RetryAttempts int `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`

	// RetryDelayMs is the base delay between reconnect attempts.
	RetryDelayMs int `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`
}

// DaemonConfig holds process lifecycle configuration.
type DaemonConfig struct {
	// PidFile is the path to the PID file.
	PidFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`

	// MarkerPath is the path to the session marker used for crash
	// recovery.
	MarkerPath string `toml:"marker_path" json:"marker_path" yaml:"marker_path"`

	// AutoReload watches the config file and applies changes live.
	AutoReload bool `toml:"auto_reload" json:"auto_reload" yaml:"auto_reload"`

	// OrphanCleanup scans for leftover helper processes on startup.
	OrphanCleanup bool `toml:"orphan_cleanup" json:"orphan_cleanup" yaml:"orphan_cleanup"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := GlintdDir()
	runtimeDir := PlatformRuntimeDir()
	logDir := PlatformLogDir()

	return &Config{
		Version: Version,
		Appearance: AppearanceConfig{
			Enabled:             true,
			BaseColor:           DefaultBaseColor,
			Mode:                ModeAutoInvert,
			OutlineColor:        "",
			OutlineWidth:        1.5,
			Glow:                false,
			Shadow:              true,
			Scale:               1.0,
			SamplingRate:        30,
			BrightnessThreshold: 0.5,
			Hysteresis:          0.05,
			AdaptiveScaling:     true,
			MultiPoint:          false,
		},
		Tuning: TuningConfig{
			MaxTickRate:      120,
			IdleAfterSec:     5,
			HistoryDepth:     5,
			PatchSide:        5,
			MultiPointRadius: 24,
			FlickerLimit:     10,
			FlickerWindowMs:  1000,
			DeadZoneSlow:     2,
			DeadZoneFast:     5,
			FastSpeed:        50,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "journal.db"),
			RetentionDays: 30,
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(logDir, "glintd.log"),
			MaxSizeMB:  20,
			MaxBackups: 4,
			MaxAgeDays: 14,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     filepath.Join(runtimeDir, "glintd.sock"),
			Permissions:    "0600",
			MaxConnections: 10,
			TimeoutSec:     30,
		},
		Channel: ChannelConfig{
			SocketPath:       filepath.Join(runtimeDir, "glintd-shim.sock"),
			HelperPath:       "",
			ConnectTimeoutMs: 2000,
			RequestTimeoutMs: 1000,
			MaxPayloadBytes:  5 * 1024 * 1024,
			RetryAttempts:    3,
			RetryDelayMs:     200,
		},
		Daemon: DaemonConfig{
			PidFile:       filepath.Join(runtimeDir, "glintd.pid"),
			MarkerPath:    filepath.Join(runtimeDir, "session.json"),
			AutoReload:    true,
			OrphanCleanup: true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// GlintdDir returns the base glintd data directory.
// Uses platform-specific paths or the GLINTD_DATA_DIR environment override.
func GlintdDir() string {
	if envDir := os.Getenv("GLINTD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Journal.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.IPC.SocketPath),
		filepath.Dir(c.Channel.SocketPath),
		filepath.Dir(c.Daemon.PidFile),
		filepath.Dir(c.Daemon.MarkerPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with GLINTD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	// Logging overrides
	if v := os.Getenv("GLINTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GLINTD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Socket overrides
	if v := os.Getenv("GLINTD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("GLINTD_SHIM_SOCKET"); v != "" {
		c.Channel.SocketPath = v
	}

	// Journal override
	if v := os.Getenv("GLINTD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}

	// Appearance overrides, handy for quick experiments
	if v := os.Getenv("GLINTD_MODE"); v != "" {
		if mode, err := ParseMode(v); err == nil {
			c.Appearance.Mode = mode
		}
	}
	if v := os.Getenv("GLINTD_SAMPLING_RATE"); v != "" {
		if rate, err := strconv.Atoi(v); err == nil {
			c.Appearance.SamplingRate = rate
		}
	}
}

// Clone returns a copy of the configuration. Config carries no
// reference types, so a value copy is a full copy.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Helper functions

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
