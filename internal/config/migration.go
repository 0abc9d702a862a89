// Package config handles configuration loading and validation for glintd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	AppliedAt   time.Time `json:"applied_at"`
	Backup      string    `json:"backup,omitempty"`
	Changes     []string  `json:"changes,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// MigrateConfig migrates a configuration from an older version to the
// current version. It automatically creates a backup before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
		AppliedAt:   time.Now(),
	}

	// Create backup before migration
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	// Apply migrations in sequence
	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V1 predates the tuning, journal, and channel sections; left at their
// zero values everything would clamp to the minimums, so fill them with
// current defaults instead.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	def := DefaultConfig()

	if cfg.Tuning == (TuningConfig{}) {
		cfg.Tuning = def.Tuning
		changes = append(changes, "added tuning section with defaults")
	}

	if cfg.Journal.Path == "" {
		cfg.Journal = def.Journal
		changes = append(changes, "added journal section with defaults")
	}

	if cfg.Channel.SocketPath == "" {
		cfg.Channel = def.Channel
		changes = append(changes, "added channel section with defaults")
	}

	if cfg.Daemon.MarkerPath == "" {
		cfg.Daemon = def.Daemon
		changes = append(changes, "added daemon section with defaults")
	}

	// V1 stored the threshold but had no hysteresis band.
	if cfg.Appearance.Hysteresis == 0 {
		cfg.Appearance.Hysteresis = def.Appearance.Hysteresis
		changes = append(changes, "set default appearance.hysteresis")
	}

	if cfg.Appearance.SamplingRate == 0 {
		cfg.Appearance.SamplingRate = def.Appearance.SamplingRate
		changes = append(changes, "set default appearance.sampling_rate")
	}

	if !cfg.Appearance.Mode.Valid() {
		warnings = append(warnings, fmt.Sprintf("appearance.mode %q not recognized, falling back to none", cfg.Appearance.Mode))
		cfg.Appearance.Mode = ModeNone
	}

	return changes, warnings
}

// backupConfig copies the config file aside before a migration rewrites it.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil // No file to backup
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// SaveConfig saves the configuration to a file. The format follows the
// file extension; TOML is the default.
func SaveConfig(cfg *Config, path string) error {
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data = []byte(generateTOML(cfg))
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// generateTOML generates a well-formatted TOML configuration file with
// comments, suitable as a starting point for hand editing.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# glintd configuration
# The daemon reloads this file while running when daemon.auto_reload is on.

version = %d

[appearance]
# Cursor replacement on/off.
enabled = %t
# Fill color, "#RRGGBB" or "#RRGGBBAA".
base_color = %q
# Adaptation mode: "none", "auto-invert", or "outline".
mode = %q
# Outline override; empty picks a color that contrasts with the background.
outline_color = %q
outline_width = %s
glow = %t
shadow = %t
scale = %s
# Background sampling cadence in Hz (15-120).
sampling_rate = %d
# Background brightness at which auto-invert flips the fill (0.1-0.9).
brightness_threshold = %s
# Dead band around the threshold (0.01-0.2).
hysteresis = %s
adaptive_scaling = %t
multi_point = %t

[tuning]
# Pipeline constants. The defaults are the settled values; change with care.
max_tick_rate = %d
idle_after_sec = %d
history_depth = %d
patch_side = %d
multi_point_radius = %d
flicker_limit = %d
flicker_window_ms = %d
dead_zone_slow = %s
dead_zone_fast = %s
fast_speed = %s

[journal]
enabled = %t
path = %q
retention_days = %d
busy_timeout_ms = %d

[logging]
# Levels: debug, info, warn, error.
level = %q
# Formats: text, json.
format = %q
# Outputs: stdout, stderr, file, both.
output = %q
file_path = %q
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t

[ipc]
enabled = %t
socket_path = %q
permissions = %q
max_connections = %d
timeout_sec = %d

[channel]
socket_path = %q
# Helper binary; empty resolves glintd-shim from PATH.
helper_path = %q
connect_timeout_ms = %d
request_timeout_ms = %d
max_payload_bytes = %d
retry_attempts = %d
retry_delay_ms = %d

[daemon]
pid_file = %q
marker_path = %q
auto_reload = %t
orphan_cleanup = %t
`,
		cfg.Version,

		cfg.Appearance.Enabled,
		cfg.Appearance.BaseColor,
		string(cfg.Appearance.Mode),
		cfg.Appearance.OutlineColor,
		tomlFloat(cfg.Appearance.OutlineWidth),
		cfg.Appearance.Glow,
		cfg.Appearance.Shadow,
		tomlFloat(cfg.Appearance.Scale),
		cfg.Appearance.SamplingRate,
		tomlFloat(cfg.Appearance.BrightnessThreshold),
		tomlFloat(cfg.Appearance.Hysteresis),
		cfg.Appearance.AdaptiveScaling,
		cfg.Appearance.MultiPoint,

		cfg.Tuning.MaxTickRate,
		cfg.Tuning.IdleAfterSec,
		cfg.Tuning.HistoryDepth,
		cfg.Tuning.PatchSide,
		cfg.Tuning.MultiPointRadius,
		cfg.Tuning.FlickerLimit,
		cfg.Tuning.FlickerWindowMs,
		tomlFloat(cfg.Tuning.DeadZoneSlow),
		tomlFloat(cfg.Tuning.DeadZoneFast),
		tomlFloat(cfg.Tuning.FastSpeed),

		cfg.Journal.Enabled,
		cfg.Journal.Path,
		cfg.Journal.RetentionDays,
		cfg.Journal.BusyTimeoutMs,

		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,

		cfg.IPC.Enabled,
		cfg.IPC.SocketPath,
		cfg.IPC.Permissions,
		cfg.IPC.MaxConnections,
		cfg.IPC.TimeoutSec,

		cfg.Channel.SocketPath,
		cfg.Channel.HelperPath,
		cfg.Channel.ConnectTimeoutMs,
		cfg.Channel.RequestTimeoutMs,
		cfg.Channel.MaxPayloadBytes,
		cfg.Channel.RetryAttempts,
		cfg.Channel.RetryDelayMs,

		cfg.Daemon.PidFile,
		cfg.Daemon.MarkerPath,
		cfg.Daemon.AutoReload,
		cfg.Daemon.OrphanCleanup,
	)
}

// tomlFloat formats a float so TOML always parses it back as a float.
func tomlFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// migrationHistoryPath is where applied migrations are recorded.
func migrationHistoryPath() string {
	return filepath.Join(GlintdDir(), "migrations.json")
}

// GetMigrationHistory returns previously applied migrations, newest last.
func GetMigrationHistory() ([]MigrationResult, error) {
	data, err := os.ReadFile(migrationHistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("decode migration history: %w", err)
	}
	return history, nil
}

// SaveMigrationHistory appends a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	history, err := GetMigrationHistory()
	if err != nil {
		return err
	}
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(migrationHistoryPath()), 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	if err := os.WriteFile(migrationHistoryPath(), data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}
	return nil
}
