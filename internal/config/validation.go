// Package config handles configuration loading and validation for glintd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

var hexColorRe = regexp.MustCompile(`^#(?:[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
// Appearance and tuning values clamp at use time, so anything under
// those sections degrades instead of failing the load.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"appearance.",
		"tuning.",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Warnings returns only warning-level validation issues.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation issues.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig checks the configuration and returns an error only for
// hard failures. Clampable appearance issues are reported by CheckConfig
// but do not fail validation.
func ValidateConfig(c *Config) error {
	issues := CheckConfig(c)
	if issues.HasErrors() {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, issues.Errors().Error())
	}
	return nil
}

// CheckConfig performs comprehensive validation of the configuration and
// returns every issue found, warnings included.
func CheckConfig(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateAppearance(&c.Appearance)...)
	errs = append(errs, validateTuning(&c.Tuning)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateChannel(&c.Channel)...)
	errs = append(errs, validateDaemon(&c.Daemon)...)

	return errs
}

func validateAppearance(a *AppearanceConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := ParseMode(string(a.Mode)); err != nil {
		errs = append(errs, ValidationError{
			Field:   "appearance.mode",
			Message: fmt.Sprintf("unknown mode %q (valid: none, auto-invert, outline)", a.Mode),
		})
	}

	if a.BaseColor != "" && !isValidHexColor(a.BaseColor) {
		errs = append(errs, ValidationError{
			Field:   "appearance.base_color",
			Message: fmt.Sprintf("malformed color %q (expected #RRGGBB or #RRGGBBAA)", a.BaseColor),
		})
	}

	if a.OutlineColor != "" && !isValidHexColor(a.OutlineColor) {
		errs = append(errs, ValidationError{
			Field:   "appearance.outline_color",
			Message: fmt.Sprintf("malformed color %q (expected #RRGGBB or #RRGGBBAA)", a.OutlineColor),
		})
	}

	if a.SamplingRate < MinSamplingRate || a.SamplingRate > MaxSamplingRate {
		errs = append(errs, ValidationError{
			Field:   "appearance.sampling_rate",
			Message: fmt.Sprintf("rate %d outside [%d, %d], will be clamped", a.SamplingRate, MinSamplingRate, MaxSamplingRate),
		})
	}

	if a.OutlineWidth < MinOutlineWidth || a.OutlineWidth > MaxOutlineWidth {
		errs = append(errs, ValidationError{
			Field:   "appearance.outline_width",
			Message: fmt.Sprintf("width %g outside [%g, %g], will be clamped", a.OutlineWidth, MinOutlineWidth, MaxOutlineWidth),
		})
	}

	if a.BrightnessThreshold < MinThreshold || a.BrightnessThreshold > MaxThreshold {
		errs = append(errs, ValidationError{
			Field:   "appearance.brightness_threshold",
			Message: fmt.Sprintf("threshold %g outside [%g, %g], will be clamped", a.BrightnessThreshold, MinThreshold, MaxThreshold),
		})
	}

	if a.Hysteresis < MinHysteresis || a.Hysteresis > MaxHysteresis {
		errs = append(errs, ValidationError{
			Field:   "appearance.hysteresis",
			Message: fmt.Sprintf("hysteresis %g outside [%g, %g], will be clamped", a.Hysteresis, MinHysteresis, MaxHysteresis),
		})
	}

	if a.Scale < MinScale || a.Scale > MaxScale {
		errs = append(errs, ValidationError{
			Field:   "appearance.scale",
			Message: fmt.Sprintf("scale %g outside [%g, %g], will be clamped", a.Scale, MinScale, MaxScale),
		})
	}

	return errs
}

func validateTuning(t *TuningConfig) ValidationErrors {
	var errs ValidationErrors

	if t.MaxTickRate < 30 || t.MaxTickRate > 240 {
		errs = append(errs, ValidationError{
			Field:   "tuning.max_tick_rate",
			Message: fmt.Sprintf("tick rate %d outside [30, 240], will be clamped", t.MaxTickRate),
		})
	}

	if t.PatchSide < 1 {
		errs = append(errs, ValidationError{
			Field:   "tuning.patch_side",
			Message: "patch side must be at least 1 pixel, will be clamped",
		})
	}

	if t.HistoryDepth < 1 {
		errs = append(errs, ValidationError{
			Field:   "tuning.history_depth",
			Message: "history depth must be at least 1, will be clamped",
		})
	}

	if t.FlickerLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "tuning.flicker_limit",
			Message: "flicker limit must be at least 1, will be clamped",
		})
	}

	if t.FlickerWindowMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "tuning.flicker_window_ms",
			Message: "flicker window must be at least 100ms, will be clamped",
		})
	}

	if t.DeadZoneSlow < 0 || t.DeadZoneFast < 0 {
		errs = append(errs, ValidationError{
			Field:   "tuning.dead_zone_slow",
			Message: "dead zones cannot be negative, will be clamped",
		})
	}

	if t.FastSpeed < 1 {
		errs = append(errs, ValidationError{
			Field:   "tuning.fast_speed",
			Message: "fast speed must be at least 1 pixel per tick, will be clamped",
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if !j.Enabled {
		return errs
	}

	if j.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "journal.path",
			Message: "journal path is required when the journal is enabled",
		})
	} else {
		// A missing parent directory is fine, EnsureDirectories creates
		// it. Anything else (a file in the way, permission trouble) is
		// worth failing early for.
		dir := filepath.Dir(expandPath(j.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err == nil && !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "journal.path",
					Message: fmt.Sprintf("parent %s exists but is not a directory", dir),
				})
			}
		}
	}

	if j.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.retention_days",
			Message: "retention cannot be negative",
		})
	}

	if j.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "both":
		// Valid outputs
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		if l.Output == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "log output is required",
			})
		}
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	// Validate permissions format (Unix only)
	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

func validateChannel(ch *ChannelConfig) ValidationErrors {
	var errs ValidationErrors

	if ch.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "channel.socket_path",
			Message: "helper socket path is required",
		})
	}

	if ch.ConnectTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "channel.connect_timeout_ms",
			Message: "connect timeout must be at least 1ms",
		})
	}

	if ch.RequestTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "channel.request_timeout_ms",
			Message: "request timeout must be at least 1ms",
		})
	}

	if ch.MaxPayloadBytes < 64*1024 {
		errs = append(errs, ValidationError{
			Field:   "channel.max_payload_bytes",
			Message: "max payload must be at least 64KiB",
		})
	}

	if ch.RetryAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "channel.retry_attempts",
			Message: "retry attempts cannot be negative",
		})
	}

	if ch.RetryDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "channel.retry_delay_ms",
			Message: "retry delay cannot be negative",
		})
	}

	return errs
}

func validateDaemon(d *DaemonConfig) ValidationErrors {
	var errs ValidationErrors

	if d.PidFile == "" {
		errs = append(errs, ValidationError{
			Field:   "daemon.pid_file",
			Message: "pid file path is required",
		})
	}

	if d.MarkerPath == "" {
		errs = append(errs, ValidationError{
			Field:   "daemon.marker_path",
			Message: "session marker path is required",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidHexColor(s string) bool {
	return hexColorRe.MatchString(s)
}
