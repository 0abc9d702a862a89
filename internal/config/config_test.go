package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Appearance.Mode != ModeAutoInvert {
		t.Errorf("expected default mode auto-invert, got %s", cfg.Appearance.Mode)
	}
	if cfg.Appearance.SamplingRate != 30 {
		t.Errorf("expected sampling rate 30, got %d", cfg.Appearance.SamplingRate)
	}
	if cfg.Appearance.BrightnessThreshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %g", cfg.Appearance.BrightnessThreshold)
	}
	if cfg.Tuning.MaxTickRate != 120 {
		t.Errorf("expected max tick rate 120, got %d", cfg.Tuning.MaxTickRate)
	}
	if cfg.Tuning.HistoryDepth != 5 {
		t.Errorf("expected history depth 5, got %d", cfg.Tuning.HistoryDepth)
	}

	// Paths should all live under glintd-named directories
	if !strings.Contains(cfg.Journal.Path, "glintd") {
		t.Errorf("journal path should contain glintd: %s", cfg.Journal.Path)
	}
	if !strings.Contains(cfg.Logging.FilePath, "glintd") {
		t.Errorf("log path should contain glintd: %s", cfg.Logging.FilePath)
	}
	if !strings.Contains(cfg.IPC.SocketPath, "glintd") {
		t.Errorf("socket path should contain glintd: %s", cfg.IPC.SocketPath)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
}

func TestGlintdDirOverride(t *testing.T) {
	t.Setenv("GLINTD_DATA_DIR", "/custom/data")
	if dir := GlintdDir(); dir != "/custom/data" {
		t.Errorf("expected /custom/data, got %s", dir)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"none", ModeNone, false},
		{"", ModeNone, false},
		{"auto-invert", ModeAutoInvert, false},
		{"autoinvert", ModeAutoInvert, false},
		{"AUTO_INVERT", ModeAutoInvert, false},
		{"invert", ModeAutoInvert, false},
		{"outline", ModeOutline, false},
		{" Outline ", ModeOutline, false},
		{"rainbow", ModeNone, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAppearanceNormalizedClamps(t *testing.T) {
	a := AppearanceConfig{
		Mode:                ModeOutline,
		BaseColor:           "#102030",
		OutlineWidth:        9999,
		Scale:               0.01,
		SamplingRate:        500,
		BrightnessThreshold: 2.0,
		Hysteresis:          -1,
	}

	n := a.Normalized()

	if n.OutlineWidth != MaxOutlineWidth {
		t.Errorf("outline width: got %g, want %g", n.OutlineWidth, MaxOutlineWidth)
	}
	if n.Scale != MinScale {
		t.Errorf("scale: got %g, want %g", n.Scale, MinScale)
	}
	if n.SamplingRate != MaxSamplingRate {
		t.Errorf("sampling rate: got %d, want %d", n.SamplingRate, MaxSamplingRate)
	}
	if n.BrightnessThreshold != MaxThreshold {
		t.Errorf("threshold: got %g, want %g", n.BrightnessThreshold, MaxThreshold)
	}
	if n.Hysteresis != MinHysteresis {
		t.Errorf("hysteresis: got %g, want %g", n.Hysteresis, MinHysteresis)
	}

	// Original must be untouched
	if a.OutlineWidth != 9999 {
		t.Error("Normalized mutated its receiver")
	}
}

func TestAppearanceNormalizedFallbacks(t *testing.T) {
	a := AppearanceConfig{
		Mode:         Mode("sparkle"),
		BaseColor:    "",
		OutlineWidth: 1.5,
		Scale:        1,
		SamplingRate: 30,

		BrightnessThreshold: 0.5,
		Hysteresis:          0.05,
	}

	n := a.Normalized()
	if n.Mode != ModeNone {
		t.Errorf("unknown mode should normalize to none, got %s", n.Mode)
	}
	if n.BaseColor != DefaultBaseColor {
		t.Errorf("empty base color should normalize to %s, got %s", DefaultBaseColor, n.BaseColor)
	}

	// Compact spelling canonicalizes rather than falling back
	a.Mode = Mode("autoinvert")
	if got := a.Normalized().Mode; got != ModeAutoInvert {
		t.Errorf("autoinvert should canonicalize to auto-invert, got %s", got)
	}
}

func TestTuningNormalized(t *testing.T) {
	tu := TuningConfig{
		MaxTickRate:  1000,
		PatchSide:    0,
		HistoryDepth: -3,
		FastSpeed:    0,
	}
	n := tu.Normalized()

	if n.MaxTickRate != 240 {
		t.Errorf("max tick rate: got %d, want 240", n.MaxTickRate)
	}
	if n.PatchSide != 1 {
		t.Errorf("patch side: got %d, want 1", n.PatchSide)
	}
	if n.HistoryDepth != 1 {
		t.Errorf("history depth: got %d, want 1", n.HistoryDepth)
	}
	if n.FastSpeed != 1 {
		t.Errorf("fast speed: got %g, want 1", n.FastSpeed)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.Appearance.SamplingRate != 30 {
		t.Errorf("expected default sampling rate 30, got %d", cfg.Appearance.SamplingRate)
	}
}

func TestLoadTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
version = 2

[appearance]
enabled = true
base_color = "#222244"
mode = "outline"
sampling_rate = 60

[tuning]
patch_side = 7

[logging]
level = "debug"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Appearance.Mode != ModeOutline {
		t.Errorf("expected mode outline, got %s", cfg.Appearance.Mode)
	}
	if cfg.Appearance.BaseColor != "#222244" {
		t.Errorf("expected base color #222244, got %s", cfg.Appearance.BaseColor)
	}
	if cfg.Appearance.SamplingRate != 60 {
		t.Errorf("expected sampling rate 60, got %d", cfg.Appearance.SamplingRate)
	}
	if cfg.Tuning.PatchSide != 7 {
		t.Errorf("expected patch side 7, got %d", cfg.Tuning.PatchSide)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}

	// Unset fields keep their defaults
	if cfg.Appearance.Hysteresis != 0.05 {
		t.Errorf("expected default hysteresis 0.05, got %g", cfg.Appearance.Hysteresis)
	}
	if !cfg.Journal.Enabled {
		t.Error("journal should default to enabled")
	}
}

func TestLoadJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	content := `{"appearance": {"mode": "outline", "sampling_rate": 45}}`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Appearance.Mode != ModeOutline {
		t.Errorf("expected mode outline, got %s", cfg.Appearance.Mode)
	}
	if cfg.Appearance.SamplingRate != 45 {
		t.Errorf("expected sampling rate 45, got %d", cfg.Appearance.SamplingRate)
	}
}

func TestLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
appearance:
  mode: auto-invert
  brightness_threshold: 0.7
logging:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Appearance.Mode != ModeAutoInvert {
		t.Errorf("expected mode auto-invert, got %s", cfg.Appearance.Mode)
	}
	if cfg.Appearance.BrightnessThreshold != 0.7 {
		t.Errorf("expected threshold 0.7, got %g", cfg.Appearance.BrightnessThreshold)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected level warn, got %s", cfg.Logging.Level)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
this is not valid toml {{{
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GLINTD_LOG_LEVEL", "debug")
	t.Setenv("GLINTD_SOCKET_PATH", "/tmp/test-glintd.sock")
	t.Setenv("GLINTD_MODE", "outline")
	t.Setenv("GLINTD_SAMPLING_RATE", "90")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.IPC.SocketPath != "/tmp/test-glintd.sock" {
		t.Errorf("expected socket override, got %s", cfg.IPC.SocketPath)
	}
	if cfg.Appearance.Mode != ModeOutline {
		t.Errorf("expected mode outline, got %s", cfg.Appearance.Mode)
	}
	if cfg.Appearance.SamplingRate != 90 {
		t.Errorf("expected sampling rate 90, got %d", cfg.Appearance.SamplingRate)
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidateClampableIssuesAreWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Appearance.BaseColor = "#nothex"
	cfg.Appearance.SamplingRate = 500

	// Clampable appearance problems must not fail the load
	if err := cfg.Validate(); err != nil {
		t.Errorf("appearance issues should be warnings, got error: %v", err)
	}

	issues := CheckConfig(cfg)
	if len(issues.Warnings()) < 2 {
		t.Errorf("expected at least 2 warnings, got %d: %v", len(issues.Warnings()), issues)
	}
	if issues.HasErrors() {
		t.Errorf("expected no hard errors, got %v", issues.Errors())
	}
}

func TestValidateHardErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPC.SocketPath = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing socket path")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad log level")
	}

	cfg = DefaultConfig()
	cfg.IPC.Permissions = "777"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad permissions format")
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Journal.Path = filepath.Join(tmpDir, "data", "journal.db")
	cfg.Logging.FilePath = filepath.Join(tmpDir, "logs", "glintd.log")
	cfg.IPC.SocketPath = filepath.Join(tmpDir, "run", "glintd.sock")
	cfg.Channel.SocketPath = filepath.Join(tmpDir, "run", "glintd-shim.sock")
	cfg.Daemon.PidFile = filepath.Join(tmpDir, "run", "glintd.pid")
	cfg.Daemon.MarkerPath = filepath.Join(tmpDir, "run", "session.json")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{"data", "logs", "run"} {
		if _, err := os.Stat(filepath.Join(tmpDir, dir)); os.IsNotExist(err) {
			t.Errorf("%s was not created", dir)
		}
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()

	clone.Appearance.Mode = ModeOutline
	clone.Tuning.PatchSide = 11

	if cfg.Appearance.Mode == ModeOutline {
		t.Error("mutating clone changed the original mode")
	}
	if cfg.Tuning.PatchSide == 11 {
		t.Error("mutating clone changed the original tuning")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg := DefaultConfig()
	cfg.Appearance.Mode = ModeOutline
	cfg.Appearance.BaseColor = "#336699"
	cfg.Appearance.Scale = 1.0 // integral float must survive the trip
	cfg.Appearance.OutlineWidth = 2.5
	cfg.Tuning.FastSpeed = 50

	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\nsaved:  %+v\nloaded: %+v", cfg, loaded)
	}
}

func TestMigrateV1(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = 1
	cfg.Tuning = TuningConfig{}
	cfg.Appearance.Hysteresis = 0

	result, err := MigrateConfig(cfg, "")
	if err != nil {
		t.Fatalf("MigrateConfig failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected migration result")
	}

	if cfg.Version != Version {
		t.Errorf("expected version %d after migration, got %d", Version, cfg.Version)
	}
	if cfg.Tuning.MaxTickRate != 120 {
		t.Errorf("expected tuning defaults after migration, got %+v", cfg.Tuning)
	}
	if cfg.Appearance.Hysteresis != 0.05 {
		t.Errorf("expected default hysteresis after migration, got %g", cfg.Appearance.Hysteresis)
	}
	if len(result.Changes) == 0 {
		t.Error("expected recorded changes")
	}
}

func TestMigrateCurrentVersionIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	result, err := MigrateConfig(cfg, "")
	if err != nil {
		t.Fatalf("MigrateConfig failed: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result for current version, got %+v", result)
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg, created, err := LoadOrCreate(configPath)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected config file to be created")
	}
	if cfg == nil {
		t.Fatal("LoadOrCreate returned nil config")
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("config file was not written: %v", err)
	}

	// Second call loads the existing file
	_, created, err = LoadOrCreate(configPath)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected existing config to be loaded, not recreated")
	}
}
