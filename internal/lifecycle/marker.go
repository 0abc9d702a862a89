package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Marker is the persisted session record. Its presence at startup,
// with a dead owning pid, is the crash-detection signal; absence is
// the normal clean state.
type Marker struct {
	PID             int       `json:"pid"`
	StartTime       time.Time `json:"start_time"`
	CursorWasActive bool      `json:"cursor_was_active"`
}

// MarkerFile reads and writes the session marker at a fixed per-user
// path. Only CrashRecovery should touch it.
type MarkerFile struct {
	path string
}

func NewMarkerFile(path string) *MarkerFile {
	return &MarkerFile{path: path}
}

func (m *MarkerFile) Path() string {
	return m.path
}

// Exists reports whether a marker is present.
func (m *MarkerFile) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Read loads the marker. A missing file returns fs.ErrNotExist.
func (m *MarkerFile) Read() (*Marker, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}

	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("unmarshal marker: %w", err)
	}

	return &marker, nil
}

// Write persists the marker with owner-only permissions.
func (m *MarkerFile) Write(marker *Marker) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}

	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}

	return os.WriteFile(m.path, data, 0600)
}

// Remove deletes the marker. A missing file is not an error.
func (m *MarkerFile) Remove() error {
	err := os.Remove(m.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
