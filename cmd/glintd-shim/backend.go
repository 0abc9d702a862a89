package main

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"glintd/internal/ipc"
)

// Backend applies verified cursor frames to the system pointer.
type Backend interface {
	// Name identifies the backend in the version exchange.
	Name() string

	// Apply installs the frame as the pointer image.
	Apply(req *ipc.SetCursorRequest) error

	// Restore puts the system default pointer back. Idempotent.
	Restore() error
}

// fileBackend publishes frames into a directory the compositor side
// watches: cursor.png plus a hotspot sidecar. It is the portable
// backend; a session without a native pointer API still gets the
// adapted cursor through it.
type fileBackend struct {
	dir string
}

func newFileBackend(dir string) *fileBackend {
	return &fileBackend{dir: dir}
}

func (f *fileBackend) Name() string { return "file" }

type hotspotFile struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Scale  float64 `json:"scale"`
}

// Apply writes atomically, temp file then rename, so the watching side
// never reads a torn frame.
func (f *fileBackend) Apply(req *ipc.SetCursorRequest) error {
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return fmt.Errorf("backend dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(f.dir, "cursor.png"), req.PNG); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}

	meta, err := json.Marshal(hotspotFile{
		X:      req.HotSpotX,
		Y:      req.HotSpotY,
		Width:  req.Width,
		Height: req.Height,
		Scale:  req.Scale,
	})
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(f.dir, "hotspot.json"), meta)
}

func (f *fileBackend) Restore() error {
	var first error
	for _, name := range []string{"cursor.png", "hotspot.json"} {
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
