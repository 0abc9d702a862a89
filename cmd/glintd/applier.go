package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"glintd/internal/capture"
	"glintd/internal/render"
)

// localApplier publishes the current glyph to the session runtime
// directory: cursor.png plus a hotspot sidecar. Session integrations
// that cannot run the privileged helper pick the files up from there.
type localApplier struct {
	dir string
}

func newLocalApplier(dir string) *localApplier {
	return &localApplier{dir: dir}
}

type hotspotSidecar struct {
	X     int     `json:"x"`
	Y     int     `json:"y"`
	Scale float64 `json:"scale"`
}

// Apply writes the glyph and its hotspot atomically: temp file then
// rename, so a reader never sees a half-written image.
func (a *localApplier) Apply(r *render.Rendered) error {
	if a.dir == "" || a.dir == "." {
		return nil
	}
	if err := writeAtomic(filepath.Join(a.dir, "cursor.png"), r.PNG); err != nil {
		return fmt.Errorf("publish cursor: %w", err)
	}

	sidecar, err := json.Marshal(hotspotSidecar{
		X:     r.HotSpot.X,
		Y:     r.HotSpot.Y,
		Scale: r.Scale,
	})
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(a.dir, "hotspot.json"), sidecar)
}

// Restore removes the published files so the session falls back to the
// system cursor.
func (a *localApplier) Restore() error {
	if a.dir == "" || a.dir == "." {
		return nil
	}
	os.Remove(filepath.Join(a.dir, "cursor.png"))
	os.Remove(filepath.Join(a.dir, "hotspot.json"))
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// unavailableGrabber stands in when no capture backend exists. It
// reports permission denied so the sampler holds its degraded path
// instead of erroring every tick.
type unavailableGrabber struct{}

func (unavailableGrabber) Grab(image.Rectangle, bool) (*image.RGBA, error) {
	return nil, capture.ErrPermissionDenied
}
