// Package display models the desktop topology: which displays exist,
// where they sit in the virtual desktop, and which one the pointer is
// over. The engine refreshes the topology on every display
// reconfiguration and treats the cached view as immutable between
// refreshes.
package display

import (
	"fmt"
	"image"
	"sync"
)

// Info describes one display.
type Info struct {
	// ID is a stable identifier for the display within a session.
	ID string

	// Name is the human-readable display name, if the backend has one.
	Name string

	// Bounds is the display's rectangle in virtual desktop pixels.
	Bounds image.Rectangle

	// Scale is the backing scale factor (2.0 on HiDPI panels).
	Scale float64

	// RefreshHz is the panel refresh rate, 0 if unknown.
	RefreshHz float64

	// HDR reports whether the display is in a high dynamic range mode.
	// Sampled brightness on HDR panels still normalizes to [0, 1].
	HDR bool

	// Primary marks the primary display, the fallback for positions
	// outside every display.
	Primary bool
}

// Provider enumerates the current displays. Implementations talk to a
// session backend; StaticProvider and EnvProvider cover tests and
// headless setups.
type Provider interface {
	Displays() ([]Info, error)
}

// Topology caches the display list and answers point-in-display
// queries. Reads see the snapshot from the last successful Refresh;
// a failed Refresh keeps the previous snapshot in place.
type Topology struct {
	mu       sync.RWMutex
	provider Provider
	displays []Info
}

// NewTopology creates a topology over the given provider. Call Refresh
// before first use.
func NewTopology(p Provider) *Topology {
	return &Topology{provider: p}
}

// Refresh re-enumerates displays from the provider.
func (t *Topology) Refresh() error {
	infos, err := t.provider.Displays()
	if err != nil {
		return fmt.Errorf("enumerate displays: %w", err)
	}

	t.mu.Lock()
	t.displays = infos
	t.mu.Unlock()
	return nil
}

// Displays returns a copy of the current display list.
func (t *Topology) Displays() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, len(t.displays))
	copy(out, t.displays)
	return out
}

// Primary returns the primary display, or the first display when none
// is marked primary. ok is false when no displays are known.
func (t *Topology) Primary() (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.primaryLocked()
}

func (t *Topology) primaryLocked() (Info, bool) {
	for _, d := range t.displays {
		if d.Primary {
			return d, true
		}
	}
	if len(t.displays) > 0 {
		return t.displays[0], true
	}
	return Info{}, false
}

// DisplayAt returns the display containing pt. A position outside every
// display (mid-reconfiguration, or a stale pointer sample) falls back
// to the primary display. ok is false only when no displays are known
// at all.
func (t *Topology) DisplayAt(pt Point) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, d := range t.displays {
		if pt.In(d.Bounds) {
			return d, true
		}
	}
	return t.primaryLocked()
}

// PointerSource reports the current pointer position in virtual desktop
// coordinates.
type PointerSource interface {
	Position() (Point, error)
}

// PositionFunc adapts a function to the PointerSource interface.
type PositionFunc func() (Point, error)

// Position implements PointerSource.
func (f PositionFunc) Position() (Point, error) {
	return f()
}

// StaticProvider serves a fixed display list.
type StaticProvider struct {
	infos []Info
}

// NewStaticProvider creates a provider that always returns the given
// displays.
func NewStaticProvider(infos ...Info) *StaticProvider {
	return &StaticProvider{infos: infos}
}

// Displays implements Provider.
func (s *StaticProvider) Displays() ([]Info, error) {
	out := make([]Info, len(s.infos))
	copy(out, s.infos)
	return out, nil
}
