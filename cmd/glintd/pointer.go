package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"

	"glintd/internal/display"
	"glintd/internal/logging"
)

// envPointerFile names a file holding the pointer position as "x,y".
// Session integrations (compositor plugins, test harnesses) update it;
// the engine polls it each tick.
const envPointerFile = "GLINTD_POINTER_FILE"

// newPointerSource picks the pointer provider for this session. With
// GLINTD_POINTER_FILE set the position is read from that file; without
// it the pointer is pinned to the primary display's center, which keeps
// a capture-less session rendering a stable cursor.
func newPointerSource(topo *display.Topology, log *logging.Logger) display.PointerSource {
	if path := os.Getenv(envPointerFile); path != "" {
		return &filePointer{path: path, topo: topo, log: log}
	}
	return display.PositionFunc(func() (display.Point, error) {
		return centerOf(topo)
	})
}

// filePointer reads the pointer position from a session-updated file.
// A missing or malformed file holds the last good position rather than
// failing the tick.
type filePointer struct {
	path string
	topo *display.Topology
	log  *logging.Logger

	mu       sync.Mutex
	last     display.Point
	haveLast bool
	warned   bool
}

func (f *filePointer) Position() (display.Point, error) {
	data, err := os.ReadFile(f.path)
	if err == nil {
		pt, perr := parsePointer(string(data))
		if perr == nil {
			f.mu.Lock()
			f.last = pt
			f.haveLast = true
			f.mu.Unlock()
			return pt, nil
		}
		err = perr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.haveLast {
		return f.last, nil
	}
	if !f.warned {
		f.warned = true
		f.log.Warn("pointer file unreadable, using display center",
			"path", f.path, "error", err)
	}
	return centerOf(f.topo)
}

// parsePointer parses "x,y" with optional fractional coordinates.
func parsePointer(s string) (display.Point, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return display.Point{}, errors.New("expected \"x,y\"")
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return display.Point{}, err
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return display.Point{}, err
	}
	return display.Point{X: x, Y: y}, nil
}

func centerOf(topo *display.Topology) (display.Point, error) {
	primary, ok := topo.Primary()
	if !ok {
		return display.Point{}, errors.New("no displays known")
	}
	b := primary.Bounds
	return display.Point{
		X: float64(b.Min.X+b.Max.X) / 2,
		Y: float64(b.Min.Y+b.Max.Y) / 2,
	}, nil
}
