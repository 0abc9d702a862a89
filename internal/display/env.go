package display

import (
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
)

// EnvGeometryVar configures the EnvProvider's display list.
const EnvGeometryVar = "GLINTD_DISPLAY"

// defaultGeometry is used when no layout is configured anywhere.
const defaultGeometry = "1920x1080@1.0+0+0"

// EnvProvider builds a display list from the GLINTD_DISPLAY variable.
// It exists for headless runs and test rigs where no session backend is
// wired in; the format is a comma-separated list of
// "WIDTHxHEIGHT[@SCALE][+X+Y]" entries, the first being primary:
//
//	GLINTD_DISPLAY=2560x1440@2.0+0+0,1920x1080@1.0+2560+0
type EnvProvider struct{}

// NewEnvProvider creates a provider reading GLINTD_DISPLAY, defaulting
// to a single 1920x1080 display.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Displays implements Provider.
func (e *EnvProvider) Displays() ([]Info, error) {
	spec := os.Getenv(EnvGeometryVar)
	if spec == "" {
		spec = defaultGeometry
	}
	return ParseGeometry(spec)
}

// ParseGeometry parses a comma-separated geometry list into displays.
func ParseGeometry(spec string) ([]Info, error) {
	parts := strings.Split(spec, ",")
	infos := make([]Info, 0, len(parts))

	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		info, err := parseGeometryEntry(part)
		if err != nil {
			return nil, fmt.Errorf("geometry entry %q: %w", part, err)
		}
		info.ID = fmt.Sprintf("display-%d", i)
		info.Name = info.ID
		info.Primary = i == 0
		infos = append(infos, info)
	}

	if len(infos) == 0 {
		return nil, fmt.Errorf("geometry %q: no displays", spec)
	}
	return infos, nil
}

// parseGeometryEntry parses one "WIDTHxHEIGHT[@SCALE][+X+Y]" entry.
func parseGeometryEntry(s string) (Info, error) {
	var info Info
	info.Scale = 1.0

	// Offset suffix
	if idx := strings.Index(s, "+"); idx >= 0 {
		offset := s[idx+1:]
		s = s[:idx]

		xy := strings.SplitN(offset, "+", 2)
		if len(xy) != 2 {
			return info, fmt.Errorf("offset must be +X+Y")
		}
		x, err := strconv.Atoi(xy[0])
		if err != nil {
			return info, fmt.Errorf("offset x: %w", err)
		}
		y, err := strconv.Atoi(xy[1])
		if err != nil {
			return info, fmt.Errorf("offset y: %w", err)
		}
		info.Bounds = info.Bounds.Add(image.Pt(x, y))
	}

	// Scale suffix
	if idx := strings.Index(s, "@"); idx >= 0 {
		scale, err := strconv.ParseFloat(s[idx+1:], 64)
		if err != nil {
			return info, fmt.Errorf("scale: %w", err)
		}
		if scale <= 0 {
			return info, fmt.Errorf("scale must be positive")
		}
		info.Scale = scale
		s = s[:idx]
	}

	// WIDTHxHEIGHT
	wh := strings.SplitN(s, "x", 2)
	if len(wh) != 2 {
		return info, fmt.Errorf("size must be WIDTHxHEIGHT")
	}
	w, err := strconv.Atoi(wh[0])
	if err != nil {
		return info, fmt.Errorf("width: %w", err)
	}
	h, err := strconv.Atoi(wh[1])
	if err != nil {
		return info, fmt.Errorf("height: %w", err)
	}
	if w < 1 || h < 1 {
		return info, fmt.Errorf("size must be at least 1x1")
	}

	origin := info.Bounds.Min
	info.Bounds = image.Rect(origin.X, origin.Y, origin.X+w, origin.Y+h)
	return info, nil
}
