// Package sampler reads the pixels beneath the pointer and turns them
// into a stable color signal for the adaptation engine.
//
// Raw captures are noisy: video playback flickers, gradients disagree
// with themselves, overlay windows capture as transparent, and the
// capture permission can vanish at any moment. The sampler's job is to
// absorb all of that and still hand the engine a usable color every
// tick. Degraded inputs (no permission, a point outside every display,
// a patch that is mostly transparent) produce documented fallback
// values, never errors; only a broken capture primitive surfaces as
// ErrCaptureUnavailable.
package sampler

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"glintd/internal/capture"
	"glintd/internal/display"
)

const (
	// MinAlpha is the floor applied to every sample's alpha channel. A
	// fully transparent render would make the pointer invisible, which
	// is the one failure mode this daemon exists to prevent.
	MinAlpha = 0.1

	// ContrastThreshold splits backgrounds into "use black" and "use
	// white" for Contrasting. Slightly below mid-gray: text-heavy light
	// backgrounds read better with a black glyph.
	ContrastThreshold = 0.45

	// TransparentLimit is the fraction of transparent pixels above
	// which a patch is treated as sampling through an overlay window.
	TransparentLimit = 0.7

	// gradientVariance is the brightness variance across the
	// multi-point spread beyond which the region is treated as a
	// gradient and only the center sample is trusted.
	gradientVariance = 0.1

	boostFloor = 0.8
	dimCeil    = 0.2
)

// ErrCaptureUnavailable wraps failures of the capture primitive
// itself. Anything else the sampler degrades around.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Sample is one observed color with channels in [0,1]. It doubles as
// the color value type for the rest of the pipeline: base colors,
// outline colors and sampled backgrounds are all Samples. Immutable;
// every derivation returns a new value.
type Sample struct {
	R float64
	G float64
	B float64
	A float64
}

// NewSample clamps each channel into [0,1] and floors alpha at
// MinAlpha.
func NewSample(r, g, b, a float64) Sample {
	s := Sample{
		R: clamp01(r),
		G: clamp01(g),
		B: clamp01(b),
		A: clamp01(a),
	}
	if s.A < MinAlpha {
		s.A = MinAlpha
	}
	return s
}

// Neutral is the mid-gray returned when a patch cannot be trusted.
func Neutral() Sample {
	return Sample{R: 0.5, G: 0.5, B: 0.5, A: 1}
}

// Black and White are the two possible Contrasting results.
func Black() Sample { return Sample{A: 1} }
func White() Sample { return Sample{R: 1, G: 1, B: 1, A: 1} }

// Brightness returns the perceptual luminance in [0,1].
func (s Sample) Brightness() float64 {
	return 0.2126*s.R + 0.7152*s.G + 0.0722*s.B
}

// Contrasting returns black for a bright sample and white for a dark
// one, using the fixed ContrastThreshold.
func (s Sample) Contrasting() Sample {
	if s.Brightness() > ContrastThreshold {
		return Black()
	}
	return White()
}

// IsDark reports whether the sample falls on the dark side of the
// given threshold.
func (s Sample) IsDark(threshold float64) bool {
	return s.Brightness() < threshold
}

// Boosted returns the bright variant used over dark backgrounds: each
// color channel is raised to at least 0.8. Not a photometric
// inversion; the point is guaranteed visibility, not complementarity.
func (s Sample) Boosted() Sample {
	return Sample{
		R: math.Max(s.R, boostFloor),
		G: math.Max(s.G, boostFloor),
		B: math.Max(s.B, boostFloor),
		A: s.A,
	}
}

// Dimmed returns the dark variant used over light backgrounds: each
// color channel is lowered to at most 0.2.
func (s Sample) Dimmed() Sample {
	return Sample{
		R: math.Min(s.R, dimCeil),
		G: math.Min(s.G, dimCeil),
		B: math.Min(s.B, dimCeil),
		A: s.A,
	}
}

// Hex formats the sample as #RRGGBB, or #RRGGBBAA when alpha is not
// fully opaque. Round-trips through ParseColor.
func (s Sample) Hex() string {
	r := channelByte(s.R)
	g := channelByte(s.G)
	b := channelByte(s.B)
	a := channelByte(s.A)
	if a == 0xFF {
		return fmt.Sprintf("#%02X%02X%02X", r, g, b)
	}
	return fmt.Sprintf("#%02X%02X%02X%02X", r, g, b, a)
}

// ParseColor parses #RRGGBB or #RRGGBBAA into a Sample.
func ParseColor(hex string) (Sample, error) {
	raw := hex
	if len(raw) > 0 && raw[0] == '#' {
		raw = raw[1:]
	}
	if len(raw) != 6 && len(raw) != 8 {
		return Sample{}, fmt.Errorf("invalid color %q: want #RRGGBB or #RRGGBBAA", hex)
	}
	var ch [4]uint8
	ch[3] = 0xFF
	for i := 0; i*2 < len(raw); i++ {
		v, err := parseHexByte(raw[i*2 : i*2+2])
		if err != nil {
			return Sample{}, fmt.Errorf("invalid color %q: %w", hex, err)
		}
		ch[i] = v
	}
	return NewSample(
		float64(ch[0])/255,
		float64(ch[1])/255,
		float64(ch[2])/255,
		float64(ch[3])/255,
	), nil
}

func parseHexByte(s string) (uint8, error) {
	var v uint8
	for i := 0; i < 2; i++ {
		c := s[i]
		var d uint8
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, fmt.Errorf("bad hex digit %q", c)
		}
		v = v<<4 | d
	}
	return v, nil
}

func channelByte(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Options tunes how the sampler reads the screen.
type Options struct {
	// PatchSide is the side length, in pixels, of the capture rect
	// centered on the pointer.
	PatchSide int

	// MultiPoint samples four extra patches at cardinal offsets and
	// averages them unless the region looks like a gradient.
	MultiPoint bool

	// MultiPointRadius is the cardinal offset distance in pixels.
	MultiPointRadius int
}

func (o Options) normalized() Options {
	if o.PatchSide < 1 {
		o.PatchSide = 5
	}
	if o.MultiPointRadius < 1 {
		o.MultiPointRadius = 24
	}
	return o
}

// Sampler pulls pixel patches from beneath the pointer and runs them
// through the stabilizer. One instance per engine session; Sample is
// called from the engine's worker only, Configure and Reset may arrive
// from the control plane.
type Sampler struct {
	topo    *display.Topology
	grabber capture.Grabber
	filter  *Stabilizer

	mu     sync.Mutex
	opts   Options
	denied bool
}

// New builds a Sampler over the given topology and capture primitive.
func New(topo *display.Topology, grabber capture.Grabber, filter *Stabilizer, opts Options) *Sampler {
	return &Sampler{
		topo:    topo,
		grabber: grabber,
		filter:  filter,
		opts:    opts.normalized(),
	}
}

// Sample captures the region under at, averages it and returns the
// stabilized color. Degraded conditions return the last stable color
// (or Neutral before any sample succeeded) with a nil error; only a
// failing capture primitive returns ErrCaptureUnavailable.
func (s *Sampler) Sample(at display.Point) (Sample, error) {
	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()

	raw, ok, err := s.samplePatch(at, opts.PatchSide)
	if err != nil {
		return Sample{}, err
	}
	if !ok {
		return s.fallback(), nil
	}
	if opts.MultiPoint {
		raw = s.multiPoint(at, raw, opts)
	}
	return s.filter.Observe(raw, time.Now()), nil
}

// samplePatch captures and averages one patch. ok is false on the
// degraded paths: no known displays, a point outside every display, or
// capture permission denied.
func (s *Sampler) samplePatch(at display.Point, side int) (Sample, bool, error) {
	d, ok := s.topo.DisplayAt(at)
	if !ok {
		return Sample{}, false, nil
	}
	if !at.In(d.Bounds) {
		// Stale position or mid-reconfiguration. The clamped patch
		// would sample a display edge far from the pointer, so hold
		// the last stable color instead.
		return Sample{}, false, nil
	}

	rect := display.ClampRect(display.PatchAround(at, side), d.Bounds)
	img, err := s.grabber.Grab(rect, true)
	switch {
	case err == nil:
		s.setDenied(false)
	case errors.Is(err, capture.ErrPermissionDenied):
		s.setDenied(true)
		return Sample{}, false, nil
	case errors.Is(err, capture.ErrDisplayNotFound):
		return Sample{}, false, nil
	default:
		return Sample{}, false, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	return averagePatch(img), true, nil
}

// multiPoint spreads the sample across the center plus four cardinal
// offsets. A high brightness variance means the pointer sits on a
// gradient; averaging would then track the gradient's midpoint rather
// than what is actually under the tip, so only the center is trusted.
func (s *Sampler) multiPoint(at display.Point, center Sample, opts Options) Sample {
	r := float64(opts.MultiPointRadius)
	offsets := []display.Point{
		at.Add(-r, 0),
		at.Add(r, 0),
		at.Add(0, -r),
		at.Add(0, r),
	}

	samples := []Sample{center}
	for _, pt := range offsets {
		sp, ok, err := s.samplePatch(pt, opts.PatchSide)
		if err != nil || !ok {
			continue
		}
		samples = append(samples, sp)
	}
	if len(samples) < 2 {
		return center
	}

	brightness := make([]float64, len(samples))
	for i, sp := range samples {
		brightness[i] = sp.Brightness()
	}
	if stat.Variance(brightness, nil) > gradientVariance {
		return center
	}
	return averageSamples(samples)
}

// fallback is what degraded paths return: the last stabilized color,
// or Neutral before the first successful sample.
func (s *Sampler) fallback() Sample {
	if stable, ok := s.filter.Stable(); ok {
		return stable
	}
	return Neutral()
}

// Tone reports the stabilizer's current dark/light decision.
func (s *Sampler) Tone() Tone {
	return s.filter.Tone()
}

// Stats exposes the stabilizer's counters.
func (s *Sampler) Stats() FilterStats {
	return s.filter.Stats()
}

// PermissionDenied reports whether the most recent capture attempt was
// rejected by the OS permission gate.
func (s *Sampler) PermissionDenied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denied
}

func (s *Sampler) setDenied(v bool) {
	s.mu.Lock()
	s.denied = v
	s.mu.Unlock()
}

// Configure swaps the filter parameters and sampling options. Filter
// history is cleared: hysteresis state built under the old thresholds
// is worse than none.
func (s *Sampler) Configure(p FilterParams, opts Options) {
	s.filter.Configure(p)
	s.mu.Lock()
	s.opts = opts.normalized()
	s.mu.Unlock()
}

// Reset clears the stabilizer. Called on display topology and system
// appearance changes.
func (s *Sampler) Reset() {
	s.filter.Reset()
}

// averagePatch averages the non-transparent pixels of a captured
// patch. A patch that is more than TransparentLimit transparent is
// treated as sampling through an overlay window and yields Neutral.
func averagePatch(img *image.RGBA) Sample {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return Neutral()
	}

	var r, g, bl, a float64
	transparent := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			if c.A == 0 {
				transparent++
				continue
			}
			r += float64(c.R) / 255
			g += float64(c.G) / 255
			bl += float64(c.B) / 255
			a += float64(c.A) / 255
		}
	}

	if float64(transparent) > TransparentLimit*float64(total) {
		return Neutral()
	}
	n := float64(total - transparent)
	return NewSample(r/n, g/n, bl/n, a/n)
}

func averageSamples(samples []Sample) Sample {
	var r, g, b, a float64
	for _, s := range samples {
		r += s.R
		g += s.G
		b += s.B
		a += s.A
	}
	n := float64(len(samples))
	return NewSample(r/n, g/n, b/n, a/n)
}
