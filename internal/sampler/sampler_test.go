package sampler

import (
	"errors"
	"image"
	"math"
	"testing"

	"pgregory.net/rapid"

	"glintd/internal/capture"
	"glintd/internal/display"
)

func testTopology(t *testing.T, w, h int) *display.Topology {
	t.Helper()
	topo := display.NewTopology(display.NewStaticProvider(display.Info{
		ID:      "display-0",
		Name:    "test",
		Bounds:  image.Rect(0, 0, w, h),
		Scale:   1,
		Primary: true,
	}))
	if err := topo.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	return topo
}

func newTestSampler(t *testing.T, g capture.Grabber, opts Options) *Sampler {
	t.Helper()
	return New(testTopology(t, 200, 200), g, NewStabilizer(DefaultFilterParams()), opts)
}

// errGrabber fails every capture with a fixed error.
type errGrabber struct {
	err error
}

func (e *errGrabber) Grab(image.Rectangle, bool) (*image.RGBA, error) {
	return nil, e.err
}

func TestSampleAveragesPatch(t *testing.T) {
	s := newTestSampler(t, capture.NewStaticGrabber(capture.Uniform(200, 200, 200, 100, 50, 255)), Options{})

	got, err := s.Sample(display.Point{X: 100, Y: 100})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}

	want := NewSample(200.0/255, 100.0/255, 50.0/255, 1)
	for name, ch := range map[string][2]float64{
		"R": {got.R, want.R},
		"G": {got.G, want.G},
		"B": {got.B, want.B},
		"A": {got.A, want.A},
	} {
		if math.Abs(ch[0]-ch[1]) > 0.01 {
			t.Errorf("%s = %.3f, want %.3f", name, ch[0], ch[1])
		}
	}
}

func TestSampleTransparentPatchIsNeutral(t *testing.T) {
	s := newTestSampler(t, capture.NewStaticGrabber(capture.Uniform(200, 200, 0, 0, 0, 0)), Options{})

	got, err := s.Sample(display.Point{X: 100, Y: 100})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if got != Neutral() {
		t.Errorf("fully transparent patch = %+v, want %+v", got, Neutral())
	}
}

func TestSampleIgnoresTransparentPixels(t *testing.T) {
	// 10 of 25 patch pixels transparent: under the 70% limit, so the
	// average covers only the opaque white pixels.
	backdrop := capture.Uniform(200, 200, 255, 255, 255, 255)
	for y := 98; y < 103; y++ {
		for x := 98; x < 100; x++ {
			i := backdrop.PixOffset(x, y)
			backdrop.Pix[i+0] = 0
			backdrop.Pix[i+1] = 0
			backdrop.Pix[i+2] = 0
			backdrop.Pix[i+3] = 0
		}
	}
	s := newTestSampler(t, capture.NewStaticGrabber(backdrop), Options{PatchSide: 5})

	got, err := s.Sample(display.Point{X: 100, Y: 100})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if got.Brightness() < 0.99 {
		t.Errorf("brightness = %.3f, want white from opaque pixels only", got.Brightness())
	}
}

func TestSampleCornerClamps(t *testing.T) {
	s := newTestSampler(t, capture.NewStaticGrabber(capture.Uniform(200, 200, 30, 30, 30, 255)), Options{})

	for _, pt := range []display.Point{
		{X: 0, Y: 0},
		{X: 199, Y: 199},
		{X: 0, Y: 199},
		{X: 199, Y: 0},
	} {
		got, err := s.Sample(pt)
		if err != nil {
			t.Fatalf("Sample(%+v) error = %v", pt, err)
		}
		if math.Abs(got.R-30.0/255) > 0.01 {
			t.Errorf("Sample(%+v).R = %.3f, want %.3f", pt, got.R, 30.0/255)
		}
	}
}

func TestSampleOffDisplayHoldsStable(t *testing.T) {
	s := newTestSampler(t, capture.NewStaticGrabber(capture.Uniform(200, 200, 255, 255, 255, 255)), Options{})

	// Nothing sampled yet: the documented fallback is neutral gray.
	got, err := s.Sample(display.Point{X: 900, Y: 900})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if got != Neutral() {
		t.Errorf("off-display before any sample = %+v, want neutral", got)
	}

	// One good sample, then off-display again: the stable color holds.
	if _, err := s.Sample(display.Point{X: 100, Y: 100}); err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	got, err = s.Sample(display.Point{X: 900, Y: 900})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if got.Brightness() < 0.99 {
		t.Errorf("off-display after white sample = %.3f brightness, want held white", got.Brightness())
	}
}

func TestSamplePermissionDenied(t *testing.T) {
	s := newTestSampler(t, &errGrabber{err: capture.ErrPermissionDenied}, Options{})

	got, err := s.Sample(display.Point{X: 100, Y: 100})
	if err != nil {
		t.Fatalf("Sample() error = %v, permission denial must degrade", err)
	}
	if got != Neutral() {
		t.Errorf("denied sample = %+v, want neutral fallback", got)
	}
	if !s.PermissionDenied() {
		t.Error("PermissionDenied() = false after a denied grab")
	}
}

func TestSamplePermissionRegained(t *testing.T) {
	topo := testTopology(t, 200, 200)
	flaky := &flakyGrabber{
		failures: 1,
		err:      capture.ErrPermissionDenied,
		inner:    capture.NewStaticGrabber(capture.Uniform(200, 200, 255, 255, 255, 255)),
	}
	s := New(topo, flaky, NewStabilizer(DefaultFilterParams()), Options{})

	s.Sample(display.Point{X: 100, Y: 100})
	if !s.PermissionDenied() {
		t.Fatal("PermissionDenied() = false after denial")
	}

	s.Sample(display.Point{X: 100, Y: 100})
	if s.PermissionDenied() {
		t.Error("PermissionDenied() = true after a successful grab")
	}
}

// flakyGrabber fails the first n grabs, then delegates.
type flakyGrabber struct {
	failures int
	err      error
	inner    capture.Grabber
}

func (f *flakyGrabber) Grab(rect image.Rectangle, belowPointer bool) (*image.RGBA, error) {
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.inner.Grab(rect, belowPointer)
}

func TestSampleCaptureFailureSurfaces(t *testing.T) {
	s := newTestSampler(t, &errGrabber{err: errors.New("compositor gone")}, Options{})

	_, err := s.Sample(display.Point{X: 100, Y: 100})
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Errorf("Sample() error = %v, want ErrCaptureUnavailable", err)
	}
}

func TestMultiPointGradientTrustsCenter(t *testing.T) {
	// Left half black, right half white. The spread straddles the seam
	// so the brightness variance marks the region as a gradient and
	// only the center patch counts.
	backdrop := capture.Uniform(200, 200, 255, 255, 255, 255)
	for y := 0; y < 200; y++ {
		for x := 0; x < 100; x++ {
			i := backdrop.PixOffset(x, y)
			backdrop.Pix[i+0] = 0
			backdrop.Pix[i+1] = 0
			backdrop.Pix[i+2] = 0
		}
	}
	s := newTestSampler(t, capture.NewStaticGrabber(backdrop), Options{
		MultiPoint:       true,
		MultiPointRadius: 30,
	})

	got, err := s.Sample(display.Point{X: 110, Y: 100})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if got.Brightness() < 0.95 {
		t.Errorf("brightness = %.3f, want the white center patch only", got.Brightness())
	}
}

func TestMultiPointUniformAverages(t *testing.T) {
	s := newTestSampler(t, capture.NewStaticGrabber(capture.Uniform(200, 200, 120, 120, 120, 255)), Options{
		MultiPoint:       true,
		MultiPointRadius: 30,
	})

	got, err := s.Sample(display.Point{X: 100, Y: 100})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if math.Abs(got.R-120.0/255) > 0.01 {
		t.Errorf("R = %.3f, want %.3f", got.R, 120.0/255)
	}
}

func TestSampleNoDisplays(t *testing.T) {
	topo := display.NewTopology(display.NewStaticProvider())
	if err := topo.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	s := New(topo, capture.NewStaticGrabber(capture.Uniform(10, 10, 0, 0, 0, 255)),
		NewStabilizer(DefaultFilterParams()), Options{})

	got, err := s.Sample(display.Point{X: 5, Y: 5})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if got != Neutral() {
		t.Errorf("no-display sample = %+v, want neutral", got)
	}
}

func TestNewSampleClamps(t *testing.T) {
	tests := []struct {
		name string
		in   Sample
		want Sample
	}{
		{"negative_channels", NewSample(-1, -0.5, -0.1, 1), Sample{R: 0, G: 0, B: 0, A: 1}},
		{"over_one", NewSample(2, 1.5, 1.1, 1), Sample{R: 1, G: 1, B: 1, A: 1}},
		{"alpha_floor", NewSample(0.5, 0.5, 0.5, 0), Sample{R: 0.5, G: 0.5, B: 0.5, A: MinAlpha}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.in != tt.want {
				t.Errorf("got %+v, want %+v", tt.in, tt.want)
			}
		})
	}
}

func TestContrasting(t *testing.T) {
	if got := gray(0.9).Contrasting(); got != Black() {
		t.Errorf("bright background contrasting = %+v, want black", got)
	}
	if got := gray(0.1).Contrasting(); got != White() {
		t.Errorf("dark background contrasting = %+v, want white", got)
	}
}

func TestBoostedAndDimmed(t *testing.T) {
	base := NewSample(0.3, 0.9, 0.5, 1)

	boosted := base.Boosted()
	if boosted.R != 0.8 || boosted.G != 0.9 || boosted.B != 0.8 {
		t.Errorf("Boosted() = %+v, want channels raised to at least 0.8", boosted)
	}

	dimmed := base.Dimmed()
	if dimmed.R != 0.2 || dimmed.G != 0.2 || dimmed.B != 0.2 {
		t.Errorf("Dimmed() = %+v, want channels lowered to at most 0.2", dimmed)
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    Sample
		wantErr bool
	}{
		{in: "#FFFFFF", want: White()},
		{in: "#000000", want: Black()},
		{in: "#ff8000", want: NewSample(1, 128.0/255, 0, 1)},
		{in: "#FFFFFF80", want: NewSample(1, 1, 1, 128.0/255)},
		{in: "FFFFFF", want: White()},
		{in: "#GGGGGG", wantErr: true},
		{in: "#FFF", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseColor(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseColor(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseColor(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseColor(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestHexRoundTrip(t *testing.T) {
	for _, hex := range []string{"#FFFFFF", "#000000", "#FF8000", "#12345678"} {
		s, err := ParseColor(hex)
		if err != nil {
			t.Fatalf("ParseColor(%q) error = %v", hex, err)
		}
		if got := s.Hex(); got != hex {
			t.Errorf("round trip %q = %q", hex, got)
		}
	}
}

func TestSampleInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewSample(
			rapid.Float64Range(-2, 2).Draw(t, "r"),
			rapid.Float64Range(-2, 2).Draw(t, "g"),
			rapid.Float64Range(-2, 2).Draw(t, "b"),
			rapid.Float64Range(-2, 2).Draw(t, "a"),
		)

		if b := s.Brightness(); b < 0 || b > 1 {
			t.Fatalf("brightness %v out of [0,1]", b)
		}
		if s.A < MinAlpha {
			t.Fatalf("alpha %v below floor", s.A)
		}
		if c := s.Contrasting(); c != Black() && c != White() {
			t.Fatalf("contrasting = %+v, want black or white", c)
		}
	})
}
