package display

import (
	"image"
	"testing"

	"pgregory.net/rapid"
)

func TestClampRectCorners(t *testing.T) {
	bounds := image.Rect(0, 0, 1920, 1080)

	tests := []struct {
		name string
		in   image.Rectangle
		want image.Rectangle
	}{
		{"inside", image.Rect(100, 100, 105, 105), image.Rect(100, 100, 105, 105)},
		{"top_left_corner", image.Rect(-2, -2, 3, 3), image.Rect(0, 0, 3, 3)},
		{"bottom_right_corner", image.Rect(1918, 1078, 1923, 1083), image.Rect(1918, 1078, 1920, 1080)},
		{"fully_outside", image.Rect(5000, 5000, 5005, 5005), image.Rect(1919, 1079, 1920, 1080)},
		{"fully_outside_negative", image.Rect(-50, -50, -45, -45), image.Rect(0, 0, 1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampRect(tt.in, bounds)
			if got != tt.want {
				t.Errorf("ClampRect(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampRectNeverEmpty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bounds := image.Rect(
			rapid.IntRange(-100, 100).Draw(t, "bx"),
			rapid.IntRange(-100, 100).Draw(t, "by"),
			0, 0,
		)
		bounds.Max = bounds.Min.Add(image.Pt(
			rapid.IntRange(1, 4000).Draw(t, "bw"),
			rapid.IntRange(1, 4000).Draw(t, "bh"),
		))

		r := image.Rect(
			rapid.IntRange(-5000, 5000).Draw(t, "x0"),
			rapid.IntRange(-5000, 5000).Draw(t, "y0"),
			0, 0,
		)
		r.Max = r.Min.Add(image.Pt(
			rapid.IntRange(0, 64).Draw(t, "w"),
			rapid.IntRange(0, 64).Draw(t, "h"),
		))

		got := ClampRect(r, bounds)

		if got.Dx() < 1 || got.Dy() < 1 {
			t.Fatalf("clamped rect %v is empty", got)
		}
		if !got.In(bounds) {
			t.Fatalf("clamped rect %v escapes bounds %v", got, bounds)
		}
	})
}

func TestPatchAround(t *testing.T) {
	r := PatchAround(Point{X: 100, Y: 200}, 5)
	if r.Dx() != 5 || r.Dy() != 5 {
		t.Errorf("expected 5x5 patch, got %v", r)
	}
	if r.Min.X != 98 || r.Min.Y != 198 {
		t.Errorf("patch not centered: %v", r)
	}

	// Degenerate side clamps up to one pixel
	r = PatchAround(Point{}, 0)
	if r.Dx() != 1 || r.Dy() != 1 {
		t.Errorf("expected 1x1 patch for side 0, got %v", r)
	}
}

func TestTopologyDisplayAt(t *testing.T) {
	left := Info{
		ID:      "display-0",
		Bounds:  image.Rect(0, 0, 1920, 1080),
		Scale:   1.0,
		Primary: true,
	}
	right := Info{
		ID:     "display-1",
		Bounds: image.Rect(1920, 0, 3840, 1080),
		Scale:  2.0,
	}

	topo := NewTopology(NewStaticProvider(left, right))
	if err := topo.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if d, ok := topo.DisplayAt(Point{X: 100, Y: 100}); !ok || d.ID != "display-0" {
		t.Errorf("expected display-0, got %v ok=%v", d.ID, ok)
	}
	if d, ok := topo.DisplayAt(Point{X: 2000, Y: 100}); !ok || d.ID != "display-1" {
		t.Errorf("expected display-1, got %v ok=%v", d.ID, ok)
	}

	// Off every display falls back to primary
	if d, ok := topo.DisplayAt(Point{X: -500, Y: -500}); !ok || d.ID != "display-0" {
		t.Errorf("expected primary fallback, got %v ok=%v", d.ID, ok)
	}

	// Shared edge belongs to the left display's half-open bounds
	if d, _ := topo.DisplayAt(Point{X: 1920, Y: 100}); d.ID != "display-1" {
		t.Errorf("expected display-1 at shared edge, got %v", d.ID)
	}
}

func TestTopologyEmpty(t *testing.T) {
	topo := NewTopology(NewStaticProvider())
	if err := topo.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if _, ok := topo.DisplayAt(Point{X: 0, Y: 0}); ok {
		t.Error("expected ok=false with no displays")
	}
	if _, ok := topo.Primary(); ok {
		t.Error("expected no primary with no displays")
	}
}

func TestTopologyRefreshSwapsSnapshot(t *testing.T) {
	provider := NewStaticProvider(Info{ID: "a", Bounds: image.Rect(0, 0, 800, 600), Primary: true})
	topo := NewTopology(provider)
	if err := topo.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	before := topo.Displays()
	if len(before) != 1 || before[0].ID != "a" {
		t.Fatalf("unexpected initial displays: %v", before)
	}

	// Mutating the returned slice must not touch the snapshot
	before[0].ID = "mutated"
	after := topo.Displays()
	if after[0].ID != "a" {
		t.Error("Displays returned a live reference to the snapshot")
	}
}

func TestParseGeometry(t *testing.T) {
	infos, err := ParseGeometry("2560x1440@2.0+0+0,1920x1080@1.0+2560+0")
	if err != nil {
		t.Fatalf("ParseGeometry failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 displays, got %d", len(infos))
	}

	if !infos[0].Primary {
		t.Error("first display should be primary")
	}
	if infos[0].Scale != 2.0 {
		t.Errorf("expected scale 2.0, got %g", infos[0].Scale)
	}
	if infos[0].Bounds != image.Rect(0, 0, 2560, 1440) {
		t.Errorf("unexpected bounds: %v", infos[0].Bounds)
	}
	if infos[1].Bounds != image.Rect(2560, 0, 4480, 1080) {
		t.Errorf("unexpected second bounds: %v", infos[1].Bounds)
	}
	if infos[1].Primary {
		t.Error("second display should not be primary")
	}
}

func TestParseGeometryDefaults(t *testing.T) {
	infos, err := ParseGeometry("800x600")
	if err != nil {
		t.Fatalf("ParseGeometry failed: %v", err)
	}
	if infos[0].Scale != 1.0 {
		t.Errorf("expected default scale 1.0, got %g", infos[0].Scale)
	}
	if infos[0].Bounds != image.Rect(0, 0, 800, 600) {
		t.Errorf("unexpected bounds: %v", infos[0].Bounds)
	}
}

func TestParseGeometryErrors(t *testing.T) {
	bad := []string{
		"",
		"x",
		"1920",
		"0x600",
		"800x600@0",
		"800x600@nope",
		"800x600+5",
	}
	for _, spec := range bad {
		if _, err := ParseGeometry(spec); err == nil {
			t.Errorf("ParseGeometry(%q) should fail", spec)
		}
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv(EnvGeometryVar, "1024x768@1.0")
	infos, err := NewEnvProvider().Displays()
	if err != nil {
		t.Fatalf("Displays failed: %v", err)
	}
	if infos[0].Bounds.Dx() != 1024 {
		t.Errorf("expected width 1024, got %d", infos[0].Bounds.Dx())
	}

	t.Setenv(EnvGeometryVar, "")
	infos, err = NewEnvProvider().Displays()
	if err != nil {
		t.Fatalf("Displays failed: %v", err)
	}
	if infos[0].Bounds.Dx() != 1920 {
		t.Errorf("expected default width 1920, got %d", infos[0].Bounds.Dx())
	}
}
