package main

import (
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glintd/internal/config"
	"glintd/internal/display"
	"glintd/internal/logging"
	"glintd/internal/render"
	"glintd/internal/sampler"
)

func quietTestLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func imageRect(x0, y0, x1, y1 int) image.Rectangle {
	return image.Rect(x0, y0, x1, y1)
}

func TestParsePointer(t *testing.T) {
	tests := []struct {
		in      string
		want    display.Point
		wantErr bool
	}{
		{"100,200", display.Point{X: 100, Y: 200}, false},
		{" 12.5 , 7.25 \n", display.Point{X: 12.5, Y: 7.25}, false},
		{"-10,0", display.Point{X: -10, Y: 0}, false},
		{"100", display.Point{}, true},
		{"a,b", display.Point{}, true},
		{"1,2,3", display.Point{}, true},
		{"", display.Point{}, true},
	}
	for _, tt := range tests {
		pt, err := parsePointer(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, pt, "input %q", tt.in)
	}
}

func TestFilePointerHoldsLastGoodPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pointer")
	require.NoError(t, os.WriteFile(path, []byte("50,60"), 0644))

	topo := display.NewTopology(display.NewStaticProvider(display.Info{
		ID:      "d0",
		Bounds:  imageRect(0, 0, 800, 600),
		Scale:   1,
		Primary: true,
	}))
	require.NoError(t, topo.Refresh())

	fp := &filePointer{path: path, topo: topo, log: quietTestLogger()}

	pt, err := fp.Position()
	require.NoError(t, err)
	assert.Equal(t, display.Point{X: 50, Y: 60}, pt)

	// A corrupted file holds the last good position.
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	pt, err = fp.Position()
	require.NoError(t, err)
	assert.Equal(t, display.Point{X: 50, Y: 60}, pt)
}

func TestFilePointerFallsBackToDisplayCenter(t *testing.T) {
	topo := display.NewTopology(display.NewStaticProvider(display.Info{
		ID:      "d0",
		Bounds:  imageRect(0, 0, 800, 600),
		Scale:   1,
		Primary: true,
	}))
	require.NoError(t, topo.Refresh())

	fp := &filePointer{
		path: filepath.Join(t.TempDir(), "missing"),
		topo: topo,
		log:  quietTestLogger(),
	}
	pt, err := fp.Position()
	require.NoError(t, err)
	assert.Equal(t, display.Point{X: 400, Y: 300}, pt)
}

func TestApplyConfigKeyRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()

	require.NoError(t, applyConfigKey(cfg, "appearance.mode", "outline"))
	require.NoError(t, applyConfigKey(cfg, "appearance.base_color", "#336699"))
	require.NoError(t, applyConfigKey(cfg, "appearance.scale", 1.5))
	require.NoError(t, applyConfigKey(cfg, "appearance.sampling_rate", float64(60)))
	require.NoError(t, applyConfigKey(cfg, "appearance.enabled", false))
	require.NoError(t, applyConfigKey(cfg, "tuning.dead_zone_slow", 3.0))

	assert.Equal(t, config.ModeOutline, cfg.Appearance.Mode)
	assert.Equal(t, "#336699", cfg.Appearance.BaseColor)
	assert.Equal(t, 1.5, cfg.Appearance.Scale)
	assert.Equal(t, 60, cfg.Appearance.SamplingRate)
	assert.False(t, cfg.Appearance.Enabled)
	assert.Equal(t, 3.0, cfg.Tuning.DeadZoneSlow)

	flat := flattenConfig(cfg)
	assert.Equal(t, "outline", flat["appearance.mode"])
	assert.Equal(t, "#336699", flat["appearance.base_color"])
	assert.Equal(t, false, flat["appearance.enabled"])
}

func TestApplyConfigKeyRejectsBadValues(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Error(t, applyConfigKey(cfg, "appearance.mode", "sideways"))
	assert.Error(t, applyConfigKey(cfg, "appearance.base_color", "red"))
	assert.Error(t, applyConfigKey(cfg, "appearance.enabled", "yes"))
	assert.Error(t, applyConfigKey(cfg, "appearance.scale", "big"))
	assert.Error(t, applyConfigKey(cfg, "no.such.key", 1))

	// Nothing was half-applied.
	def := config.DefaultConfig()
	assert.Equal(t, def.Appearance, cfg.Appearance)
}

func TestLocalApplierPublishesAndRestores(t *testing.T) {
	dir := t.TempDir()
	a := newLocalApplier(dir)

	renderer := render.New(2, 0)
	r := renderer.Render(render.Params{Color: sampler.White(), Scale: 1})
	require.NotNil(t, r)

	require.NoError(t, a.Apply(r))

	png, err := os.ReadFile(filepath.Join(dir, "cursor.png"))
	require.NoError(t, err)
	assert.Equal(t, r.PNG, png)
	_, err = os.Stat(filepath.Join(dir, "hotspot.json"))
	require.NoError(t, err)

	require.NoError(t, a.Restore())
	_, err = os.Stat(filepath.Join(dir, "cursor.png"))
	assert.True(t, os.IsNotExist(err))
}
