package engine

import (
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glintd/internal/capture"
	"glintd/internal/config"
	"glintd/internal/display"
	"glintd/internal/logging"
	"glintd/internal/metrics"
	"glintd/internal/render"
	"glintd/internal/sampler"
)

func quietLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// testPointer is a settable pointer position source.
type testPointer struct {
	mu  sync.Mutex
	pos display.Point
}

func (p *testPointer) Position() (display.Point, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, nil
}

func (p *testPointer) moveTo(x, y float64) {
	p.mu.Lock()
	p.pos = display.Point{X: x, Y: y}
	p.mu.Unlock()
}

// fakeForwarder records what would cross the privilege boundary.
type fakeForwarder struct {
	mu       sync.Mutex
	sets     int
	restores int
}

func (f *fakeForwarder) SetCursor(*render.Rendered) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	return nil
}

func (f *fakeForwarder) Restore() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	return nil
}

func (f *fakeForwarder) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets, f.restores
}

type fixture struct {
	engine    *Engine
	forwarder *fakeForwarder
	source    *ManualSource
	pointer   *testPointer
	sampler   *sampler.Sampler
}

func testAppearance(mode config.Mode) config.AppearanceConfig {
	app := config.DefaultConfig().Appearance
	app.Mode = mode
	app.BaseColor = "#808080"
	app.AdaptiveScaling = false
	return app
}

// newFixture builds an engine over a 400x400 display with a uniform
// backdrop and a manual tick source.
func newFixture(t *testing.T, app config.AppearanceConfig, backdrop *image.RGBA) *fixture {
	t.Helper()

	topo := display.NewTopology(display.NewStaticProvider(display.Info{
		ID:      "display-0",
		Bounds:  image.Rect(0, 0, 400, 400),
		Scale:   1,
		Primary: true,
	}))
	require.NoError(t, topo.Refresh())

	smp := sampler.New(topo, capture.NewStaticGrabber(backdrop),
		sampler.NewStabilizer(sampler.DefaultFilterParams()), sampler.Options{})

	fwd := &fakeForwarder{}
	src := &ManualSource{}
	ptr := &testPointer{pos: display.Point{X: 200, Y: 200}}

	eng, err := New(Options{
		Topology:         topo,
		Pointer:          ptr,
		Sampler:          smp,
		Renderer:         render.New(0, 0),
		Forwarder:        fwd,
		Source:           src,
		Metrics:          metrics.NewGlintdMetrics(metrics.NewRegistry("glintd", "test")),
		Logger:           quietLogger(),
		CaptureAvailable: true,
		Appearance:       app,
		Tuning:           config.DefaultConfig().Tuning,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop() })

	return &fixture{engine: eng, forwarder: fwd, source: src, pointer: ptr, sampler: smp}
}

func waitForSets(t *testing.T, f *fakeForwarder, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		sets, _ := f.counts()
		return sets >= want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartAppliesImmediately(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeNone), capture.Uniform(400, 400, 20, 20, 20, 255))

	require.NoError(t, fx.engine.Start())
	require.Equal(t, StateRunning, fx.engine.State())

	require.NotNil(t, fx.engine.Current(), "Start must apply the current appearance before any tick")
	sets, _ := fx.forwarder.counts()
	assert.Equal(t, 1, sets)
}

func TestStartIsIdempotent(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeNone), capture.Uniform(400, 400, 20, 20, 20, 255))

	require.NoError(t, fx.engine.Start())
	require.NoError(t, fx.engine.Start())

	sets, _ := fx.forwarder.counts()
	assert.Equal(t, 1, sets, "second Start must be a no-op")
}

func TestStopRestoresExactlyOnce(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeNone), capture.Uniform(400, 400, 20, 20, 20, 255))

	require.NoError(t, fx.engine.Start())
	require.NoError(t, fx.engine.Stop())
	require.NoError(t, fx.engine.Stop())

	_, restores := fx.forwarder.counts()
	assert.Equal(t, 1, restores, "double Stop must restore exactly once")
	assert.Equal(t, StateStopped, fx.engine.State())
	assert.Nil(t, fx.engine.Current())
}

func TestStopWithoutStart(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeNone), capture.Uniform(400, 400, 20, 20, 20, 255))

	require.NoError(t, fx.engine.Stop())
	_, restores := fx.forwarder.counts()
	assert.Zero(t, restores)
}

func TestRestartAfterStop(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeNone), capture.Uniform(400, 400, 20, 20, 20, 255))

	require.NoError(t, fx.engine.Start())
	require.NoError(t, fx.engine.Stop())
	require.NoError(t, fx.engine.Start())

	require.Equal(t, StateRunning, fx.engine.State())
	require.NotNil(t, fx.engine.Current())
}

// splitBackdrop is dark left of x=200 and light right of it, so a
// pointer crossing the middle sees a real brightness change.
func splitBackdrop() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 400, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 400; x++ {
			v := uint8(10)
			if x >= 200 {
				v = 240
			}
			i := img.PixOffset(x, y)
			img.Pix[i+0] = v
			img.Pix[i+1] = v
			img.Pix[i+2] = v
			img.Pix[i+3] = 255
		}
	}
	return img
}

func TestTickRendersOnMovement(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), splitBackdrop())
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	// Crossing into the dark half: well past the dead zone, past the
	// rate-limit window, and a brightness swing the filter promotes.
	fx.pointer.moveTo(100, 100)
	fx.source.Fire(time.Now().Add(time.Second))

	waitForSets(t, fx.forwarder, 2)
}

func TestTickSkippedInsideDeadZone(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	// First tick establishes the reference position and its sample
	// lands asynchronously.
	observed := fx.sampler.Stats().Observed
	fx.source.Fire(time.Now().Add(time.Second))
	require.Eventually(t, func() bool {
		return fx.sampler.Stats().Observed > observed
	}, 2*time.Second, 5*time.Millisecond)

	// One pixel of drift is inside the slow dead zone (2 units).
	fx.pointer.moveTo(201, 200)
	before := fx.sampler.Stats().Observed
	fx.source.Fire(time.Now().Add(2 * time.Second))

	assert.Equal(t, before, fx.sampler.Stats().Observed, "dead-zone tick must not sample")
}

func TestTickRateLimited(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeNone), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	base := time.Now().Add(time.Second)
	fx.pointer.moveTo(100, 100)
	fx.source.Fire(base)

	// A second movement tick 1ms later is under the 120Hz ceiling.
	fx.pointer.moveTo(300, 300)
	fx.source.Fire(base.Add(time.Millisecond))

	// Only the first of the two ticks may have queued work.
	time.Sleep(50 * time.Millisecond)
	sets, _ := fx.forwarder.counts()
	assert.LessOrEqual(t, sets, 2)
}

func TestRefreshForcesRender(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	// No movement at all; Refresh bypasses every gate.
	require.NoError(t, fx.engine.Refresh())
	waitForSets(t, fx.forwarder, 2)
}

func TestRefreshWhenStopped(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeNone), capture.Uniform(400, 400, 20, 20, 20, 255))
	assert.ErrorIs(t, fx.engine.Refresh(), ErrNotRunning)
}

func TestAutoInvertBoostsOverDarkBackground(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 10, 10, 10, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	st := fx.engine.Status()
	assert.Equal(t, sampler.ToneDark, st.Tone)
	// Mid-gray base clamped component-wise toward 0.8.
	assert.Equal(t, "#CCCCCC", st.EffectiveColor)
}

func TestAutoInvertDimsOverLightBackground(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 240, 240, 240, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	st := fx.engine.Status()
	assert.Equal(t, sampler.ToneLight, st.Tone)
	assert.Equal(t, "#333333", st.EffectiveColor)
}

func TestModeNoneUsesBaseColor(t *testing.T) {
	app := testAppearance(config.ModeNone)
	app.BaseColor = "#FF0000"
	fx := newFixture(t, app, capture.Uniform(400, 400, 240, 240, 240, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	assert.Equal(t, "#FF0000", fx.engine.Status().EffectiveColor)
}

func TestStableBrightnessSkipsReRender(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	// Movement over an unchanged backdrop: the sample lands inside the
	// hysteresis dead band, so no re-render happens.
	observed := fx.sampler.Stats().Observed
	fx.pointer.moveTo(100, 100)
	fx.source.Fire(time.Now().Add(time.Second))

	require.Eventually(t, func() bool {
		return fx.sampler.Stats().Observed > observed
	}, 2*time.Second, 5*time.Millisecond, "movement tick must sample")

	sets, _ := fx.forwarder.counts()
	assert.Equal(t, 1, sets, "unchanged brightness must not re-render")
}

func TestConfigureReRendersUnderNewSettings(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeNone), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	app := testAppearance(config.ModeNone)
	app.BaseColor = "#00FF00"
	fx.engine.Configure(app, config.DefaultConfig().Tuning)

	waitForSets(t, fx.forwarder, 2)
	assert.Equal(t, "#00FF00", fx.engine.Status().EffectiveColor)
}

func TestPauseSuspendsTicks(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	fx.engine.Pause()
	observed := fx.sampler.Stats().Observed
	fx.pointer.moveTo(100, 100)
	fx.source.Fire(time.Now().Add(time.Second))
	assert.Equal(t, observed, fx.sampler.Stats().Observed, "paused tick must do no work")

	fx.engine.Resume()
	waitForSets(t, fx.forwarder, 2)
}

func TestSchemeChangeInvalidatesAndReRenders(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	fx.engine.HandleSchemeChange("dark")
	waitForSets(t, fx.forwarder, 2)
}

func TestDisplayChangeRefreshesTopology(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	require.NoError(t, fx.engine.HandleDisplayChange())
	waitForSets(t, fx.forwarder, 2)
	assert.Equal(t, 1, fx.engine.Status().Displays)
}

func TestCanUseContrastFeatures(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 20, 20, 20, 255))
	assert.True(t, fx.engine.CanUseContrastFeatures())
}

func TestStopConcurrentWithTicks(t *testing.T) {
	fx := newFixture(t, testAppearance(config.ModeAutoInvert), capture.Uniform(400, 400, 20, 20, 20, 255))
	require.NoError(t, fx.engine.Start())
	waitForSets(t, fx.forwarder, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		base := time.Now().Add(time.Second)
		for i := 0; i < 50; i++ {
			fx.pointer.moveTo(float64(50+i*5), 100)
			fx.source.Fire(base.Add(time.Duration(i) * 100 * time.Millisecond))
		}
	}()

	require.NoError(t, fx.engine.Stop())
	<-done

	_, restores := fx.forwarder.counts()
	assert.Equal(t, 1, restores)
	assert.Nil(t, fx.engine.Current(), "no stale render may land after Stop")
}

func TestTickerSourceStopJoins(t *testing.T) {
	src := NewTickerSource(200)

	var mu sync.Mutex
	ticks := 0
	require.NoError(t, src.Start(func(time.Time) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks > 0
	}, time.Second, time.Millisecond)

	src.Stop()
	mu.Lock()
	after := ticks
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, ticks, "no sink invocations after Stop returns")
	mu.Unlock()

	src.Stop() // idempotent
}
