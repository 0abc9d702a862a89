// Package engine drives the adaptation loop: once per refresh tick it
// reads the pointer position, samples the background beneath it,
// derives the effective cursor appearance, renders a glyph, applies it
// locally and forwards it to the privileged pointer helper.
//
// The loop is built to degrade, not to fail. A missing capture
// permission, an unreachable helper or a mid-flight reconfiguration
// each cost at most one stale frame; none of them can stop the ticks
// or leave the system cursor unrestored after Stop.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"glintd/internal/config"
	"glintd/internal/display"
	"glintd/internal/ipc"
	"glintd/internal/journal"
	"glintd/internal/logging"
	"glintd/internal/metrics"
	"glintd/internal/render"
	"glintd/internal/sampler"
)

// ErrNotRunning is returned by operations that need a running engine.
var ErrNotRunning = errors.New("engine is not running")

// State is the engine's lifecycle phase.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Applier integrates the rendered cursor with the local session. The
// engine keeps the current glyph in-process regardless; the applier is
// the optional platform hook on top of that.
type Applier interface {
	Apply(*render.Rendered) error
	Restore() error
}

// Forwarder pushes cursor state across the privilege boundary. The
// channel package provides the production implementation; a failed
// forward never disturbs the local application.
type Forwarder interface {
	SetCursor(*render.Rendered) error
	Restore() error
}

// Recorder journals engine events. *journal.Journal satisfies it.
type Recorder interface {
	Record(kind journal.Kind, detail string) (int64, error)
}

// Options wires an Engine. Topology, Pointer, Sampler and Renderer are
// required; everything else is optional.
type Options struct {
	Topology *display.Topology
	Pointer  display.PointerSource
	Sampler  *sampler.Sampler
	Renderer *render.Renderer

	// Forwarder sends cursor updates to the privileged helper.
	Forwarder Forwarder

	// Applier is the local platform integration hook.
	Applier Applier

	// Source overrides the refresh source. When nil the engine builds
	// a TickerSource from the configured sampling rate.
	Source Source

	// Journal records engine events.
	Journal Recorder

	// Metrics defaults to the process-wide glintd metric set.
	Metrics *metrics.GlintdMetrics

	// Notify receives control-plane events for broadcasting.
	Notify func(*ipc.Event)

	Logger *logging.Logger

	// CaptureAvailable reports whether a capture backend exists at
	// all; it gates CanUseContrastFeatures together with the runtime
	// permission state.
	CaptureAvailable bool

	Appearance config.AppearanceConfig
	Tuning     config.TuningConfig
}

// workItem is one tick handed from the session loop to the worker.
type workItem struct {
	pos   display.Point
	now   time.Time
	gen   uint64
	force bool
}

// Engine is the adaptation orchestrator.
//
// Concurrency layout: the refresh source's sink (the session loop) is
// the only pointer-position reader; ticks that survive the gates are
// handed to a single worker goroutine that samples, renders, applies
// and forwards. procMu serializes that processing with forced
// refreshes from the control plane. Everything mutable sits behind mu;
// a generation counter lets Stop and Configure invalidate in-flight
// work without waiting for it.
type Engine struct {
	topo      *display.Topology
	pointer   display.PointerSource
	sampler   *sampler.Sampler
	renderer  *render.Renderer
	forwarder Forwarder
	applier   Applier
	journal   Recorder
	metrics   *metrics.GlintdMetrics
	notify    func(*ipc.Event)
	log       *logging.Logger
	captureOK bool

	procMu sync.Mutex

	mu        sync.Mutex
	state     State
	paused    bool
	gen       uint64
	app       config.AppearanceConfig
	tun       config.TuningConfig
	base      sampler.Sample
	override  *sampler.Sample
	source    Source
	ownSource bool
	work      chan workItem
	workerWg  sync.WaitGroup

	lastPos        display.Point
	havePos        bool
	lastSpeed      float64
	lastMoveAt     time.Time
	lastRenderAt   time.Time
	lastBrightness float64
	haveBrightness bool
	tone           sampler.Tone

	current   *render.Rendered
	effective sampler.Sample
	startedAt time.Time
}

// New builds an Engine. The appearance and tuning snapshots are
// normalized and applied immediately; Start arms the loop.
func New(opts Options) (*Engine, error) {
	if opts.Topology == nil || opts.Pointer == nil || opts.Sampler == nil || opts.Renderer == nil {
		return nil, errors.New("engine: topology, pointer, sampler and renderer are required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("engine")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.GetMetrics()
	}

	e := &Engine{
		topo:      opts.Topology,
		pointer:   opts.Pointer,
		sampler:   opts.Sampler,
		renderer:  opts.Renderer,
		forwarder: opts.Forwarder,
		applier:   opts.Applier,
		journal:   opts.Journal,
		metrics:   m,
		notify:    opts.Notify,
		log:       log,
		captureOK: opts.CaptureAvailable,
		source:    opts.Source,
	}
	e.applySettings(opts.Appearance, opts.Tuning)
	return e, nil
}

// Start arms the refresh source and applies the current appearance. A
// no-op when the engine is already running or starting.
func (e *Engine) Start() error {
	e.mu.Lock()
	switch e.state {
	case StateRunning, StateStarting:
		e.mu.Unlock()
		return nil
	case StateStopping:
		e.mu.Unlock()
		return errors.New("engine: start during shutdown")
	}
	e.state = StateStarting
	e.gen++
	gen := e.gen
	if e.source == nil {
		e.source = NewTickerSource(float64(e.app.SamplingRate))
		e.ownSource = true
	}
	e.work = make(chan workItem, 1)
	e.startedAt = time.Now()
	src := e.source
	work := e.work
	e.mu.Unlock()

	e.workerWg.Add(1)
	go e.worker(work)

	// The cursor must change before the first tick lands, so the
	// initial apply is synchronous and forced.
	if pos, err := e.pointer.Position(); err == nil {
		if perr := e.process(workItem{pos: pos, now: time.Now(), gen: gen, force: true}); perr != nil {
			e.log.Warn("initial cursor apply failed", "error", perr)
		}
	} else {
		e.log.Warn("pointer position unavailable at start", "error", err)
	}

	if err := src.Start(e.onTick); err != nil {
		e.mu.Lock()
		e.state = StateStopped
		e.work = nil
		e.mu.Unlock()
		close(work)
		e.workerWg.Wait()
		return fmt.Errorf("engine: arm refresh source: %w", err)
	}

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	e.metrics.EngineStarted()
	e.record(journal.KindEngineStart, "")
	e.emit(ipc.EventStateChanged, "running")
	e.log.Info("adaptation engine started")
	return nil
}

// Stop tears down the refresh source, drains the worker and restores
// the default cursor locally and system-wide. Idempotent: a second
// Stop returns without a second restore. Safe to call concurrently
// with an in-flight tick; the tick observes the bumped generation and
// abandons its render.
func (e *Engine) Stop() error {
	e.mu.Lock()
	switch e.state {
	case StateStopped, StateStopping:
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	e.gen++
	src := e.source
	work := e.work
	e.work = nil
	e.mu.Unlock()

	// Join order matters: no sink invocations after src.Stop, so
	// nothing can send on work when it closes.
	if src != nil {
		src.Stop()
	}
	if work != nil {
		close(work)
	}
	e.workerWg.Wait()

	if e.applier != nil {
		if err := e.applier.Restore(); err != nil {
			e.log.Warn("local cursor restore failed", "error", err)
		}
	}
	if e.forwarder != nil {
		if err := e.forwarder.Restore(); err != nil {
			e.log.Warn("system cursor restore failed", "error", err)
		}
	}
	e.sampler.Reset()

	e.mu.Lock()
	e.current = nil
	e.havePos = false
	e.haveBrightness = false
	e.lastRenderAt = time.Time{}
	e.tone = sampler.ToneUnknown
	e.state = StateStopped
	e.mu.Unlock()

	e.metrics.EngineStopped()
	e.record(journal.KindEngineStop, "")
	e.emit(ipc.EventStateChanged, "stopped")
	e.log.Info("adaptation engine stopped")
	return nil
}

// Configure swaps the appearance and tuning snapshots whole, resets
// the filter, clears the render cache and, when running, re-renders
// under the new settings. In-flight work under the old settings is
// invalidated by the generation bump, never applied.
func (e *Engine) Configure(app config.AppearanceConfig, tun config.TuningConfig) {
	gen, running, rate := e.applySettings(app, tun)

	e.renderer.InvalidateCache()
	e.metrics.RecordSettingsReload()
	e.record(journal.KindSettingsReload, string(app.Mode))
	e.emit(ipc.EventSettingsReload, string(app.Mode))

	if running {
		e.rearmOwnSource(rate)
		e.forceRender(gen)
	}
}

// applySettings normalizes and installs the snapshots and pushes the
// filter parameters into the sampler. Returns the new generation, the
// running flag and the sampling rate for source rearming.
func (e *Engine) applySettings(app config.AppearanceConfig, tun config.TuningConfig) (uint64, bool, int) {
	app = app.Normalized()
	tun = tun.Normalized()

	base, err := sampler.ParseColor(app.BaseColor)
	if err != nil {
		e.log.Warn("unparseable base color, using default", "color", app.BaseColor, "error", err)
		base = sampler.White()
	}
	var override *sampler.Sample
	if app.OutlineColor != "" {
		if c, cerr := sampler.ParseColor(app.OutlineColor); cerr == nil {
			override = &c
		} else {
			e.log.Warn("unparseable outline color, contrasting instead", "color", app.OutlineColor, "error", cerr)
		}
	}

	e.mu.Lock()
	e.app = app
	e.tun = tun
	e.base = base
	e.override = override
	e.gen++
	e.haveBrightness = false
	gen := e.gen
	running := e.state == StateRunning
	e.mu.Unlock()

	e.sampler.Configure(sampler.FilterParams{
		Threshold:     app.BrightnessThreshold,
		Hysteresis:    app.Hysteresis,
		HistoryDepth:  tun.HistoryDepth,
		FlickerLimit:  tun.FlickerLimit,
		FlickerWindow: time.Duration(tun.FlickerWindowMs) * time.Millisecond,
	}, sampler.Options{
		PatchSide:        tun.PatchSide,
		MultiPoint:       app.MultiPoint,
		MultiPointRadius: tun.MultiPointRadius,
	})

	return gen, running, app.SamplingRate
}

// Refresh forces a full re-sample and re-render at the current pointer
// position, bypassing the movement and rate gates.
func (e *Engine) Refresh() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	gen := e.gen
	e.mu.Unlock()

	pos, err := e.pointer.Position()
	if err != nil {
		return fmt.Errorf("engine: pointer position: %w", err)
	}
	return e.process(workItem{pos: pos, now: time.Now(), gen: gen, force: true})
}

// Pause keeps the loop armed but makes every tick a no-op.
func (e *Engine) Pause() {
	e.mu.Lock()
	changed := !e.paused
	e.paused = true
	e.mu.Unlock()
	if changed {
		e.metrics.SetPaused(true)
		e.emit(ipc.EventStateChanged, "paused")
	}
}

// Resume lifts a pause and re-asserts the cursor.
func (e *Engine) Resume() {
	e.mu.Lock()
	changed := e.paused
	e.paused = false
	e.mu.Unlock()
	if changed {
		e.metrics.SetPaused(false)
		e.emit(ipc.EventStateChanged, "running")
		if err := e.Refresh(); err != nil && !errors.Is(err, ErrNotRunning) {
			e.log.Warn("refresh after resume failed", "error", err)
		}
	}
}

// HandleDisplayChange reacts to displays being added, removed or
// moved, and to sleep/wake: the topology is re-read, filter history
// and render cache are dropped, and the refresh source is re-armed.
func (e *Engine) HandleDisplayChange() error {
	if err := e.topo.Refresh(); err != nil {
		e.log.Warn("display topology refresh failed", "error", err)
		return err
	}
	n := len(e.topo.Displays())
	e.metrics.SetTrackedDisplays(n)
	e.record(journal.KindDisplayChange, fmt.Sprintf("%d displays", n))
	e.emit(ipc.EventDisplayChanged, fmt.Sprintf("%d displays", n))
	e.invalidateSession(true)
	return nil
}

// HandleSchemeChange reacts to the system light/dark scheme flipping.
// Cached glyphs and filter history predate the new scheme and are
// dropped.
func (e *Engine) HandleSchemeChange(scheme string) {
	e.record(journal.KindAppearanceFlip, "system scheme "+scheme)
	e.emit(ipc.EventSchemeChanged, scheme)
	e.invalidateSession(false)
}

// invalidateSession clears derived state after an environment change.
// Stale hysteresis history is worse than none; the next tick rebuilds
// everything from a fresh sample.
func (e *Engine) invalidateSession(rearm bool) {
	e.sampler.Reset()
	e.renderer.InvalidateCache()

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.haveBrightness = false
	running := e.state == StateRunning
	rate := e.app.SamplingRate
	e.mu.Unlock()

	if !running {
		return
	}
	if rearm {
		e.rearmOwnSource(rate)
	}
	e.forceRender(gen)
}

// rearmOwnSource tears down and recreates an engine-built ticker at
// the given rate. Injected sources are left alone; their owner decides
// their cadence.
func (e *Engine) rearmOwnSource(hz int) {
	e.mu.Lock()
	if !e.ownSource || e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	old := e.source
	src := NewTickerSource(float64(hz))
	e.source = src
	e.mu.Unlock()

	old.Stop()
	if err := src.Start(e.onTick); err != nil {
		e.log.Error("refresh source re-arm failed", "error", err)
	}
}

// forceRender renders and applies at the current position under the
// given generation, logging rather than propagating failures.
func (e *Engine) forceRender(gen uint64) {
	pos, err := e.pointer.Position()
	if err != nil {
		e.log.Warn("pointer position unavailable", "error", err)
		return
	}
	if err := e.process(workItem{pos: pos, now: time.Now(), gen: gen, force: true}); err != nil {
		e.log.Warn("forced render failed", "error", err)
	}
}

// State returns the engine's lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the most recently applied glyph, nil when stopped or
// before the first render.
func (e *Engine) Current() *render.Rendered {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Appearance returns a copy of the active appearance snapshot.
func (e *Engine) Appearance() config.AppearanceConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.app
}

// CanUseContrastFeatures reports whether background sampling can work:
// a capture backend exists and the OS has not denied it.
func (e *Engine) CanUseContrastFeatures() bool {
	return e.captureOK && !e.sampler.PermissionDenied()
}

// Status describes the engine for the control plane.
type Status struct {
	State          State
	Paused         bool
	Enabled        bool
	Tone           sampler.Tone
	EffectiveColor string
	CaptureDenied  bool
	Displays       int
	StartedAt      time.Time
}

// Status returns a point-in-time snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		State:          e.state,
		Paused:         e.paused,
		Enabled:        e.app.Enabled,
		Tone:           e.tone,
		EffectiveColor: e.effective.Hex(),
		StartedAt:      e.startedAt,
	}
	if e.current == nil {
		st.EffectiveColor = ""
	}
	e.mu.Unlock()

	st.CaptureDenied = e.sampler.PermissionDenied()
	st.Displays = len(e.topo.Displays())
	return st
}

// onTick is the refresh source's sink: the session loop. It reads the
// pointer, applies the movement, idle and rate gates, and hands
// surviving ticks to the worker. Never blocks; a busy worker costs the
// tick, not the source.
func (e *Engine) onTick(now time.Time) {
	e.mu.Lock()
	if e.state != StateRunning || e.paused || !e.app.Enabled {
		e.mu.Unlock()
		return
	}
	gen := e.gen
	e.mu.Unlock()

	pos, err := e.pointer.Position()
	if err != nil {
		e.metrics.RecordTickDropped()
		return
	}

	e.mu.Lock()
	if e.havePos {
		dist := pos.DistanceTo(e.lastPos)

		// The dead zone widens during fast motion; sampling every
		// couple of pixels of a flick would only thrash the filter.
		dead := e.tun.DeadZoneSlow
		if e.lastSpeed > e.tun.FastSpeed {
			dead = e.tun.DeadZoneFast
		}
		if dist < dead {
			idle := now.Sub(e.lastMoveAt) > time.Duration(e.tun.IdleAfterSec)*time.Second
			e.mu.Unlock()
			if !idle {
				e.metrics.RecordTickDropped()
			}
			return
		}
		e.lastSpeed = dist
	}
	e.lastPos = pos
	e.havePos = true
	e.lastMoveAt = now

	// Hard ceiling on successful renders, independent of the source's
	// own cadence.
	if minGap := time.Second / time.Duration(e.tun.MaxTickRate); !e.lastRenderAt.IsZero() && now.Sub(e.lastRenderAt) < minGap {
		e.mu.Unlock()
		e.metrics.RecordTickDropped()
		return
	}

	sent := false
	if e.work != nil {
		select {
		case e.work <- workItem{pos: pos, now: now, gen: gen}:
			sent = true
		default:
		}
	}
	e.mu.Unlock()

	if !sent {
		e.metrics.RecordTickDropped()
	}
}

// worker drains the tick queue. One goroutine per engine run.
func (e *Engine) worker(work <-chan workItem) {
	defer e.workerWg.Done()
	defer logging.DefaultCrashHandler().RecoverGoroutine()

	for w := range work {
		if err := e.process(w); err != nil {
			e.metrics.RecordError()
			e.log.Warn("tick processing failed", "error", err)
		}
	}
}

// process runs the sample-filter-render-apply-forward pipeline for one
// tick. Serialized by procMu across the worker and forced refreshes.
// The generation is checked twice: on entry, and again before the
// result is published, so a Stop or Configure racing the pipeline
// never sees a stale render applied.
func (e *Engine) process(w workItem) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	start := time.Now()

	e.mu.Lock()
	if w.gen != e.gen {
		e.mu.Unlock()
		return nil
	}
	app := e.app
	base := e.base
	override := e.override
	prevTone := e.tone
	lastB := e.lastBrightness
	haveB := e.haveBrightness
	haveCurrent := e.current != nil
	e.mu.Unlock()

	bg := sampler.Neutral()
	tone := prevTone
	sampled := false
	if app.Mode != config.ModeNone {
		s, err := e.sampler.Sample(w.pos)
		if err != nil {
			// Capture primitive failure. Keep whatever cursor is
			// showing; the next tick retries.
			return fmt.Errorf("sample at (%.0f,%.0f): %w", w.pos.X, w.pos.Y, err)
		}
		bg = s
		tone = e.sampler.Tone()
		sampled = true

		// Re-render only when the stabilized brightness moved past
		// the dead band or the tone decision flipped.
		if !w.force && haveB && tone == prevTone &&
			math.Abs(bg.Brightness()-lastB) <= app.Hysteresis {
			e.metrics.RecordSample(true)
			return nil
		}
		e.metrics.RecordSample(false)
	} else if !w.force && haveCurrent {
		// Static appearance, already applied.
		return nil
	}

	fill, outline, outlineW := effectiveAppearance(app, base, override, bg, tone)

	scale := app.Scale
	if app.AdaptiveScaling {
		if d, ok := e.topo.DisplayAt(w.pos); ok && d.Scale > 0 {
			scale *= d.Scale
		}
	}

	before := e.renderer.Stats()
	rendered := e.renderer.Render(render.Params{
		Color:        fill,
		OutlineColor: outline,
		OutlineWidth: outlineW,
		Glow:         app.Glow,
		Shadow:       app.Shadow,
		Scale:        scale,
	})
	after := e.renderer.Stats()
	e.metrics.RecordRender(time.Since(start), after.Hits > before.Hits)
	e.metrics.SetRenderCacheSize(after.Entries)

	// Publish, unless a Stop or Configure superseded this tick while
	// the pipeline ran.
	e.mu.Lock()
	if w.gen != e.gen || (e.state != StateRunning && e.state != StateStarting) {
		e.mu.Unlock()
		return nil
	}
	e.current = rendered
	e.effective = fill
	e.lastRenderAt = w.now
	if sampled {
		e.lastBrightness = bg.Brightness()
		e.haveBrightness = true
	}
	toneFlipped := sampled && tone != prevTone && prevTone != sampler.ToneUnknown
	e.tone = tone
	e.mu.Unlock()

	e.applyLocal(rendered)
	e.forward(rendered)
	e.metrics.RecordTick(time.Since(start))

	if toneFlipped {
		e.metrics.RecordAppearanceFlip()
		e.record(journal.KindAppearanceFlip, "tone "+tone.String())
		e.emit(ipc.EventToneChanged, tone.String())
	}
	return nil
}

// effectiveAppearance derives the rendered colors from the mode, the
// base color and the stabilized background.
func effectiveAppearance(app config.AppearanceConfig, base sampler.Sample, override *sampler.Sample, bg sampler.Sample, tone sampler.Tone) (fill, outline sampler.Sample, outlineW float64) {
	switch app.Mode {
	case config.ModeOutline:
		fill = base
		outlineW = app.OutlineWidth
		if override != nil {
			outline = *override
		} else {
			outline = bg.Contrasting()
		}
	case config.ModeAutoInvert:
		// Component-wise clamp toward visibility, not a photometric
		// inversion: bright variant over dark backgrounds, dim variant
		// over light ones. The hysteresis-gated tone carries the
		// configured threshold.
		dark := tone == sampler.ToneDark
		if tone == sampler.ToneUnknown {
			dark = bg.IsDark(app.BrightnessThreshold)
		}
		if dark {
			fill = base.Boosted()
		} else {
			fill = base.Dimmed()
		}
	default:
		fill = base
	}
	return fill, outline, outlineW
}

// applyLocal stores the glyph as the in-process cursor and runs the
// platform hook. Local application cannot fail the pipeline.
func (e *Engine) applyLocal(r *render.Rendered) {
	start := time.Now()
	ok := true
	if e.applier != nil {
		if err := e.applier.Apply(r); err != nil {
			ok = false
			e.log.Warn("local cursor apply failed", "error", err)
		}
	}
	e.metrics.RecordApply(time.Since(start), ok)
}

// forward pushes the glyph to the privileged helper. The channel logs
// its own failures; here they only feed the counters.
func (e *Engine) forward(r *render.Rendered) {
	if e.forwarder == nil {
		return
	}
	err := e.forwarder.SetCursor(r)
	e.metrics.RecordForward(len(r.PNG), err == nil)
}

func (e *Engine) record(kind journal.Kind, detail string) {
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Record(kind, detail); err != nil {
		e.log.Debug("journal write failed", "kind", string(kind), "error", err)
	}
}

func (e *Engine) emit(t ipc.EventType, msg string) {
	if e.notify == nil {
		return
	}
	e.notify(&ipc.Event{Type: t, Timestamp: time.Now(), Message: msg})
}
