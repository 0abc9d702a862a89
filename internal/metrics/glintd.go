package metrics

import (
	"time"
)

// GlintdMetrics holds all glintd-specific metrics.
type GlintdMetrics struct {
	registry *Registry

	// Counters
	TicksTotal        *Counter
	TicksDropped      *Counter
	SamplesTotal      *Counter
	SamplesFiltered   *Counter
	RendersTotal      *Counter
	RenderCacheHits   *Counter
	RenderCacheMisses *Counter
	AppliesTotal      *Counter
	ApplyFailures     *Counter
	ForwardsTotal     *Counter
	ForwardFailures   *Counter
	ShimReconnects    *Counter
	ShimDownsamples   *Counter
	VersionMismatches *Counter
	AppearanceFlips   *Counter
	SettingsReloads   *Counter
	CrashRecoveries   *Counter
	OrphansKilled     *Counter
	ErrorsTotal       *Counter

	// Gauges
	EngineRunning     *Gauge
	Paused            *Gauge
	UptimeSeconds     *Gauge
	LastApplyTs       *Gauge
	RenderCacheSize   *Gauge
	TrackedDisplays   *Gauge
	JournalEntries    *Gauge
	ShimConnected     *Gauge

	// Histograms
	TickDuration    *Histogram
	RenderDuration  *Histogram
	ApplyDuration   *Histogram
	ForwardPayload  *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewGlintdMetrics creates and registers all glintd metrics.
func NewGlintdMetrics(registry *Registry) *GlintdMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &GlintdMetrics{
		registry: registry,

		// Counters
		TicksTotal: registry.RegisterCounter(
			"ticks_total",
			"Total number of pointer ticks processed",
			nil,
		),
		TicksDropped: registry.RegisterCounter(
			"ticks_dropped_total",
			"Total number of ticks dropped by the frame-rate ceiling",
			nil,
		),
		SamplesTotal: registry.RegisterCounter(
			"samples_total",
			"Total number of background patches sampled",
			nil,
		),
		SamplesFiltered: registry.RegisterCounter(
			"samples_filtered_total",
			"Total number of samples suppressed by the stabilizer",
			nil,
		),
		RendersTotal: registry.RegisterCounter(
			"renders_total",
			"Total number of cursor bitmaps rendered",
			nil,
		),
		RenderCacheHits: registry.RegisterCounter(
			"render_cache_hits_total",
			"Total number of render cache hits",
			nil,
		),
		RenderCacheMisses: registry.RegisterCounter(
			"render_cache_misses_total",
			"Total number of render cache misses",
			nil,
		),
		AppliesTotal: registry.RegisterCounter(
			"cursor_applies_total",
			"Total number of cursor images applied locally",
			nil,
		),
		ApplyFailures: registry.RegisterCounter(
			"cursor_apply_failures_total",
			"Total number of failed cursor applies",
			nil,
		),
		ForwardsTotal: registry.RegisterCounter(
			"forwards_total",
			"Total number of frames forwarded to the pointer helper",
			nil,
		),
		ForwardFailures: registry.RegisterCounter(
			"forward_failures_total",
			"Total number of failed forwards to the pointer helper",
			nil,
		),
		ShimReconnects: registry.RegisterCounter(
			"shim_reconnects_total",
			"Total number of reconnects to the pointer helper",
			nil,
		),
		ShimDownsamples: registry.RegisterCounter(
			"shim_downsamples_total",
			"Total number of frames downsampled to fit the payload ceiling",
			nil,
		),
		VersionMismatches: registry.RegisterCounter(
			"version_mismatches_total",
			"Total number of helper protocol version mismatches seen",
			nil,
		),
		AppearanceFlips: registry.RegisterCounter(
			"appearance_flips_total",
			"Total number of system light/dark scheme changes observed",
			nil,
		),
		SettingsReloads: registry.RegisterCounter(
			"settings_reloads_total",
			"Total number of settings file reloads",
			nil,
		),
		CrashRecoveries: registry.RegisterCounter(
			"crash_recoveries_total",
			"Total number of crash recoveries performed at startup",
			nil,
		),
		OrphansKilled: registry.RegisterCounter(
			"orphans_killed_total",
			"Total number of orphaned helper processes terminated",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		// Gauges
		EngineRunning: registry.RegisterGauge(
			"engine_running",
			"Whether the contrast engine is running (1) or stopped (0)",
			nil,
		),
		Paused: registry.RegisterGauge(
			"paused",
			"Whether re-rendering is paused (1) or active (0)",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		LastApplyTs: registry.RegisterGauge(
			"last_apply_timestamp",
			"Unix timestamp of the last cursor apply",
			nil,
		),
		RenderCacheSize: registry.RegisterGauge(
			"render_cache_entries",
			"Number of entries in the render cache",
			nil,
		),
		TrackedDisplays: registry.RegisterGauge(
			"displays",
			"Number of displays currently tracked",
			nil,
		),
		JournalEntries: registry.RegisterGauge(
			"journal_entries",
			"Number of rows in the event journal",
			nil,
		),
		ShimConnected: registry.RegisterGauge(
			"shim_connected",
			"Whether the pointer helper channel is connected (1) or not (0)",
			nil,
		),

		// Histograms
		TickDuration: registry.RegisterHistogram(
			"tick_duration_seconds",
			"Duration of full tick cycles (sample, render, apply) in seconds",
			nil,
			FrameBuckets,
		),
		RenderDuration: registry.RegisterHistogram(
			"render_duration_seconds",
			"Duration of cursor renders in seconds",
			nil,
			FrameBuckets,
		),
		ApplyDuration: registry.RegisterHistogram(
			"apply_duration_seconds",
			"Duration of local cursor applies in seconds",
			nil,
			FrameBuckets,
		),
		ForwardPayload: registry.RegisterHistogram(
			"forward_payload_bytes",
			"Size of frames forwarded to the pointer helper in bytes",
			nil,
			SizeBuckets,
		),
	}

	return m
}

// RecordTick records one completed tick cycle.
func (m *GlintdMetrics) RecordTick(duration time.Duration) {
	m.TicksTotal.Inc()
	m.TickDuration.ObserveDuration(duration)
}

// RecordTickDropped records a tick dropped by the frame-rate ceiling.
func (m *GlintdMetrics) RecordTickDropped() {
	m.TicksDropped.Inc()
}

// RecordSample records a background sample; filtered marks samples
// the stabilizer suppressed.
func (m *GlintdMetrics) RecordSample(filtered bool) {
	m.SamplesTotal.Inc()
	if filtered {
		m.SamplesFiltered.Inc()
	}
}

// RecordRender records a cursor render and whether the cache served it.
func (m *GlintdMetrics) RecordRender(duration time.Duration, cacheHit bool) {
	m.RendersTotal.Inc()
	m.RenderDuration.ObserveDuration(duration)
	if cacheHit {
		m.RenderCacheHits.Inc()
	} else {
		m.RenderCacheMisses.Inc()
	}
}

// StartRenderTimer returns a timer for render operations.
func (m *GlintdMetrics) StartRenderTimer() *HistogramTimer {
	return m.RenderDuration.Timer()
}

// RecordApply records a local cursor apply.
func (m *GlintdMetrics) RecordApply(duration time.Duration, success bool) {
	m.AppliesTotal.Inc()
	m.ApplyDuration.ObserveDuration(duration)
	if success {
		m.LastApplyTs.Set(time.Now().Unix())
	} else {
		m.ApplyFailures.Inc()
		m.ErrorsTotal.Inc()
	}
}

// RecordForward records a frame forwarded to the pointer helper.
func (m *GlintdMetrics) RecordForward(payloadBytes int, success bool) {
	m.ForwardsTotal.Inc()
	if payloadBytes > 0 {
		m.ForwardPayload.Observe(float64(payloadBytes))
	}
	if !success {
		m.ForwardFailures.Inc()
	}
}

// RecordReconnect records a reconnect to the pointer helper.
func (m *GlintdMetrics) RecordReconnect() {
	m.ShimReconnects.Inc()
}

// RecordDownsample records a frame shrunk to fit the payload ceiling.
func (m *GlintdMetrics) RecordDownsample() {
	m.ShimDownsamples.Inc()
}

// RecordVersionMismatch records a helper protocol version mismatch.
func (m *GlintdMetrics) RecordVersionMismatch() {
	m.VersionMismatches.Inc()
}

// RecordAppearanceFlip records a system scheme change.
func (m *GlintdMetrics) RecordAppearanceFlip() {
	m.AppearanceFlips.Inc()
}

// RecordSettingsReload records a settings file reload.
func (m *GlintdMetrics) RecordSettingsReload() {
	m.SettingsReloads.Inc()
}

// RecordCrashRecovery records a crash recovery at startup.
func (m *GlintdMetrics) RecordCrashRecovery() {
	m.CrashRecoveries.Inc()
}

// RecordOrphansKilled records terminated orphan helpers.
func (m *GlintdMetrics) RecordOrphansKilled(n int) {
	if n > 0 {
		m.OrphansKilled.Add(uint64(n))
	}
}

// RecordError records an error.
func (m *GlintdMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// EngineStarted marks the engine running.
func (m *GlintdMetrics) EngineStarted() {
	m.EngineRunning.Set(1)
}

// EngineStopped marks the engine stopped.
func (m *GlintdMetrics) EngineStopped() {
	m.EngineRunning.Set(0)
}

// SetPaused records the pause state.
func (m *GlintdMetrics) SetPaused(paused bool) {
	if paused {
		m.Paused.Set(1)
	} else {
		m.Paused.Set(0)
	}
}

// SetShimConnected records the helper channel state.
func (m *GlintdMetrics) SetShimConnected(connected bool) {
	if connected {
		m.ShimConnected.Set(1)
	} else {
		m.ShimConnected.Set(0)
	}
}

// SetRenderCacheSize records the render cache entry count.
func (m *GlintdMetrics) SetRenderCacheSize(entries int) {
	m.RenderCacheSize.Set(int64(entries))
}

// SetTrackedDisplays records the display count.
func (m *GlintdMetrics) SetTrackedDisplays(n int) {
	m.TrackedDisplays.Set(int64(n))
}

// SetJournalEntries records the journal row count.
func (m *GlintdMetrics) SetJournalEntries(n int64) {
	m.JournalEntries.Set(n)
}

// UpdateUptime updates the uptime metric.
func (m *GlintdMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Registry returns the backing registry.
func (m *GlintdMetrics) Registry() *Registry {
	return m.registry
}

// Snapshot returns a snapshot of key metrics.
func (m *GlintdMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"ticks_total":             m.TicksTotal.Value(),
		"ticks_dropped_total":     m.TicksDropped.Value(),
		"samples_total":           m.SamplesTotal.Value(),
		"samples_filtered_total":  m.SamplesFiltered.Value(),
		"renders_total":           m.RendersTotal.Value(),
		"render_cache_hits_total": m.RenderCacheHits.Value(),
		"cursor_applies_total":    m.AppliesTotal.Value(),
		"forwards_total":          m.ForwardsTotal.Value(),
		"forward_failures_total":  m.ForwardFailures.Value(),
		"errors_total":            m.ErrorsTotal.Value(),
		"engine_running":          m.EngineRunning.Value(),
		"paused":                  m.Paused.Value(),
		"uptime_seconds":          m.UptimeSeconds.Value(),
		"tick_avg_seconds":        m.TickDuration.Mean(),
		"render_avg_seconds":      m.RenderDuration.Mean(),
		"apply_avg_seconds":       m.ApplyDuration.Mean(),
	}
}

// Global glintd metrics instance.
var defaultGlintdMetrics *GlintdMetrics

// GetMetrics returns the global glintd metrics instance.
func GetMetrics() *GlintdMetrics {
	if defaultGlintdMetrics == nil {
		defaultGlintdMetrics = NewGlintdMetrics(Default())
	}
	return defaultGlintdMetrics
}

// InitMetrics initializes the global glintd metrics with a custom registry.
func InitMetrics(registry *Registry) *GlintdMetrics {
	defaultGlintdMetrics = NewGlintdMetrics(registry)
	return defaultGlintdMetrics
}
