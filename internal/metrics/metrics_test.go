package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	c := NewCounter("glintd_test_total", "help", nil)
	assert.Equal(t, uint64(0), c.Value())

	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())
	assert.Equal(t, TypeCounter, c.Type())
}

func TestGauge(t *testing.T) {
	g := NewGauge("glintd_test", "help", nil)
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Add(-3)
	assert.Equal(t, int64(7), g.Value())
}

func TestHistogramObserve(t *testing.T) {
	h := NewHistogram("glintd_test_seconds", "help", nil, []float64{0.01, 0.1, 1})

	h.Observe(0.005)
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)

	assert.Equal(t, uint64(4), h.Count())
	assert.InDelta(t, 5.555, h.Sum(), 0.001)
	assert.InDelta(t, 5.555/4, h.Mean(), 0.001)
}

func TestHistogramTimer(t *testing.T) {
	h := NewHistogram("glintd_timer_seconds", "help", nil, FrameBuckets)

	timer := h.Timer()
	time.Sleep(5 * time.Millisecond)
	d := timer.Stop()

	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.Count())
}

func TestRegistryNamespacing(t *testing.T) {
	r := NewRegistry("glintd", "engine")
	c := r.RegisterCounter("ticks_total", "help", nil)
	assert.Equal(t, "glintd_engine_ticks_total", c.Name())

	// Re-registering the same name returns the existing metric.
	again := r.RegisterCounter("ticks_total", "other help", nil)
	assert.Same(t, c, again)
}

func TestGatherSortedByName(t *testing.T) {
	r := NewRegistry("glintd", "")
	r.RegisterCounter("zz_total", "help", nil).Inc()
	r.RegisterGauge("aa", "help", nil).Set(2)
	h := r.RegisterHistogram("mm_seconds", "help", nil, nil)
	h.Observe(1)
	h.Observe(3)

	samples := r.Gather()
	require.Len(t, samples, 3)

	assert.Equal(t, "glintd_aa", samples[0].Name)
	assert.Equal(t, TypeGauge, samples[0].Type)
	assert.Equal(t, float64(2), samples[0].Value)

	assert.Equal(t, "glintd_mm_seconds", samples[1].Name)
	assert.Equal(t, TypeHistogram, samples[1].Type)
	assert.Equal(t, uint64(2), samples[1].Count)
	assert.InDelta(t, 4.0, samples[1].Sum, 0.0001)
	assert.InDelta(t, 2.0, samples[1].Value, 0.0001)

	assert.Equal(t, "glintd_zz_total", samples[2].Name)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("glintd", "")
	r.RegisterCounter("renders_total", "Total renders", nil).Add(3)
	r.RegisterGauge("paused", "Pause state", nil).Set(1)
	h := r.RegisterHistogram("tick_duration_seconds", "Tick time", nil, []float64{0.001, 0.01})
	h.Observe(0.0005)
	h.Observe(0.5)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, "# TYPE glintd_renders_total counter")
	assert.Contains(t, out, "glintd_renders_total 3")
	assert.Contains(t, out, "glintd_paused 1")
	assert.Contains(t, out, `glintd_tick_duration_seconds_bucket{le="0.001000"} 1`)
	assert.Contains(t, out, `glintd_tick_duration_seconds_bucket{le="+Inf"} 2`)
	assert.Contains(t, out, "glintd_tick_duration_seconds_count 2")

	// Counters come out sorted, so repeated dumps diff cleanly.
	assert.Less(t,
		strings.Index(out, "glintd_paused"),
		strings.Index(out, "glintd_renders_total"))
}

func TestWriteJSON(t *testing.T) {
	r := NewRegistry("glintd", "")
	r.RegisterCounter("forwards_total", "help", nil).Inc()

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))
	assert.Contains(t, buf.String(), `"glintd_forwards_total"`)
	assert.Contains(t, buf.String(), `"counter"`)
}

func TestReset(t *testing.T) {
	r := NewRegistry("glintd", "")
	c := r.RegisterCounter("x_total", "help", nil)
	g := r.RegisterGauge("y", "help", nil)
	h := r.RegisterHistogram("z_seconds", "help", nil, nil)

	c.Add(5)
	g.Set(-2)
	h.Observe(1)

	r.Reset()
	assert.Equal(t, uint64(0), c.Value())
	assert.Equal(t, int64(0), g.Value())
	assert.Equal(t, uint64(0), h.Count())
	assert.Equal(t, float64(0), h.Sum())
}

func TestGlintdMetricsPipeline(t *testing.T) {
	m := NewGlintdMetrics(NewRegistry("glintd", ""))

	m.RecordTick(2 * time.Millisecond)
	m.RecordTickDropped()
	m.RecordSample(false)
	m.RecordSample(true)
	m.RecordRender(time.Millisecond, true)
	m.RecordRender(time.Millisecond, false)
	m.RecordApply(500*time.Microsecond, true)
	m.RecordApply(500*time.Microsecond, false)
	m.RecordForward(2048, true)
	m.RecordForward(0, false)

	assert.Equal(t, uint64(1), m.TicksTotal.Value())
	assert.Equal(t, uint64(1), m.TicksDropped.Value())
	assert.Equal(t, uint64(2), m.SamplesTotal.Value())
	assert.Equal(t, uint64(1), m.SamplesFiltered.Value())
	assert.Equal(t, uint64(2), m.RendersTotal.Value())
	assert.Equal(t, uint64(1), m.RenderCacheHits.Value())
	assert.Equal(t, uint64(1), m.RenderCacheMisses.Value())
	assert.Equal(t, uint64(2), m.AppliesTotal.Value())
	assert.Equal(t, uint64(1), m.ApplyFailures.Value())
	assert.Equal(t, uint64(2), m.ForwardsTotal.Value())
	assert.Equal(t, uint64(1), m.ForwardFailures.Value())
	assert.Equal(t, uint64(1), m.ForwardPayload.Count(), "zero-byte forwards are not observed")
	assert.Equal(t, uint64(1), m.ErrorsTotal.Value(), "apply failure counts as an error")
	assert.NotZero(t, m.LastApplyTs.Value())
}

func TestGlintdMetricsState(t *testing.T) {
	m := NewGlintdMetrics(NewRegistry("glintd", ""))

	m.EngineStarted()
	assert.Equal(t, int64(1), m.EngineRunning.Value())
	m.EngineStopped()
	assert.Equal(t, int64(0), m.EngineRunning.Value())

	m.SetPaused(true)
	assert.Equal(t, int64(1), m.Paused.Value())
	m.SetPaused(false)
	assert.Equal(t, int64(0), m.Paused.Value())

	m.SetShimConnected(true)
	assert.Equal(t, int64(1), m.ShimConnected.Value())

	m.RecordOrphansKilled(0)
	m.RecordOrphansKilled(2)
	assert.Equal(t, uint64(2), m.OrphansKilled.Value())

	snap := m.Snapshot()
	assert.Contains(t, snap, "ticks_total")
	assert.Contains(t, snap, "uptime_seconds")
}
