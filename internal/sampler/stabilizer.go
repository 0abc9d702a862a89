package sampler

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	// flickerDelta is the brightness change magnitude the gate counts.
	flickerDelta = 0.1

	// promoteDelta is the change magnitude that always becomes the new
	// stable color, gate or no gate. A swing this large is a real
	// background change, not animation noise.
	promoteDelta = 0.2
)

// Tone is the stabilizer's dark/light decision about the background.
type Tone uint8

const (
	ToneUnknown Tone = iota
	ToneDark
	ToneLight
)

func (t Tone) String() string {
	switch t {
	case ToneDark:
		return "dark"
	case ToneLight:
		return "light"
	default:
		return "unknown"
	}
}

// FilterParams tunes the stabilizer. The threshold and hysteresis come
// from the appearance settings, the rest from the tuning section.
type FilterParams struct {
	// Threshold is the brightness boundary between dark and light.
	Threshold float64

	// Hysteresis is the dead-band half-width around Threshold. The
	// windowed mean must cross Threshold±Hysteresis to flip the tone.
	Hysteresis float64

	// HistoryDepth is how many recent brightness values feed the tone
	// decision.
	HistoryDepth int

	// FlickerLimit is how many large brightness deltas the gate
	// tolerates per window before holding the stable color.
	FlickerLimit int

	// FlickerWindow is the rolling window for the gate's delta count.
	FlickerWindow time.Duration
}

// DefaultFilterParams returns the stock tuning.
func DefaultFilterParams() FilterParams {
	return FilterParams{
		Threshold:     0.5,
		Hysteresis:    0.05,
		HistoryDepth:  5,
		FlickerLimit:  10,
		FlickerWindow: time.Second,
	}
}

// normalized re-clamps every field. The settings collaborator already
// clamps its side, but the filter cannot assume that.
func (p FilterParams) normalized() FilterParams {
	p.Threshold = clampRange(p.Threshold, 0.1, 0.9)
	p.Hysteresis = clampRange(p.Hysteresis, 0.01, 0.2)
	if p.HistoryDepth < 1 {
		p.HistoryDepth = 5
	}
	if p.FlickerLimit < 1 {
		p.FlickerLimit = 10
	}
	if p.FlickerWindow <= 0 {
		p.FlickerWindow = time.Second
	}
	return p
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo || math.IsNaN(v) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FilterStats counts what the stabilizer has done since the last
// Reset. Exposed through the daemon's metrics.
type FilterStats struct {
	Observed  uint64
	Held      uint64
	Promoted  uint64
	ToneFlips uint64
}

// Stabilizer filters raw samples into a stable color and a hysteresis-
// gated tone.
//
// Two mechanisms, independent of each other. The flicker gate
// rate-limits acceptance: when more than FlickerLimit brightness
// deltas above 0.1 land inside the rolling window, new samples are
// rejected and the previous stable color is returned, so video
// playback under the pointer cannot strobe the glyph. A delta above
// 0.2 bypasses the gate entirely. The hysteresis gate owns the
// dark/light tone: the mean of the last HistoryDepth brightness
// values must cross Threshold±Hysteresis to flip it, so a pointer
// parked on a boundary never oscillates.
type Stabilizer struct {
	mu     sync.Mutex
	params FilterParams

	history []float64
	deltas  []time.Time

	stable    Sample
	hasStable bool
	tone      Tone
	stats     FilterStats
}

// NewStabilizer builds a stabilizer with the given parameters.
func NewStabilizer(p FilterParams) *Stabilizer {
	return &Stabilizer{params: p.normalized()}
}

// Observe feeds one raw sample through both gates and returns the
// current stable color. now drives the flicker window; callers pass
// wall-clock time.
func (st *Stabilizer) Observe(s Sample, now time.Time) Sample {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.stats.Observed++
	st.pushHistory(s.Brightness())

	if !st.hasStable {
		st.stable = s
		st.hasStable = true
		st.updateTone()
		return st.stable
	}

	delta := math.Abs(s.Brightness() - st.stable.Brightness())
	if delta > flickerDelta {
		st.pruneDeltas(now)
		st.deltas = append(st.deltas, now)
	}

	switch {
	case delta > promoteDelta:
		st.stable = s
		st.stats.Promoted++
	case delta > flickerDelta && len(st.deltas) > st.params.FlickerLimit:
		st.stats.Held++
	default:
		st.stable = s
	}

	st.updateTone()
	return st.stable
}

// Stable returns the current stable color, if any sample has been
// observed since the last Reset.
func (st *Stabilizer) Stable() (Sample, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stable, st.hasStable
}

// Tone returns the current dark/light decision.
func (st *Stabilizer) Tone() Tone {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tone
}

// Stats returns a copy of the counters.
func (st *Stabilizer) Stats() FilterStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats
}

// Configure swaps the parameters and clears all history. Hysteresis
// state accumulated under the old thresholds would bias the first
// decisions under the new ones.
func (st *Stabilizer) Configure(p FilterParams) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.params = p.normalized()
	st.resetLocked()
}

// Reset clears history, the stable color and the tone.
func (st *Stabilizer) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.resetLocked()
}

func (st *Stabilizer) resetLocked() {
	st.history = st.history[:0]
	st.deltas = st.deltas[:0]
	st.stable = Sample{}
	st.hasStable = false
	st.tone = ToneUnknown
	st.stats = FilterStats{}
}

func (st *Stabilizer) pushHistory(b float64) {
	if len(st.history) >= st.params.HistoryDepth {
		copy(st.history, st.history[1:])
		st.history = st.history[:len(st.history)-1]
	}
	st.history = append(st.history, b)
}

func (st *Stabilizer) pruneDeltas(now time.Time) {
	cutoff := now.Add(-st.params.FlickerWindow)
	i := 0
	for i < len(st.deltas) && !st.deltas[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.deltas = append(st.deltas[:0], st.deltas[i:]...)
	}
}

// updateTone recomputes the dark/light decision from the windowed
// mean. The first observation assigns the tone by the bare threshold;
// after that only a crossing of the dead band flips it.
func (st *Stabilizer) updateTone() {
	if len(st.history) == 0 {
		st.tone = ToneUnknown
		return
	}
	m := stat.Mean(st.history, nil)

	switch st.tone {
	case ToneUnknown:
		if m < st.params.Threshold {
			st.tone = ToneDark
		} else {
			st.tone = ToneLight
		}
	case ToneDark:
		if m > st.params.Threshold+st.params.Hysteresis {
			st.tone = ToneLight
			st.stats.ToneFlips++
		}
	case ToneLight:
		if m < st.params.Threshold-st.params.Hysteresis {
			st.tone = ToneDark
			st.stats.ToneFlips++
		}
	}
}
