package sampler

import (
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// gray builds a sample whose brightness equals v: the luminance
// coefficients sum to 1 for equal channels.
func gray(v float64) Sample {
	return NewSample(v, v, v, 1)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestToneInitialAssignment(t *testing.T) {
	tests := []struct {
		name       string
		brightness float64
		want       Tone
	}{
		{"dark_background", 0.3, ToneDark},
		{"light_background", 0.7, ToneLight},
		{"exactly_threshold", 0.5, ToneLight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewStabilizer(DefaultFilterParams())
			st.Observe(gray(tt.brightness), time.Now())
			if got := st.Tone(); got != tt.want {
				t.Errorf("tone after first sample %.2f = %v, want %v", tt.brightness, got, tt.want)
			}
		})
	}
}

func TestHysteresisNoOscillation(t *testing.T) {
	st := NewStabilizer(FilterParams{
		Threshold:     0.5,
		Hysteresis:    0.1,
		HistoryDepth:  5,
		FlickerLimit:  10,
		FlickerWindow: time.Second,
	})

	// Raw samples cross the bare threshold on every step, but the
	// windowed mean never leaves the dead band.
	now := time.Now()
	for i, b := range []float64{0.3, 0.51, 0.3, 0.51} {
		st.Observe(gray(b), now.Add(time.Duration(i)*100*time.Millisecond))
	}

	if flips := st.Stats().ToneFlips; flips > 1 {
		t.Errorf("tone flipped %d times, want at most 1", flips)
	}
	if got := st.Tone(); got != ToneDark {
		t.Errorf("tone = %v, want dark", got)
	}
}

func TestHysteresisFlipsOnSustainedChange(t *testing.T) {
	st := NewStabilizer(FilterParams{
		Threshold:     0.5,
		Hysteresis:    0.05,
		HistoryDepth:  5,
		FlickerLimit:  10,
		FlickerWindow: time.Second,
	})

	now := time.Now()
	tick := func(b float64) Sample {
		now = now.Add(100 * time.Millisecond)
		return st.Observe(gray(b), now)
	}

	for i := 0; i < 5; i++ {
		tick(0.2)
	}
	if got := st.Tone(); got != ToneDark {
		t.Fatalf("tone after dark run = %v, want dark", got)
	}

	var out Sample
	for i := 0; i < 5; i++ {
		out = tick(0.9)
	}
	if got := st.Tone(); got != ToneLight {
		t.Errorf("tone after sustained bright run = %v, want light", got)
	}
	if flips := st.Stats().ToneFlips; flips != 1 {
		t.Errorf("tone flips = %d, want 1", flips)
	}
	// The 0.2 to 0.9 swing is far past the promote delta, so the
	// stable color tracks the new background immediately.
	if !almostEqual(out.Brightness(), 0.9) {
		t.Errorf("stable brightness = %.3f, want 0.9", out.Brightness())
	}
}

// feedFlicker alternates brightness between 0.35 and 0.5 so every
// observation lands a delta of 0.15: counted by the gate, but below
// the promote cutoff. Returns the time of the last observation.
func feedFlicker(st *Stabilizer, base time.Time, n int) time.Time {
	now := base
	for i := 1; i <= n; i++ {
		now = base.Add(time.Duration(i) * 50 * time.Millisecond)
		b := 0.35
		if i%2 == 1 {
			b = 0.5
		}
		st.Observe(gray(b), now)
	}
	return now
}

func TestFlickerGateHoldsAfterLimit(t *testing.T) {
	st := NewStabilizer(FilterParams{
		Threshold:     0.5,
		Hysteresis:    0.05,
		HistoryDepth:  5,
		FlickerLimit:  10,
		FlickerWindow: time.Second,
	})

	base := time.Now()
	st.Observe(gray(0.35), base)

	// Ten large deltas fill the gate exactly; all are accepted.
	last := feedFlicker(st, base, 10)
	if held := st.Stats().Held; held != 0 {
		t.Fatalf("held = %d before the limit, want 0", held)
	}
	stable, _ := st.Stable()
	if !almostEqual(stable.Brightness(), 0.35) {
		t.Fatalf("stable brightness = %.3f after 10 swings, want 0.35", stable.Brightness())
	}

	// The eleventh delta in the window exceeds the limit: the new
	// sample is rejected and the previous stable color comes back.
	out := st.Observe(gray(0.5), last.Add(50*time.Millisecond))
	if !almostEqual(out.Brightness(), 0.35) {
		t.Errorf("11th swing returned brightness %.3f, want held 0.35", out.Brightness())
	}
	if held := st.Stats().Held; held != 1 {
		t.Errorf("held = %d, want 1", held)
	}
}

func TestFlickerWindowExpiry(t *testing.T) {
	st := NewStabilizer(DefaultFilterParams())

	base := time.Now()
	st.Observe(gray(0.35), base)
	last := feedFlicker(st, base, 11)

	// Well past the window the old deltas no longer count and a
	// moderate swing is accepted again.
	out := st.Observe(gray(0.5), last.Add(2*time.Second))
	if !almostEqual(out.Brightness(), 0.5) {
		t.Errorf("post-window swing returned brightness %.3f, want 0.5", out.Brightness())
	}
}

func TestPromoteBypassesGate(t *testing.T) {
	st := NewStabilizer(DefaultFilterParams())

	base := time.Now()
	st.Observe(gray(0.35), base)
	last := feedFlicker(st, base, 11)

	stable, _ := st.Stable()
	out := st.Observe(gray(stable.Brightness()+0.3), last.Add(50*time.Millisecond))
	if !almostEqual(out.Brightness(), stable.Brightness()+0.3) {
		t.Errorf("large swing returned brightness %.3f, want %.3f",
			out.Brightness(), stable.Brightness()+0.3)
	}
	if promoted := st.Stats().Promoted; promoted == 0 {
		t.Error("promoted = 0 after a swing past the promote delta")
	}
}

func TestConfigureClearsHistory(t *testing.T) {
	st := NewStabilizer(DefaultFilterParams())
	now := time.Now()
	st.Observe(gray(0.2), now)
	st.Observe(gray(0.3), now.Add(50*time.Millisecond))

	st.Configure(FilterParams{
		Threshold:     0.6,
		Hysteresis:    0.02,
		HistoryDepth:  3,
		FlickerLimit:  5,
		FlickerWindow: 500 * time.Millisecond,
	})

	if _, ok := st.Stable(); ok {
		t.Error("stable color survived Configure")
	}
	if got := st.Tone(); got != ToneUnknown {
		t.Errorf("tone = %v after Configure, want unknown", got)
	}
	if stats := st.Stats(); stats.Observed != 0 {
		t.Errorf("stats survived Configure: %+v", stats)
	}
}

func TestResetClearsState(t *testing.T) {
	st := NewStabilizer(DefaultFilterParams())
	st.Observe(gray(0.8), time.Now())
	st.Reset()

	if _, ok := st.Stable(); ok {
		t.Error("stable color survived Reset")
	}
	if got := st.Tone(); got != ToneUnknown {
		t.Errorf("tone = %v after Reset, want unknown", got)
	}
}

func TestFilterParamsNormalized(t *testing.T) {
	tests := []struct {
		name string
		in   FilterParams
		want FilterParams
	}{
		{
			name: "zero_values",
			in:   FilterParams{},
			want: FilterParams{
				Threshold:     0.1,
				Hysteresis:    0.01,
				HistoryDepth:  5,
				FlickerLimit:  10,
				FlickerWindow: time.Second,
			},
		},
		{
			name: "over_range",
			in: FilterParams{
				Threshold:     5,
				Hysteresis:    1,
				HistoryDepth:  8,
				FlickerLimit:  3,
				FlickerWindow: 2 * time.Second,
			},
			want: FilterParams{
				Threshold:     0.9,
				Hysteresis:    0.2,
				HistoryDepth:  8,
				FlickerLimit:  3,
				FlickerWindow: 2 * time.Second,
			},
		},
		{
			name: "in_range_untouched",
			in:   DefaultFilterParams(),
			want: DefaultFilterParams(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.normalized(); got != tt.want {
				t.Errorf("normalized() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStabilizerInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := NewStabilizer(FilterParams{
			Threshold:     rapid.Float64Range(0.1, 0.9).Draw(t, "threshold"),
			Hysteresis:    rapid.Float64Range(0.01, 0.2).Draw(t, "hysteresis"),
			HistoryDepth:  rapid.IntRange(1, 10).Draw(t, "depth"),
			FlickerLimit:  rapid.IntRange(1, 20).Draw(t, "limit"),
			FlickerWindow: time.Second,
		})

		now := time.Now()
		n := rapid.IntRange(1, 50).Draw(t, "n")
		for i := 0; i < n; i++ {
			now = now.Add(time.Duration(rapid.IntRange(0, 200).Draw(t, "step")) * time.Millisecond)
			out := st.Observe(gray(rapid.Float64Range(0, 1).Draw(t, "b")), now)

			if b := out.Brightness(); b < 0 || b > 1 {
				t.Fatalf("stable brightness %v out of [0,1]", b)
			}
			if tone := st.Tone(); tone != ToneDark && tone != ToneLight {
				t.Fatalf("tone = %v after observation, want dark or light", tone)
			}
			if _, ok := st.Stable(); !ok {
				t.Fatal("no stable color after observation")
			}
		}
	})
}
