package engine

import (
	"errors"
	"sync"
	"time"
)

// Source delivers refresh ticks to a single sink. Start arms the
// source; Stop is synchronous: when it returns, no sink invocation is
// running or will run. That join guarantee is what lets the engine's
// Stop be terminal.
type Source interface {
	Start(sink func(now time.Time)) error
	Stop()
}

// TickerSource drives the sink from a wall-clock ticker. It stands in
// for a display-refresh callback: the interval is derived from the
// configured sampling rate, and the engine's own rate limiter caps the
// effective render rate independently.
type TickerSource struct {
	interval time.Duration

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewTickerSource builds a source ticking at the given rate. Rates
// outside (0, 240] fall back to 60Hz.
func NewTickerSource(hz float64) *TickerSource {
	if hz <= 0 || hz > 240 {
		hz = 60
	}
	return &TickerSource{interval: time.Duration(float64(time.Second) / hz)}
}

// Interval returns the tick interval.
func (t *TickerSource) Interval() time.Duration {
	return t.interval
}

// Start begins delivering ticks to sink on a dedicated goroutine.
func (t *TickerSource) Start(sink func(now time.Time)) error {
	if sink == nil {
		return errors.New("ticker source: nil sink")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("ticker source: already started")
	}
	t.running = true
	t.done = make(chan struct{})
	done := t.done

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				sink(now)
			}
		}
	}()
	return nil
}

// Stop halts the source and joins the delivery goroutine. Safe to call
// when not started, and more than once.
func (t *TickerSource) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()
}

// ManualSource delivers ticks only when Fire is called. It backs tests
// and the forced-refresh path of the control plane.
type ManualSource struct {
	mu      sync.Mutex
	sink    func(time.Time)
	stopped bool
}

// Start implements Source.
func (m *ManualSource) Start(sink func(now time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
	m.stopped = false
	return nil
}

// Stop implements Source. Fire and Stop share the mutex, so no sink
// invocation survives Stop.
func (m *ManualSource) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = nil
	m.stopped = true
}

// Fire delivers one tick synchronously, under the same mutex Stop
// takes. A tick after Stop is dropped.
func (m *ManualSource) Fire(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink != nil {
		m.sink(now)
	}
}
