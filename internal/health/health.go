// Package health aggregates component probes for the daemon's control
// socket. Probes run in parallel with per-component timeouts; a probe
// that hangs or panics is reported as unhealthy, never fatal to the
// caller.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status grades a component or the daemon as a whole.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component works with reduced function.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not working.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been probed yet.
	StatusUnknown Status = "unknown"
)

// CheckResult is the outcome of one probe run.
type CheckResult struct {
	Name        string
	Status      Status
	Error       string
	LastChecked time.Time
	Latency     time.Duration
}

// Check probes one component. Implementations should honor ctx; a
// probe that ignores it is cut off by the component timeout anyway.
type Check func(ctx context.Context) CheckResult

// Component is a named, registered probe.
type Component struct {
	Name     string
	Critical bool // failure drags the overall status to unhealthy
	Check    Check
	Timeout  time.Duration
}

const defaultTimeout = 5 * time.Second

// Checker runs registered probes and aggregates their results.
type Checker struct {
	mu         sync.RWMutex
	components []*Component
	results    map[string]CheckResult
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{results: make(map[string]CheckResult)}
}

// Register adds a probe. Check results keep registration order.
func (c *Checker) Register(comp *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if comp.Timeout <= 0 {
		comp.Timeout = defaultTimeout
	}
	c.components = append(c.components, comp)
	c.results[comp.Name] = CheckResult{Name: comp.Name, Status: StatusUnknown}
}

// RegisterFunc adds a probe built from a plain error-returning
// function. A nil error maps to healthy, anything else to unhealthy.
func (c *Checker) RegisterFunc(name string, critical bool, fn func(ctx context.Context) error) {
	c.Register(&Component{
		Name:     name,
		Critical: critical,
		Check: func(ctx context.Context) CheckResult {
			if err := fn(ctx); err != nil {
				return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
			}
			return CheckResult{Status: StatusHealthy}
		},
	})
}

// Check runs every probe in parallel and returns the results in
// registration order.
func (c *Checker) Check(ctx context.Context) []CheckResult {
	c.mu.RLock()
	components := make([]*Component, len(c.components))
	copy(components, c.components)
	c.mu.RUnlock()

	results := make([]CheckResult, len(components))
	var wg sync.WaitGroup
	for i, comp := range components {
		wg.Add(1)
		go func(i int, comp *Component) {
			defer wg.Done()
			results[i] = c.run(ctx, comp)
		}(i, comp)
	}
	wg.Wait()

	c.mu.Lock()
	for _, r := range results {
		c.results[r.Name] = r
	}
	c.mu.Unlock()

	return results
}

func (c *Checker) run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	var result CheckResult

	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result = CheckResult{
					Status: StatusUnhealthy,
					Error:  fmt.Sprintf("probe panicked: %v", r),
				}
			}
			close(done)
		}()
		result = comp.Check(checkCtx)
	}()

	select {
	case <-done:
	case <-checkCtx.Done():
		// The probe goroutine is abandoned; it may still write its
		// copy of result, so do not touch the shared variable here.
		return CheckResult{
			Name:        comp.Name,
			Status:      StatusUnhealthy,
			Error:       "probe timed out",
			LastChecked: start,
			Latency:     time.Since(start),
		}
	}

	result.Name = comp.Name
	result.LastChecked = start
	result.Latency = time.Since(start)
	return result
}

// Results returns the most recent result per component, in
// registration order, without re-probing.
func (c *Checker) Results() []CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]CheckResult, 0, len(c.components))
	for _, comp := range c.components {
		if r, ok := c.results[comp.Name]; ok {
			results = append(results, r)
		}
	}
	return results
}

// OverallStatus aggregates the most recent results. A failing critical
// component makes the daemon unhealthy; any other failure only
// degrades it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false
	for _, comp := range c.components {
		result, ok := c.results[comp.Name]
		if !ok {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
