// Package health aggregates liveness checks over the daemon's storage
// backends for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is implemented by storage backends that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component is one checked dependency with its latest result.
type Component struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Report is the overall health of the system.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components,omitempty"`
}

// Checker pings registered storage backends and rolls the results up into
// one overall status. A backend failure makes the system unhealthy; high
// latency only degrades it.
type Checker struct {
	mu         sync.Mutex
	targets    []target
	timeout    time.Duration
	maxLatency time.Duration
}

type target struct {
	name   string
	pinger Pinger
}

// Option customizes a Checker.
type Option func(*Checker)

// WithTimeout bounds each individual ping.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// WithMaxLatency sets the latency above which a reachable backend is
// reported degraded.
func WithMaxLatency(d time.Duration) Option {
	return func(c *Checker) { c.maxLatency = d }
}

// New creates a Checker with no registered targets.
func New(opts ...Option) *Checker {
	c := &Checker{
		timeout:    2 * time.Second,
		maxLatency: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a named backend. Nil pingers are ignored so callers can pass
// optional backends without guarding.
func (c *Checker) Register(name string, pinger Pinger) {
	if pinger == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, target{name: name, pinger: pinger})
}

// Check pings every registered backend concurrently and returns the rollup.
// With no targets registered the system reports healthy.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	targets := make([]target, len(c.targets))
	copy(targets, c.targets)
	c.mu.Unlock()

	components := make([]Component, len(targets))
	var wg sync.WaitGroup
	for i, tgt := range targets {
		wg.Add(1)
		go func(i int, tgt target) {
			defer wg.Done()
			components[i] = c.checkOne(ctx, tgt)
		}(i, tgt)
	}
	wg.Wait()

	return rollup(components)
}

func (c *Checker) checkOne(ctx context.Context, tgt target) Component {
	comp := Component{Name: tgt.name, Timestamp: time.Now().UTC()}

	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := tgt.pinger.Ping(pingCtx)
	latency := time.Since(start)
	comp.LatencyMS = latency.Milliseconds()

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "backend unreachable"
		return comp
	}
	if latency > c.maxLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", latency)
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "connected"
	return comp
}

func rollup(components []Component) Report {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return Report{
		Status:     overall,
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
}
