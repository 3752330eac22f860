// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		statuses[i].Name = nc.name
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Pinger is satisfied by *sql.DB and thin wrappers around redis clients.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker reports unhealthy when p cannot be reached within timeout.
func PingChecker(p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// FreshnessChecker reports unhealthy when the newest item (as returned by
// latest) is older than maxAge. A zero time means nothing was produced yet,
// which is healthy during warm-up.
func FreshnessChecker(latest func(ctx context.Context) (time.Time, error), maxAge time.Duration, now func() time.Time) Checker {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) Status {
		ts, err := latest(ctx)
		if err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		if ts.IsZero() {
			return Status{Healthy: true, Detail: "no data yet"}
		}
		if age := now().Sub(ts); age > maxAge {
			return Status{Healthy: false, Detail: fmt.Sprintf("stale: last at %s (%s ago)", ts.UTC().Format(time.RFC3339), age.Truncate(time.Second))}
		}
		return Status{Healthy: true}
	}
}
