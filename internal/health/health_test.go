package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[0].Name != "database" || statuses[1].Name != "redis" {
		t.Fatalf("names should come from registration, got %+v", statuses)
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

type pingerFunc func(context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestPingChecker(t *testing.T) {
	ok := PingChecker(pingerFunc(func(context.Context) error { return nil }), time.Second)
	if s := ok(context.Background()); !s.Healthy {
		t.Fatalf("expected healthy, got %+v", s)
	}

	down := PingChecker(pingerFunc(func(context.Context) error { return errors.New("dial tcp: refused") }), time.Second)
	if s := down(context.Background()); s.Healthy || s.Detail != "dial tcp: refused" {
		t.Fatalf("expected unhealthy with detail, got %+v", s)
	}
}

func TestFreshnessChecker(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		latest  time.Time
		err     error
		healthy bool
	}{
		{"fresh", now.Add(-30 * time.Minute), nil, true},
		{"stale", now.Add(-3 * time.Hour), nil, false},
		{"warm-up", time.Time{}, nil, true},
		{"store error", time.Time{}, errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := FreshnessChecker(func(context.Context) (time.Time, error) {
				return tt.latest, tt.err
			}, 2*time.Hour, clock)
			if got := check(context.Background()); got.Healthy != tt.healthy {
				t.Errorf("healthy = %v, want %v (%s)", got.Healthy, tt.healthy, got.Detail)
			}
		})
	}
}
