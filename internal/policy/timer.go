package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs the rule engine on a fixed interval.
type Timer struct {
	engine   *Engine
	interval time.Duration
	limit    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a periodic rule engine runner.
func NewTimer(engine *Engine, interval time.Duration, limit int, logger *slog.Logger) *Timer {
	return &Timer{
		engine:   engine,
		interval: interval,
		limit:    limit,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the run loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in policy timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.engine.Run(ctx, t.limit); err != nil {
		t.logger.Warn("scheduled policy run failed", "error", err)
	}
}
