package revenue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/snapshot"
	"github.com/mbd888/storeguard/internal/workflow"
)

// OnSnapshot compares a new snapshot against every APPLIED suggestion. It is
// registered as an aggregator subscriber.
func (e *Engine) OnSnapshot(ctx context.Context, snap *snapshot.Snapshot) {
	applied, err := e.store.List(ctx, workflow.Applied, 0)
	if err != nil {
		e.logger.Error("failed to list applied suggestions", "snapshot_id", snap.ID, "error", err)
		return
	}
	for _, s := range applied {
		if err := e.evaluate(ctx, s.ID, snap); err != nil {
			e.logger.Error("suggestion evaluation failed",
				"suggestion_id", s.ID, "snapshot_id", snap.ID, "error", err)
		}
	}
}

// evaluate counts consecutive breaches. The actual effect is the change in
// net margin since the apply-time baseline. Snapshots cover a rolling window,
// so only the part of the window after the baseline can carry the change and
// the estimate is scaled to that share. A snapshot breaches when the actual
// effect falls short of the scaled estimate by more than the tolerance.
func (e *Engine) evaluate(ctx context.Context, id string, snap *snapshot.Snapshot) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != workflow.Applied {
		return nil
	}
	base := s.ApplyBaseline
	if base == nil {
		base = s.Baseline
	}
	if base == nil || !snap.Ts.After(base.Ts) {
		return nil
	}
	if s.LastEvaluatedAt != nil && !snap.Ts.After(*s.LastEvaluatedAt) {
		return nil
	}
	if s.MonitorUntil != nil && snap.Ts.After(*s.MonitorUntil) {
		return nil
	}

	actual := snap.NetMarginEst.Sub(base.NetMarginEst)
	expected := s.Expected.NetDeltaUAH.Mul(decimal.NewFromFloat(postApplyShare(base, snap))).Round(2)
	floor := expected.Sub(decimal.NewFromFloat(e.cfg.RollbackToleranceUAH))
	breach := actual.LessThan(floor)

	next := s.clone()
	ts := snap.Ts
	next.LastEvaluatedAt = &ts
	next.Observations = append(next.Observations, Observation{
		SnapshotID: snap.ID, Ts: snap.Ts, NetDeltaUAH: actual, ExpectedUAH: expected, Breach: breach,
	})
	if breach {
		next.Breaches++
	} else {
		next.Breaches = 0
	}
	next.UpdatedAt = e.now()

	e.logger.Info("suggestion evaluated",
		"suggestion_id", id, "snapshot_id", snap.ID,
		"actual_net_delta_uah", actual.String(), "expected_so_far_uah", expected.String(), "floor_uah", floor.String(),
		"breach", breach, "consecutive_breaches", next.Breaches)

	if next.Breaches < e.cfg.BreachesToRollback {
		return e.store.Update(ctx, next, workflow.Applied)
	}

	deltas := make([]string, 0, next.Breaches)
	scaled := make([]string, 0, next.Breaches)
	for _, o := range next.Observations[len(next.Observations)-next.Breaches:] {
		deltas = append(deltas, o.NetDeltaUAH.String())
		scaled = append(scaled, o.ExpectedUAH.String())
	}
	_, err = e.rollback(ctx, next, "net_effect_below_expected", map[string]any{
		"expected_net_delta_uah": s.Expected.NetDeltaUAH.String(),
		"tolerance_uah":          e.cfg.RollbackToleranceUAH,
		"breaches":               next.Breaches,
		"observed_net_deltas":    deltas,
		"expected_net_deltas":    scaled,
		"snapshot_id":            snap.ID,
	})
	return err
}

// postApplyShare is the fraction of snap's window that lies after the end of
// the baseline window, clamped to [0, 1]. A snapshot without a window counts
// as entirely post-apply.
func postApplyShare(base, snap *snapshot.Snapshot) float64 {
	window := snap.WindowEnd.Sub(snap.WindowStart)
	if window <= 0 || base.WindowEnd.IsZero() {
		return 1
	}
	share := float64(snap.WindowEnd.Sub(base.WindowEnd)) / float64(window)
	switch {
	case share < 0:
		return 0
	case share > 1:
		return 1
	}
	return share
}

// Sweep validates every APPLIED suggestion whose monitor window has ended
// without a rollback. It returns how many were validated.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.store.Due(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due suggestions: %w", err)
	}
	n := 0
	for _, d := range due {
		ok, err := e.validate(ctx, d.ID, now)
		if err != nil {
			e.logger.Error("failed to validate suggestion", "suggestion_id", d.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (e *Engine) validate(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Status != workflow.Applied || s.MonitorUntil == nil || s.MonitorUntil.After(now) {
		return false, nil
	}
	reason := fmt.Sprintf("monitor window ended after %d snapshots without sustained breach", len(s.Observations))
	if _, err := e.transition(ctx, s, workflow.Validated, reason, nil); err != nil {
		return false, err
	}
	e.logger.Info("revenue suggestion validated", "suggestion_id", id, "lever", s.Lever)
	return true, nil
}

// Monitor closes out monitor windows on a fixed tick.
type Monitor struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewMonitor creates the monitor window sweeper.
func NewMonitor(engine *Engine, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSweep(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in revenue monitor", "panic", fmt.Sprint(r))
		}
	}()
	if n, err := m.engine.Sweep(ctx); err != nil {
		m.logger.Warn("revenue monitor sweep failed", "error", err)
	} else if n > 0 {
		m.logger.Info("revenue monitor validated suggestions", "count", n)
	}
}
