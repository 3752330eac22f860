package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/storeguard/internal/metrics"
	"github.com/mbd888/storeguard/internal/orders"
	"github.com/mbd888/storeguard/internal/traces"
)

// Subscriber is notified after every stored snapshot.
type Subscriber func(ctx context.Context, s *Snapshot)

// Aggregator computes and stores snapshots from an order source.
type Aggregator struct {
	source   orders.Source
	store    Store
	interval time.Duration
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger

	subMu       sync.RWMutex
	subscribers []Subscriber
}

// NewAggregator creates an aggregator. Windows end on interval boundaries,
// so two runs inside the same interval recompute the same window.
func NewAggregator(source orders.Source, store Store, interval, window time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		source:   source,
		store:    store,
		interval: interval,
		window:   window,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the time source.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Subscribe registers fn to run after each stored snapshot.
func (a *Aggregator) Subscribe(fn Subscriber) {
	a.subMu.Lock()
	a.subscribers = append(a.subscribers, fn)
	a.subMu.Unlock()
}

// RunOnce aggregates the current window. An unreadable source yields an
// *UpstreamError and nothing is written.
func (a *Aggregator) RunOnce(ctx context.Context) (*Snapshot, error) {
	end := a.now().UTC().Truncate(a.interval)
	start := end.Add(-a.window)

	ctx, span := traces.StartSpan(ctx, "snapshot.RunOnce")
	defer span.End()

	records, err := a.source.Window(ctx, start, end)
	if err != nil {
		uerr := &UpstreamError{Source: "orders", Err: err}
		traces.RecordError(span, uerr)
		metrics.SnapshotsTotal.WithLabelValues("skipped").Inc()
		a.logger.Warn("snapshot cycle skipped, keeping previous baseline", "error", err, "window_end", end)
		return nil, uerr
	}

	s := Compute(records, start, end)
	span.SetAttributes(traces.SnapshotID(s.ID))
	if err := a.store.Put(ctx, s); err != nil {
		traces.RecordError(span, err)
		metrics.SnapshotsTotal.WithLabelValues("failed").Inc()
		a.logger.Error("failed to store snapshot", "snapshot_id", s.ID, "error", err)
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	metrics.SnapshotsTotal.WithLabelValues("computed").Inc()
	metrics.SnapshotAge.Set(a.now().Sub(s.Ts).Seconds())
	a.logger.Info("snapshot computed",
		"snapshot_id", s.ID,
		"orders_total", s.OrdersTotal,
		"prepaid_conversion", s.PrepaidConversion,
		"net_margin_est", s.NetMarginEst.String(),
	)

	a.notify(ctx, s)
	return s, nil
}

func (a *Aggregator) notify(ctx context.Context, s *Snapshot) {
	a.subMu.RLock()
	subs := make([]Subscriber, len(a.subscribers))
	copy(subs, a.subscribers)
	a.subMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("panic in snapshot subscriber", "panic", fmt.Sprint(r), "snapshot_id", s.ID)
				}
			}()
			cp := *s
			fn(ctx, &cp)
		}()
	}
}

// Worker runs the aggregator on a fixed cadence.
type Worker struct {
	agg      *Aggregator
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWorker creates a snapshot worker.
// interval is typically 1 hour in production.
func NewWorker(agg *Aggregator, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		agg:      agg,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the snapshot loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.safeRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in snapshot worker", "panic", fmt.Sprint(r))
		}
	}()
	// Errors are already logged and counted by RunOnce.
	_, _ = w.agg.RunOnce(ctx)
}
