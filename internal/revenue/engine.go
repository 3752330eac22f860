package revenue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/idgen"
	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/metrics"
	"github.com/mbd888/storeguard/internal/snapshot"
	"github.com/mbd888/storeguard/internal/syncutil"
	"github.com/mbd888/storeguard/internal/traces"
	"github.com/mbd888/storeguard/internal/workflow"
)

// SnapshotSource reads stored snapshots.
type SnapshotSource interface {
	Latest(ctx context.Context) (*snapshot.Snapshot, error)
	After(ctx context.Context, t time.Time) ([]*snapshot.Snapshot, error)
}

// ConfigService reads and writes the versioned revenue config.
type ConfigService interface {
	Config(ctx context.Context) (*enforcement.Config, error)
	UpdateConfig(ctx context.Context, expect int64, changes map[string]decimal.Decimal, reason string) (*enforcement.Config, error)
	SetConfigValue(ctx context.Context, key string, value decimal.Decimal, reason string) (*enforcement.Config, error)
}

// OptimizeResult is the outcome of one optimizer run. Exactly one of
// Suggestion and Skipped is set.
type OptimizeResult struct {
	Suggestion *Suggestion `json:"suggestion,omitempty"`
	Skipped    string      `json:"skipped,omitempty"`
	RangeDays  int         `json:"range_days"`
}

// DefaultRangeDays is the look-back used when a run does not name one.
const DefaultRangeDays = 7

const optimizeLock = "optimize"

// Engine proposes, applies and monitors revenue suggestions.
type Engine struct {
	store    Store
	snaps    SnapshotSource
	configs  ConfigService
	cfg      Config
	recorder *workflow.Recorder
	locks    *syncutil.KeyedMutex
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates a revenue optimization engine.
func NewEngine(store Store, snaps SnapshotSource, configs ConfigService, history workflow.HistoryStore, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		snaps:    snaps,
		configs:  configs,
		cfg:      cfg,
		recorder: workflow.NewRecorder(workflow.Suggestions, history, logger),
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.recorder.WithClock(now)
	return e
}

// Settings returns the target bands and lever bounds in effect.
func (e *Engine) Settings() Config {
	return e.cfg
}

// RunOptimize compares the snapshots of the last rangeDays against the
// target bands and proposes at most one suggestion. Nothing out of band,
// no snapshot yet, or a lever in cooldown are reported through Skipped.
func (e *Engine) RunOptimize(ctx context.Context, rangeDays int) (*OptimizeResult, error) {
	ctx, span := traces.StartSpan(ctx, "revenue.RunOptimize")
	defer span.End()

	if rangeDays <= 0 {
		rangeDays = DefaultRangeDays
	}
	res := &OptimizeResult{RangeDays: rangeDays}

	unlock := e.locks.Lock(optimizeLock)
	defer unlock()

	latest, err := e.snaps.Latest(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return e.skip(ctx, res, SkipNoSnapshot), nil
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	now := e.now()
	window, err := e.snaps.After(ctx, now.Add(-time.Duration(rangeDays)*24*time.Hour))
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(window) == 0 {
		window = []*snapshot.Snapshot{latest}
	}
	live, err := e.configs.Config(ctx)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load revenue config: %w", err)
	}

	plan, reason := Decide(e.cfg, Average(window), live)
	if plan == nil {
		return e.skip(ctx, res, reason), nil
	}
	span.SetAttributes(traces.Lever(string(plan.Lever)))

	prev, err := e.store.LatestForLever(ctx, plan.Lever)
	switch {
	case errors.Is(err, ErrSuggestionNotFound):
	case err != nil:
		traces.RecordError(span, err)
		return nil, err
	case !prev.IsTerminal() || now.Sub(prev.UpdatedAt) < e.cfg.Cooldown:
		return e.skip(ctx, res, SkipCooldown), nil
	}

	s := &Suggestion{
		ID:        idgen.WithPrefix("sug_"),
		Lever:     plan.Lever,
		Reason:    plan.Reason,
		Proposed:  plan.Change,
		Baseline:  latest,
		Expected:  plan.Expected,
		Status:    workflow.Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, s); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("store suggestion: %w", err)
	}
	e.recorder.Record(ctx, s.ID, "", workflow.Pending, s.Reason)
	metrics.SuggestionsTotal.WithLabelValues("proposed").Inc()
	e.refreshPending(ctx)
	logging.L(ctx).Info("revenue suggestion proposed",
		"suggestion_id", s.ID, "lever", s.Lever,
		"from", s.Proposed.From.String(), "to", s.Proposed.To.String(),
		"expected_net_delta_uah", s.Expected.NetDeltaUAH.String())

	res.Suggestion = s
	return res, nil
}

func (e *Engine) skip(ctx context.Context, res *OptimizeResult, reason string) *OptimizeResult {
	metrics.SuggestionsTotal.WithLabelValues(reason).Inc()
	logging.L(ctx).Info("revenue optimizer skipped", "reason", reason, "range_days", res.RangeDays)
	res.Skipped = reason
	return res
}

// Approve moves a PENDING suggestion to APPROVED. Nothing changes live.
func (e *Engine) Approve(ctx context.Context, id string) (*Suggestion, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := e.transition(ctx, s, workflow.Approved, "approved", func(n *Suggestion) {
		n.ResolvedBy = logging.Actor(ctx)
	})
	if err != nil {
		return nil, err
	}
	e.refreshPending(ctx)
	return out, nil
}

// Reject moves a PENDING or APPROVED suggestion to REJECTED. Live config is
// not touched.
func (e *Engine) Reject(ctx context.Context, id, reason string) (*Suggestion, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected"
	}
	out, err := e.transition(ctx, s, workflow.Rejected, reason, func(n *Suggestion) {
		n.ResolvedBy = logging.Actor(ctx)
	})
	if err != nil {
		return nil, err
	}
	e.refreshPending(ctx)
	return out, nil
}

// Apply writes the proposed value to the live config and starts the
// monitor window. The status moves first, so of two concurrent calls only
// one reaches the config; the other gets workflow.ErrAlreadyResolved. If
// the config write fails the suggestion is rolled back at once.
func (e *Engine) Apply(ctx context.Context, id string) (*Suggestion, error) {
	actor := logging.Actor(ctx)
	ctx, span := traces.StartSpan(ctx, "revenue.Apply", traces.SuggestionID(id), traces.Actor(actor))
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.recorder.Machine().Check(s.Status, workflow.Applied); err != nil {
		return nil, err
	}
	live, err := e.configs.Config(ctx)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load revenue config: %w", err)
	}
	baseline, err := e.snaps.Latest(ctx)
	if err != nil {
		baseline = s.Baseline
	}

	now := e.now()
	until := now.Add(e.cfg.MonitorWindow)
	applied, err := e.transition(ctx, s, workflow.Applied, s.Reason, func(n *Suggestion) {
		n.PrevValue = live.Value(s.Proposed.Key)
		n.PrevConfigVersion = live.Version
		n.ApplyBaseline = baseline
		n.AppliedAt = &now
		n.MonitorUntil = &until
		n.Breaches = 0
		if n.ResolvedBy == "" {
			n.ResolvedBy = actor
		}
	})
	if err != nil {
		return nil, err
	}
	e.refreshPending(ctx)

	written, err := e.configs.SetConfigValue(ctx, s.Proposed.Key, s.Proposed.To, "apply suggestion "+id)
	if err != nil {
		traces.RecordError(span, err)
		e.logger.Error("suggestion config write failed, rolling back", "suggestion_id", id, "error", err)
		rolled, rerr := e.rollback(ctx, applied, "apply_failed", map[string]any{"error": err.Error()})
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v (rollback: %v)", ErrApplyFailed, err, rerr)
		}
		return rolled, fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	applied.AppliedConfigVersion = written.Version
	if err := e.store.Update(ctx, applied, workflow.Applied); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("record applied config version: %w", err)
	}
	logging.L(ctx).Info("revenue suggestion applied",
		"suggestion_id", id, "key", s.Proposed.Key, "to", s.Proposed.To.String(),
		"config_version", written.Version, "monitor_until", until)
	return applied, nil
}

// rollback reverts the lever and moves an APPLIED suggestion to
// ROLLED_BACK. The revert is by version: the previous value is restored
// only while the live value is still the one this suggestion wrote. A
// revert that fails or finds the value changed since still ends in
// ROLLED_BACK, flagged for manual reconciliation. Caller holds the lock.
func (e *Engine) rollback(ctx context.Context, s *Suggestion, reason string, details map[string]any) (*Suggestion, error) {
	ctx, span := traces.StartSpan(ctx, "revenue.rollback",
		traces.SuggestionID(s.ID), traces.Lever(string(s.Lever)))
	defer span.End()

	if details == nil {
		details = make(map[string]any)
	}
	reconcile := false

	live, err := e.configs.Config(ctx)
	if err == nil {
		cur := live.Value(s.Proposed.Key)
		switch {
		case cur.Equal(s.PrevValue):
			details["reverted_to"] = s.PrevValue.String()
		case cur.Equal(s.Proposed.To):
			var written *enforcement.Config
			written, err = e.configs.SetConfigValue(ctx, s.Proposed.Key, s.PrevValue, "rollback suggestion "+s.ID)
			if err == nil {
				details["reverted_to"] = s.PrevValue.String()
				details["config_version"] = written.Version
			}
		default:
			reconcile = true
			details["revert_skipped"] = fmt.Sprintf("live value %s changed since apply", cur)
		}
	}
	if err != nil {
		reconcile = true
		details["revert_error"] = err.Error()
		traces.RecordError(span, err)
	}
	if reconcile {
		metrics.ReconciliationIncidentsTotal.Inc()
		e.logger.Error("rollback could not revert live config, manual reconciliation needed",
			"suggestion_id", s.ID, "key", s.Proposed.Key, "prev_value", s.PrevValue.String(), "details", details)
	}

	out, err := e.transition(ctx, s, workflow.RolledBack, reason, func(n *Suggestion) {
		n.RollbackReason = reason
		n.RollbackDetails = details
		n.NeedsReconciliation = reconcile
	})
	if err != nil {
		return nil, err
	}
	metrics.RollbacksTotal.WithLabelValues(string(s.Lever)).Inc()
	e.logger.Warn("revenue suggestion rolled back",
		"suggestion_id", s.ID, "lever", s.Lever, "reason", reason, "needs_reconciliation", reconcile)
	return out, nil
}

// transition validates from -> to and writes next with a compare-and-set
// on the current status. Caller holds the lock for s.ID.
func (e *Engine) transition(ctx context.Context, s *Suggestion, to workflow.State, reason string, mutate func(*Suggestion)) (*Suggestion, error) {
	from := s.Status
	if err := e.recorder.Machine().Check(from, to); err != nil {
		return nil, err
	}
	next := s.clone()
	next.Status = to
	next.UpdatedAt = e.now()
	if mutate != nil {
		mutate(next)
	}
	if err := e.store.Update(ctx, next, from); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, fmt.Errorf("%w: suggestion %s", workflow.ErrAlreadyResolved, s.ID)
		}
		return nil, err
	}
	e.recorder.Record(ctx, s.ID, from, to, reason)
	return next, nil
}

// Get returns one suggestion.
func (e *Engine) Get(ctx context.Context, id string) (*Suggestion, error) {
	return e.store.Get(ctx, id)
}

// List returns suggestions newest first, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status workflow.State, limit int) ([]*Suggestion, error) {
	return e.store.List(ctx, status, limit)
}

// History returns the transition log of one suggestion, newest first.
func (e *Engine) History(ctx context.Context, id string, limit int) ([]*workflow.Entry, error) {
	return e.recorder.History(ctx, id, limit)
}

// Config returns the live revenue config.
func (e *Engine) Config(ctx context.Context) (*enforcement.Config, error) {
	return e.configs.Config(ctx)
}

// UpdateConfig is a manual config change. A negative expect writes on top
// of whatever version is current.
func (e *Engine) UpdateConfig(ctx context.Context, expect int64, changes map[string]decimal.Decimal, reason string) (*enforcement.Config, error) {
	if expect < 0 {
		cur, err := e.configs.Config(ctx)
		if err != nil {
			return nil, err
		}
		expect = cur.Version
	}
	if reason == "" {
		reason = "manual update"
	}
	return e.configs.UpdateConfig(ctx, expect, changes, reason)
}

func (e *Engine) refreshPending(ctx context.Context) {
	pending, err := e.store.List(ctx, workflow.Pending, 0)
	if err != nil {
		return
	}
	metrics.PendingItems.WithLabelValues("suggestion").Set(float64(len(pending)))
}
