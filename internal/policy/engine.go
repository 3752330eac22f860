package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/idgen"
	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/metrics"
	"github.com/mbd888/storeguard/internal/orders"
	"github.com/mbd888/storeguard/internal/risk"
	"github.com/mbd888/storeguard/internal/syncutil"
	"github.com/mbd888/storeguard/internal/traces"
	"github.com/mbd888/storeguard/internal/workflow"
)

// ProfileSource supplies risk profiles with overrides already applied.
type ProfileSource interface {
	List(ctx context.Context, opts risk.ListOptions) ([]*risk.Profile, error)
}

// Config holds engine settings.
type Config struct {
	ReproposeAfter time.Duration // minimum age of a rejection before re-proposing
	CityWindow     time.Duration // order history used for city aggregates
	DefaultLimit   int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReproposeAfter: 7 * 24 * time.Hour,
		CityWindow:     30 * 24 * time.Hour,
		DefaultLimit:   500,
	}
}

// RunResult reports one rule engine pass. Proposed counts rule matches;
// ApprovalsEnqueued counts the new PENDING decisions among them.
type RunResult struct {
	Proposed          int `json:"proposed"`
	ApprovalsEnqueued int `json:"approvals_enqueued"`
	Deduplicated      int `json:"deduplicated"`
	UsersEvaluated    int `json:"users_evaluated"`
	CitiesEvaluated   int `json:"cities_evaluated"`
}

// Engine evaluates rules and owns every state change of a decision.
type Engine struct {
	store    Store
	rules    *RuleSet
	profiles ProfileSource
	orders   orders.Source
	enforcer Enforcer
	recorder *workflow.Recorder
	cfg      Config
	locks    *syncutil.KeyedMutex
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates a policy rule engine.
func NewEngine(
	store Store,
	rules *RuleSet,
	profiles ProfileSource,
	source orders.Source,
	enforcer Enforcer,
	history workflow.HistoryStore,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:    store,
		rules:    rules,
		profiles: profiles,
		orders:   source,
		enforcer: enforcer,
		recorder: workflow.NewRecorder(workflow.PolicyDecisions, history, logger),
		cfg:      cfg,
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.recorder.WithClock(now)
	return e
}

type candidate struct {
	rule     *Rule
	targetID string
	reason   string
	meta     map[string]any
}

// Run evaluates the rules over the top limit risk profiles and every city
// with orders in the city window, and enqueues a PENDING decision for each
// match that has no live decision yet.
func (e *Engine) Run(ctx context.Context, limit int) (*RunResult, error) {
	ctx, span := traces.StartSpan(ctx, "policy.Run")
	defer span.End()

	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	now := e.now()

	profiles, err := e.profiles.List(ctx, risk.ListOptions{Limit: limit})
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("list risk profiles: %w", err)
	}
	records, err := e.orders.Window(ctx, now.Add(-e.cfg.CityWindow), now)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load city orders: %w", err)
	}
	cities := orders.ByCity(records)

	res := &RunResult{UsersEvaluated: len(profiles), CitiesEvaluated: len(cities)}
	var candidates []candidate

	for _, p := range profiles {
		matched, err := e.rules.EvaluateUser(userFacts(p))
		if err != nil {
			return nil, err
		}
		for _, r := range matched {
			candidates = append(candidates, candidate{
				rule:     r,
				targetID: p.SubjectID,
				reason:   userReason(p),
				meta:     map[string]any{"score": p.Score, "band": string(p.Band), "rule": r.Name},
			})
		}
	}
	for _, cs := range cities {
		matched, err := e.rules.EvaluateCity(cs)
		if err != nil {
			return nil, err
		}
		for _, r := range matched {
			candidates = append(candidates, candidate{
				rule:     r,
				targetID: cs.City,
				reason:   fmt.Sprintf("return rate %.0f%% over %d orders", cs.ReturnRate*100, cs.Orders),
				meta:     map[string]any{"orders": cs.Orders, "return_rate": cs.ReturnRate, "rule": r.Name},
			})
		}
	}

	for _, c := range candidates {
		res.Proposed++
		enqueued, err := e.propose(ctx, c, now)
		if err != nil {
			traces.RecordError(span, err)
			return res, err
		}
		if enqueued {
			res.ApprovalsEnqueued++
		} else {
			res.Deduplicated++
		}
	}

	e.refreshPending(ctx)
	logging.L(ctx).Info("policy rules evaluated",
		"users", res.UsersEvaluated, "cities", res.CitiesEvaluated,
		"proposed", res.Proposed, "enqueued", res.ApprovalsEnqueued)
	return res, nil
}

func (e *Engine) propose(ctx context.Context, c candidate, now time.Time) (bool, error) {
	action := c.rule.Action
	targetID := strings.TrimSpace(c.targetID)
	key := DedupeKey(action.Target(), targetID, action)

	unlock := e.locks.Lock(key)
	defer unlock()

	latest, err := e.store.Latest(ctx, key)
	switch {
	case errors.Is(err, ErrDecisionNotFound):
	case err != nil:
		return false, err
	default:
		ok, err := e.reproposable(ctx, latest, action, now)
		if err != nil {
			return false, err
		}
		if !ok {
			metrics.PolicyProposalsTotal.WithLabelValues(action.Name(), "deduplicated").Inc()
			return false, nil
		}
	}

	d := &Decision{
		ID:         idgen.WithPrefix("pd_"),
		DedupeKey:  key,
		TargetType: action.Target(),
		TargetID:   targetID,
		Action:     action.Name(),
		Reason:     c.reason,
		Severity:   c.rule.Severity,
		Meta:       c.meta,
		Status:     workflow.Pending,
		CreatedAt:  now,
	}
	if err := e.store.Propose(ctx, d); err != nil {
		if errors.Is(err, ErrDuplicateProposal) {
			metrics.PolicyProposalsTotal.WithLabelValues(action.Name(), "deduplicated").Inc()
			return false, nil
		}
		return false, err
	}
	e.recorder.Record(ctx, key, "", workflow.Pending, c.reason)
	metrics.PolicyProposalsTotal.WithLabelValues(action.Name(), "proposed").Inc()
	return true, nil
}

// reproposable decides whether a new decision may follow latest. A pending
// decision blocks; a rejection blocks until ReproposeAfter has passed; an
// approval blocks while its enforcement is still in force.
func (e *Engine) reproposable(ctx context.Context, latest *Decision, action Action, now time.Time) (bool, error) {
	switch latest.Status {
	case workflow.Pending:
		return false, nil
	case workflow.Rejected:
		return latest.ResolvedAt != nil && now.Sub(*latest.ResolvedAt) >= e.cfg.ReproposeAfter, nil
	case workflow.Approved:
		active, err := action.active(ctx, e.enforcer, latest.TargetID)
		if err != nil {
			return false, fmt.Errorf("check enforcement for %s: %w", latest.DedupeKey, err)
		}
		return !active, nil
	default:
		return false, nil
	}
}

// Approve applies the live decision's action for key and then moves it to
// APPROVED. When enforcement fails the decision stays PENDING and the error
// wraps ErrEnforcementFailed. Approving a terminal decision returns
// workflow.ErrAlreadyResolved.
func (e *Engine) Approve(ctx context.Context, key string) (*Decision, error) {
	return e.resolve(ctx, key, workflow.Approved, "")
}

// Reject moves the live decision for key to REJECTED. Nothing is enforced.
func (e *Engine) Reject(ctx context.Context, key, reason string) (*Decision, error) {
	return e.resolve(ctx, key, workflow.Rejected, reason)
}

func (e *Engine) resolve(ctx context.Context, key string, to workflow.State, reason string) (*Decision, error) {
	actor := logging.Actor(ctx)
	ctx, span := traces.StartSpan(ctx, "policy."+strings.ToLower(string(to)),
		traces.DedupeKey(key), traces.Actor(actor))
	defer span.End()

	unlock := e.locks.Lock(key)
	defer unlock()

	d, err := e.store.Latest(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := e.recorder.Machine().Check(d.Status, to); err != nil {
		return nil, err
	}
	action, err := ParseAction(d.Action)
	if err != nil {
		return nil, err
	}

	var undo func(context.Context) error
	if to == workflow.Approved {
		undo, err = action.apply(ctx, e.enforcer, d)
		if err != nil {
			traces.RecordError(span, err)
			e.logger.Error("decision could not be enforced, left pending",
				"dedupe_key", key, "action", action.Name(), "error", err)
			return d, fmt.Errorf("%w: %v", ErrEnforcementFailed, err)
		}
	}

	updated, err := e.store.Transition(ctx, d.ID, workflow.Pending, to, actor, e.now())
	if err != nil {
		if undo != nil && !e.approvedElsewhere(ctx, key) {
			if uerr := undo(ctx); uerr != nil {
				e.logger.Error("failed to undo enforcement for uncommitted decision",
					"dedupe_key", key, "action", action.Name(), "error", uerr)
			}
		}
		if errors.Is(err, ErrStatusChanged) {
			return nil, fmt.Errorf("%w: decision %s", workflow.ErrAlreadyResolved, key)
		}
		traces.RecordError(span, err)
		return nil, err
	}
	if reason == "" {
		reason = updated.Reason
	}
	e.recorder.Record(ctx, key, workflow.Pending, to, reason)
	e.refreshPending(ctx)
	return updated, nil
}

// approvedElsewhere reports whether another writer committed an approval for
// key, in which case the enforcement already written must stay.
func (e *Engine) approvedElsewhere(ctx context.Context, key string) bool {
	cur, err := e.store.Latest(ctx, key)
	return err == nil && cur.Status == workflow.Approved
}

// RemoveCityPolicy lifts the policy for a city. The approved decision that
// created it stays as it is.
func (e *Engine) RemoveCityPolicy(ctx context.Context, city string) error {
	if err := e.enforcer.RemoveCityPolicy(ctx, city); err != nil {
		return err
	}
	logging.L(ctx).Info("city policy lifted", "city", city)
	return nil
}

// Pending lists PENDING decisions, newest first.
func (e *Engine) Pending(ctx context.Context, limit int) ([]*Decision, error) {
	return e.store.ListByStatus(ctx, workflow.Pending, limit)
}

// Decisions lists decisions in any state, newest first.
func (e *Engine) Decisions(ctx context.Context, limit int) ([]*Decision, error) {
	return e.store.ListByStatus(ctx, "", limit)
}

// History returns transitions for key, or for all decisions when key is empty.
func (e *Engine) History(ctx context.Context, key string, limit int) ([]*workflow.Entry, error) {
	return e.recorder.History(ctx, key, limit)
}

// Cities lists active city policies.
func (e *Engine) Cities(ctx context.Context) ([]*enforcement.CityPolicy, error) {
	return e.enforcer.Cities(ctx)
}

// Rules returns the compiled rules.
func (e *Engine) Rules() []*Rule {
	return e.rules.Rules()
}

func (e *Engine) refreshPending(ctx context.Context) {
	n, err := e.store.CountByStatus(ctx, workflow.Pending)
	if err != nil {
		e.logger.Warn("failed to count pending decisions", "error", err)
		return
	}
	metrics.PendingItems.WithLabelValues(string(workflow.KindPolicyDecision)).Set(float64(n))
}

func userFacts(p *risk.Profile) UserFacts {
	return UserFacts{
		SubjectID:      p.SubjectID,
		Score:          p.Score,
		Band:           string(p.Band),
		CODRefusals30d: int(p.Components[risk.ComponentCODRefusals].N),
		Returns60d:     int(p.Components[risk.ComponentReturns].N),
		ReturnRate:     p.Components[risk.ComponentReturnRate].N,
	}
}

func userReason(p *risk.Profile) string {
	reason := fmt.Sprintf("risk score %d (%s)", p.Score, p.Band)
	if p.Override != nil {
		return reason + ": override " + p.Override.Reason
	}
	if len(p.Reasons) > 0 {
		reason += ": " + strings.Join(p.Reasons, ", ")
	}
	return reason
}
