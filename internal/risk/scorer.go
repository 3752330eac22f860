package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/metrics"
	"github.com/mbd888/storeguard/internal/orders"
	"github.com/mbd888/storeguard/internal/syncutil"
	"github.com/mbd888/storeguard/internal/traces"
	"github.com/mbd888/storeguard/internal/validation"
)

// historyWindow is how far back a customer's orders are read.
const historyWindow = 60 * 24 * time.Hour

// Score computes the weighted score for a customer history. It is pure and
// deterministic.
func Score(cfg Config, h orders.CustomerHistory) (int, map[string]Component, []string) {
	comps := map[string]Component{
		ComponentCODRefusals: {
			N:      float64(h.CODRefusals30d),
			Score:  clip(float64(h.CODRefusals30d) * cfg.CODRefusalPoints),
			Weight: cfg.WeightCODRefusals,
		},
		ComponentReturns: {
			N:      float64(h.Returns60d),
			Score:  clip(float64(h.Returns60d) * cfg.ReturnPoints),
			Weight: cfg.WeightReturns,
		},
		ComponentReturnRate: {
			N:      h.ReturnRate,
			Score:  clip(h.ReturnRate * 100),
			Weight: cfg.WeightReturnRate,
		},
	}

	var total float64
	for _, name := range []string{ComponentCODRefusals, ComponentReturns, ComponentReturnRate} {
		c := comps[name]
		total += c.Score * c.Weight
	}
	// Snap float noise before rounding so x.5 boundaries are stable.
	score := int(math.Round(math.Round(clip(total)*1e6) / 1e6))

	var reasons []string
	if h.CODRefusals30d > 0 {
		reasons = append(reasons, fmt.Sprintf("%d COD refusals in 30d", h.CODRefusals30d))
	}
	if h.Returns60d > 0 {
		reasons = append(reasons, fmt.Sprintf("%d returns in 60d", h.Returns60d))
	}
	if h.ReturnRate > 0 {
		reasons = append(reasons, fmt.Sprintf("return rate %.0f%%", h.ReturnRate*100))
	}
	return score, comps, reasons
}

func clip(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// Scorer maintains customer risk profiles.
type Scorer struct {
	source orders.Source
	store  Store
	cfg    Config
	locks  *syncutil.KeyedMutex
	now    func() time.Time
	logger *slog.Logger
}

// NewScorer creates a scorer reading order history from source.
func NewScorer(source orders.Source, store Store, cfg Config, logger *slog.Logger) *Scorer {
	return &Scorer{
		source: source,
		store:  store,
		cfg:    cfg,
		locks:  syncutil.NewKeyedMutex(),
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Config returns the scoring configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Recalculate recomputes a customer's score from order history. A subject
// with no orders and no existing profile is unknown.
func (s *Scorer) Recalculate(ctx context.Context, subjectID string) (*Profile, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Recalculate", traces.SubjectID(subjectID))
	defer span.End()

	unlock := s.locks.Lock(subjectID)
	defer unlock()

	now := s.now()
	records, err := s.source.ByCustomer(ctx, subjectID, now.Add(-historyWindow))
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load order history: %w", err)
	}

	p, err := s.store.Get(ctx, subjectID)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		if len(records) == 0 {
			return nil, ErrProfileNotFound
		}
		p = &Profile{SubjectID: subjectID, CreatedAt: now}
	case err != nil:
		return nil, err
	}

	score, comps, reasons := Score(s.cfg, orders.SummarizeCustomer(records, now))
	p.ComputedScore = score
	p.Components = comps
	p.Reasons = reasons
	p.UpdatedAt = now
	p.resolve(s.cfg)

	if err := s.save(ctx, p, "recalc", reasons); err != nil {
		return nil, err
	}
	metrics.RiskRecalculationsTotal.WithLabelValues("updated").Inc()
	return p, nil
}

// BatchResult reports a RecalculateAll run.
type BatchResult struct {
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// RecalculateAll rescores up to limit most recently active customers. A
// failure on one subject is recorded and the batch continues.
func (s *Scorer) RecalculateAll(ctx context.Context, limit int) (*BatchResult, error) {
	ids, err := s.source.Customers(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}

	res := &BatchResult{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := s.Recalculate(ctx, id); err != nil {
			res.Skipped++
			metrics.RiskRecalculationsTotal.WithLabelValues("skipped").Inc()
			if len(res.Errors) < 20 {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			}
			s.logger.Warn("risk recalculation failed", "subject_id", id, "error", err)
			continue
		}
		res.Updated++
	}
	s.logger.Info("risk batch recalculated", "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}

// Override sets a manual score that shadows the computed one until cleared.
// The actor in ctx is recorded as SetBy.
func (s *Scorer) Override(ctx context.Context, subjectID string, score int, reason string) (*Profile, error) {
	reason = validation.SanitizeString(reason, validation.MaxStringLength)
	if errs := validation.Validate(
		validation.Required("subject_id", subjectID),
		validation.IntRange("score", score, 0, 100),
		validation.Required("reason", reason),
	); errs != nil {
		return nil, errs
	}

	unlock := s.locks.Lock(subjectID)
	defer unlock()

	now := s.now()
	p, err := s.store.Get(ctx, subjectID)
	if errors.Is(err, ErrProfileNotFound) {
		p = &Profile{SubjectID: subjectID, Components: map[string]Component{}, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}

	p.Override = &Override{Score: score, Reason: reason, SetBy: logging.Actor(ctx), SetAt: now}
	p.UpdatedAt = now
	p.resolve(s.cfg)

	if err := s.save(ctx, p, "override", []string{"override: " + reason}); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("risk override set", "subject_id", subjectID, "score", score)
	return p, nil
}

// ClearOverride removes an override so the computed score applies again.
func (s *Scorer) ClearOverride(ctx context.Context, subjectID string) (*Profile, error) {
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	p, err := s.store.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if p.Override == nil {
		return nil, ErrNoOverride
	}
	p.Override = nil
	p.UpdatedAt = s.now()
	p.resolve(s.cfg)

	if err := s.save(ctx, p, "override_cleared", p.Reasons); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("risk override cleared", "subject_id", subjectID)
	return p, nil
}

func (s *Scorer) save(ctx context.Context, p *Profile, source string, reasons []string) error {
	if err := s.store.Upsert(ctx, p); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	entry := &ReasonEntry{
		SubjectID: p.SubjectID,
		Source:    source,
		Score:     p.Score,
		Band:      p.Band,
		Reasons:   reasons,
		Actor:     logging.Actor(ctx),
		At:        p.UpdatedAt,
	}
	if err := s.store.AppendReason(ctx, entry); err != nil {
		s.logger.Error("failed to append risk reason", "subject_id", p.SubjectID, "error", err)
	}
	return nil
}

// Get returns the profile with the override applied.
func (s *Scorer) Get(ctx context.Context, subjectID string) (*Profile, error) {
	p, err := s.store.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	p.resolve(s.cfg)
	return p, nil
}

// ListOptions filters List.
type ListOptions struct {
	Limit    int
	Band     Band
	MinScore int
}

// List returns profiles by effective score descending.
func (s *Scorer) List(ctx context.Context, opts ListOptions) ([]*Profile, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fetch := limit
	if opts.Band != "" || opts.MinScore > 0 {
		fetch = 0 // filter client-side over the full ordered list
	}
	all, err := s.store.List(ctx, fetch)
	if err != nil {
		return nil, err
	}

	out := make([]*Profile, 0, limit)
	for _, p := range all {
		p.resolve(s.cfg)
		if opts.Band != "" && p.Band != opts.Band {
			continue
		}
		if p.Score < opts.MinScore {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// History returns the reason audit trail for a subject, newest first.
func (s *Scorer) History(ctx context.Context, subjectID string, limit int) ([]*ReasonEntry, error) {
	return s.store.Reasons(ctx, subjectID, limit)
}

// Summary is the risk overview.
type Summary struct {
	TotalUsers     int          `json:"total_users"`
	ScoredUsers    int          `json:"scored_users"`
	Distribution   map[Band]int `json:"distribution"`
	RecentHighRisk []*Profile   `json:"recent_high_risk"`
}

// Summary aggregates band distribution and the most recently updated RISK
// profiles.
func (s *Scorer) Summary(ctx context.Context, recent int) (*Summary, error) {
	total, err := s.source.CountCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count customers: %w", err)
	}
	dist, err := s.store.CountByBand(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		TotalUsers:     total,
		Distribution:   map[Band]int{BandLow: dist[BandLow], BandWatch: dist[BandWatch], BandRisk: dist[BandRisk]},
		RecentHighRisk: []*Profile{},
	}
	for _, n := range sum.Distribution {
		sum.ScoredUsers += n
	}

	high, err := s.List(ctx, ListOptions{Band: BandRisk, Limit: 1000})
	if err != nil {
		return nil, err
	}
	sortByUpdated(high)
	if recent > 0 && len(high) > recent {
		high = high[:recent]
	}
	sum.RecentHighRisk = append(sum.RecentHighRisk, high...)
	return sum, nil
}

func sortByUpdated(ps []*Profile) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].UpdatedAt.After(ps[j].UpdatedAt) })
}
