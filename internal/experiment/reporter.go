package experiment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/orders"
	"github.com/mbd888/storeguard/internal/traces"
)

// DefaultRangeDays is the report window when none is given.
const DefaultRangeDays = 14

// OrderSource is the slice of orders.Source the reporter reads.
type OrderSource interface {
	ByExperiment(ctx context.Context, expID string, from time.Time) ([]*orders.Record, error)
}

// VariantRow aggregates one cohort of an experiment.
type VariantRow struct {
	Variant       string          `json:"variant"`
	DiscountPct   decimal.Decimal `json:"discount_pct"`
	OrdersTotal   int             `json:"orders_total"`
	PaidTotal     int             `json:"paid_total"`
	PaidRate      float64         `json:"paid_rate"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	NetEffectUAH  decimal.Decimal `json:"net_effect_uah"`
	// ReturnRate is returns over delivered orders, as in snapshots.
	ReturnRate    float64         `json:"return_rate"`
}

// Winner names the best variant by each criterion. Empty when no variant
// has orders.
type Winner struct {
	ByPaidRate  string `json:"by_paid_rate"`
	ByNetEffect string `json:"by_net_effect"`
}

// Report is the read-only outcome of an experiment over a window.
type Report struct {
	ExpID       string       `json:"exp_id"`
	RangeDays   int          `json:"range_days"`
	From        time.Time    `json:"from"`
	Rows        []VariantRow `json:"rows"`
	Winner      Winner       `json:"winner"`
	TotalOrders int          `json:"total_orders"`
	TotalPaid   int          `json:"total_paid"`
}

// Reporter computes experiment reports from tagged orders.
type Reporter struct {
	orders OrderSource
	store  Store
	now    func() time.Time
}

// NewReporter creates a reporter.
func NewReporter(src OrderSource, store Store) *Reporter {
	return &Reporter{orders: src, store: store, now: time.Now}
}

// WithClock overrides the time source (tests).
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// Report aggregates orders tagged with expID created in the last rangeDays.
// Defined variants are listed even without orders; variants seen only on
// orders get a discount_pct inferred from their discount share of totals.
// An id that is neither defined nor present on any order is not found.
func (r *Reporter) Report(ctx context.Context, expID string, rangeDays int) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "experiment.Report")
	defer span.End()

	if rangeDays <= 0 {
		rangeDays = DefaultRangeDays
	}
	def, err := r.store.Get(ctx, expID)
	if err != nil && !errors.Is(err, ErrExperimentNotFound) {
		return nil, err
	}

	from := r.now().Add(-time.Duration(rangeDays) * 24 * time.Hour)
	records, err := r.orders.ByExperiment(ctx, expID, from)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("failed to load experiment orders: %w", err)
	}
	if def == nil && len(records) == 0 {
		return nil, ErrExperimentNotFound
	}

	rep := &Report{ExpID: expID, RangeDays: rangeDays, From: from}
	rep.Rows = aggregate(def, records)
	for _, row := range rep.Rows {
		rep.TotalOrders += row.OrdersTotal
		rep.TotalPaid += row.PaidTotal
	}
	rep.Winner = pickWinners(rep.Rows)
	return rep, nil
}

type cohort struct {
	row       VariantRow
	delivered int
	returned  int
	gross     decimal.Decimal
	defined  bool
}

func aggregate(def *Experiment, records []*orders.Record) []VariantRow {
	byName := make(map[string]*cohort)
	var names []string
	get := func(name string) *cohort {
		c, ok := byName[name]
		if !ok {
			c = &cohort{row: VariantRow{Variant: name, DiscountTotal: decimal.Zero, NetEffectUAH: decimal.Zero}, gross: decimal.Zero}
			byName[name] = c
			names = append(names, name)
		}
		return c
	}
	if def != nil {
		for _, v := range def.Variants {
			c := get(v.Name)
			c.row.DiscountPct = v.DiscountPct
			c.defined = true
		}
	}

	for _, rec := range records {
		if rec.Variant == "" {
			continue
		}
		c := get(rec.Variant)
		c.row.OrdersTotal++
		c.gross = c.gross.Add(rec.Total)
		c.row.DiscountTotal = c.row.DiscountTotal.Add(rec.Discount)
		if !rec.Declined && !rec.CODRefused {
			c.delivered++
			if rec.Returned {
				c.returned++
			}
		}
		if rec.Paid {
			c.row.PaidTotal++
			if !rec.Returned {
				c.row.NetEffectUAH = c.row.NetEffectUAH.Add(rec.Margin.Sub(rec.Discount))
			}
		}
	}

	rows := make([]VariantRow, 0, len(names))
	for _, name := range names {
		c := byName[name]
		if c.row.OrdersTotal > 0 {
			c.row.PaidRate = float64(c.row.PaidTotal) / float64(c.row.OrdersTotal)
		}
		if c.delivered > 0 {
			c.row.ReturnRate = float64(c.returned) / float64(c.delivered)
		}
		if !c.defined && c.gross.IsPositive() {
			c.row.DiscountPct = c.row.DiscountTotal.Div(c.gross).Mul(decimal.NewFromInt(100)).Round(1)
		}
		rows = append(rows, c.row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Variant < rows[j].Variant })
	return rows
}

// pickWinners compares paid rates by cross multiplication so equal
// fractions tie exactly.
func pickWinners(rows []VariantRow) Winner {
	var w Winner
	var bestRate, bestNet *VariantRow
	for i := range rows {
		row := &rows[i]
		if row.OrdersTotal == 0 {
			continue
		}
		if bestRate == nil {
			bestRate, bestNet = row, row
			continue
		}
		lhs := row.PaidTotal * bestRate.OrdersTotal
		rhs := bestRate.PaidTotal * row.OrdersTotal
		if lhs > rhs || (lhs == rhs && row.DiscountPct.LessThan(bestRate.DiscountPct)) {
			bestRate = row
		}
		cmp := row.NetEffectUAH.Cmp(bestNet.NetEffectUAH)
		if cmp > 0 || (cmp == 0 && row.OrdersTotal > bestNet.OrdersTotal) {
			bestNet = row
		}
	}
	if bestRate != nil {
		w.ByPaidRate = bestRate.Variant
		w.ByNetEffect = bestNet.Variant
	}
	return w
}
