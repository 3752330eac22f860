package revenue

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/snapshot"
)

// Config holds target bands, lever bounds and monitoring settings.
type Config struct {
	TargetPrepaidConversion float64 `json:"target_prepaid_conversion"`
	MaxDeclineRate          float64 `json:"max_decline_rate"`
	ConversionSlack         float64 `json:"conversion_slack"`

	DiscountStepPct float64 `json:"discount_step_pct"`
	DiscountMaxPct  float64 `json:"discount_max_pct"`
	DepositStepUAH  float64 `json:"deposit_step_uah"`
	DepositMaxUAH   float64 `json:"deposit_max_uah"`

	ConversionUpliftPerPct float64 `json:"conversion_uplift_per_pct"`
	MarginPerPaidOrderUAH  float64 `json:"margin_per_paid_order_uah"`
	AvgOrderValueUAH       float64 `json:"avg_order_value_uah"`

	Cooldown             time.Duration `json:"cooldown"`
	MonitorWindow        time.Duration `json:"monitor_window"`
	RollbackToleranceUAH float64       `json:"rollback_tolerance_uah"`
	BreachesToRollback   int           `json:"breaches_to_rollback"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TargetPrepaidConversion: 0.55,
		MaxDeclineRate:          0.12,
		ConversionSlack:         0.10,
		DiscountStepPct:         1,
		DiscountMaxPct:          15,
		DepositStepUAH:          50,
		DepositMaxUAH:           1000,
		ConversionUpliftPerPct:  0.03,
		MarginPerPaidOrderUAH:   260,
		AvgOrderValueUAH:        1200,
		Cooldown:                72 * time.Hour,
		MonitorWindow:           72 * time.Hour,
		RollbackToleranceUAH:    300,
		BreachesToRollback:      3,
	}
}

// Metrics are the values compared against the target bands.
type Metrics struct {
	PrepaidConversion float64
	DeclineRate       float64
	OrdersTotal       int
	PrepaidOrders     int
	AvgOrderValue     decimal.Decimal
}

// Average folds snapshots into the metrics used by the optimizer. Rates are
// weighted by orders; an empty slice yields zero metrics.
func Average(snaps []*snapshot.Snapshot) Metrics {
	var (
		m          Metrics
		conv, decl float64
		n, weight  int
		prepaid    int
		aovSum     decimal.Decimal
		aovCount   int64
	)
	for _, s := range snaps {
		w := s.OrdersTotal
		if w == 0 {
			continue
		}
		conv += s.PrepaidConversion * float64(w)
		decl += s.DeclineRate * float64(w)
		weight += w
		prepaid += s.PrepaidOrders
		n++
		if s.AvgOrderValue.IsPositive() {
			aovSum = aovSum.Add(s.AvgOrderValue)
			aovCount++
		}
	}
	if n == 0 {
		return m
	}
	m.PrepaidConversion = conv / float64(weight)
	m.DeclineRate = decl / float64(weight)
	// Volumes are per window, so use the mean window rather than the sum.
	m.OrdersTotal = weight / n
	m.PrepaidOrders = prepaid / n
	if aovCount > 0 {
		m.AvgOrderValue = aovSum.Div(decimal.NewFromInt(aovCount))
	}
	return m
}

// Plan is the single lever move chosen for a set of metrics.
type Plan struct {
	Lever    Lever
	Change   Change
	Reason   string
	Expected Expected
}

// Decide picks at most one lever move. When nothing should change it
// returns a skip reason instead. It is pure.
//
// Declines above the ceiling lower the minimum deposit first. Conversion
// below target raises the prepaid discount, or the deposit once the
// discount is at its cap. Conversion well above target lowers the discount
// when the estimate says that pays.
func Decide(cfg Config, m Metrics, live *enforcement.Config) (*Plan, string) {
	discount := live.Value(enforcement.KeyPrepaidDiscountPct)
	deposit := live.Value(enforcement.KeyMinDepositUAH)
	discountStep := decimal.NewFromFloat(cfg.DiscountStepPct)
	discountMax := decimal.NewFromFloat(cfg.DiscountMaxPct)
	depositStep := decimal.NewFromFloat(cfg.DepositStepUAH)
	depositMax := decimal.NewFromFloat(cfg.DepositMaxUAH)

	declineHigh := m.DeclineRate > cfg.MaxDeclineRate
	convLow := m.PrepaidConversion < cfg.TargetPrepaidConversion
	convHigh := m.PrepaidConversion > cfg.TargetPrepaidConversion+cfg.ConversionSlack

	if declineHigh && deposit.IsPositive() {
		to := decimal.Max(decimal.Zero, deposit.Sub(depositStep))
		return &Plan{
			Lever:  LeverMinDeposit,
			Change: Change{Key: LeverMinDeposit.Key(), From: deposit, To: to},
			Reason: fmt.Sprintf("decline rate %.1f%% above %.1f%%: lower min deposit %s -> %s UAH",
				m.DeclineRate*100, cfg.MaxDeclineRate*100, deposit, to),
			Expected: estimateDepositCut(cfg, m),
		}, ""
	}

	if convLow {
		if discount.LessThan(discountMax) {
			to := decimal.Min(discountMax, discount.Add(discountStep))
			return &Plan{
				Lever:  LeverPrepaidDiscount,
				Change: Change{Key: LeverPrepaidDiscount.Key(), From: discount, To: to},
				Reason: fmt.Sprintf("prepaid conversion %.1f%% below target %.1f%%: raise prepaid discount %s%% -> %s%%",
					m.PrepaidConversion*100, cfg.TargetPrepaidConversion*100, discount, to),
				Expected: estimateDiscount(cfg, m, discount, to),
			}, ""
		}
		if deposit.LessThan(depositMax) {
			to := decimal.Min(depositMax, deposit.Add(depositStep))
			return &Plan{
				Lever:  LeverMinDeposit,
				Change: Change{Key: LeverMinDeposit.Key(), From: deposit, To: to},
				Reason: fmt.Sprintf("prepaid conversion %.1f%% below target %.1f%% with discount at cap: raise min deposit %s -> %s UAH",
					m.PrepaidConversion*100, cfg.TargetPrepaidConversion*100, deposit, to),
				Expected: estimateDepositRaise(cfg, m, to.Sub(deposit)),
			}, ""
		}
		return nil, SkipAtBound
	}

	if convHigh && discount.IsPositive() {
		to := decimal.Max(decimal.Zero, discount.Sub(discountStep))
		exp := estimateDiscount(cfg, m, discount, to)
		if exp.NetDeltaUAH.IsPositive() {
			return &Plan{
				Lever:  LeverPrepaidDiscount,
				Change: Change{Key: LeverPrepaidDiscount.Key(), From: discount, To: to},
				Reason: fmt.Sprintf("prepaid conversion %.1f%% above target band: lower prepaid discount %s%% -> %s%%",
					m.PrepaidConversion*100, discount, to),
				Expected: exp,
			}, ""
		}
	}

	if declineHigh {
		return nil, SkipAtBound
	}
	return nil, SkipInBand
}

// estimateDiscount prices a discount move from -> to (percentage points).
// Extra paid orders follow the uplift per point; the discount cost applies
// to every prepaid order at the new rate, net of the old rate.
func estimateDiscount(cfg Config, m Metrics, from, to decimal.Decimal) Expected {
	deltaPct, _ := to.Sub(from).Float64()
	extra := int(math.Round(float64(m.OrdersTotal) * deltaPct * cfg.ConversionUpliftPerPct))
	prepaidAfter := m.PrepaidOrders + extra
	if prepaidAfter < 0 {
		prepaidAfter = 0
	}
	aov := m.AvgOrderValue
	if !aov.IsPositive() {
		aov = decimal.NewFromFloat(cfg.AvgOrderValueUAH)
	}
	hundred := decimal.NewFromInt(100)
	costAfter := to.Div(hundred).Mul(aov).Mul(decimal.NewFromInt(int64(prepaidAfter)))
	costBefore := from.Div(hundred).Mul(aov).Mul(decimal.NewFromInt(int64(m.PrepaidOrders)))
	cost := costAfter.Sub(costBefore).Round(2)

	gain := decimal.NewFromFloat(cfg.MarginPerPaidOrderUAH).Mul(decimal.NewFromInt(int64(extra)))
	return Expected{
		NetDeltaUAH:     gain.Sub(cost).Round(2),
		DiscountCostUAH: cost,
		ExtraPaidOrders: extra,
	}
}

// estimateDepositRaise treats each deposit step like one point of discount
// uplift with no discount cost.
func estimateDepositRaise(cfg Config, m Metrics, delta decimal.Decimal) Expected {
	steps, _ := delta.Div(decimal.NewFromFloat(cfg.DepositStepUAH)).Float64()
	extra := int(math.Round(float64(m.OrdersTotal) * steps * cfg.ConversionUpliftPerPct))
	return Expected{
		NetDeltaUAH:     decimal.NewFromFloat(cfg.MarginPerPaidOrderUAH).Mul(decimal.NewFromInt(int64(extra))).Round(2),
		DiscountCostUAH: decimal.Zero,
		ExtraPaidOrders: extra,
	}
}

// estimateDepositCut assumes a lower deposit recovers the prepaid orders
// declined above the ceiling.
func estimateDepositCut(cfg Config, m Metrics) Expected {
	excess := m.DeclineRate - cfg.MaxDeclineRate
	extra := int(math.Round(float64(m.PrepaidOrders) * excess))
	return Expected{
		NetDeltaUAH:     decimal.NewFromFloat(cfg.MarginPerPaidOrderUAH).Mul(decimal.NewFromInt(int64(extra))).Round(2),
		DiscountCostUAH: decimal.Zero,
		ExtraPaidOrders: extra,
	}
}
