package revenue

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/snapshot"
)

func live(discount, deposit int64) *enforcement.Config {
	c := enforcement.DefaultConfig()
	c.Values[enforcement.KeyPrepaidDiscountPct] = decimal.NewFromInt(discount)
	c.Values[enforcement.KeyMinDepositUAH] = decimal.NewFromInt(deposit)
	return c
}

func metricsFor(conv, decline float64, prepaid int) Metrics {
	return Metrics{
		PrepaidConversion: conv,
		DeclineRate:       decline,
		OrdersTotal:       1000,
		PrepaidOrders:     prepaid,
		AvgOrderValue:     decimal.NewFromInt(1200),
	}
}

func TestDecide(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name      string
		m         Metrics
		live      *enforcement.Config
		wantSkip  string
		wantLever Lever
		wantFrom  int64
		wantTo    int64
		wantNet   int64
		wantExtra int
	}{
		{name: "in band", m: metricsFor(0.60, 0.05, 600), live: live(0, 0), wantSkip: SkipInBand},
		{name: "conversion low raises discount", m: metricsFor(0.40, 0.05, 400), live: live(0, 0),
			wantLever: LeverPrepaidDiscount, wantFrom: 0, wantTo: 1, wantNet: 2640, wantExtra: 30},
		{name: "discount capped raises deposit", m: metricsFor(0.40, 0.05, 400), live: live(15, 0),
			wantLever: LeverMinDeposit, wantFrom: 0, wantTo: 50, wantNet: 7800, wantExtra: 30},
		{name: "both levers capped", m: metricsFor(0.40, 0.05, 400), live: live(15, 1000), wantSkip: SkipAtBound},
		{name: "declines lower deposit", m: metricsFor(0.60, 0.20, 400), live: live(0, 100),
			wantLever: LeverMinDeposit, wantFrom: 100, wantTo: 50, wantNet: 8320, wantExtra: 32},
		{name: "declines with no deposit", m: metricsFor(0.60, 0.20, 600), live: live(0, 0), wantSkip: SkipAtBound},
		{name: "conversion high lowers discount", m: metricsFor(0.80, 0.05, 800), live: live(5, 0),
			wantLever: LeverPrepaidDiscount, wantFrom: 5, wantTo: 4, wantNet: 3240, wantExtra: -30},
		{name: "conversion high without discount", m: metricsFor(0.80, 0.05, 800), live: live(0, 0), wantSkip: SkipInBand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, skip := Decide(cfg, tt.m, tt.live)
			if tt.wantSkip != "" {
				assert.Nil(t, plan)
				assert.Equal(t, tt.wantSkip, skip)
				return
			}
			require.NotNil(t, plan)
			assert.Empty(t, skip)
			assert.Equal(t, tt.wantLever, plan.Lever)
			assert.Equal(t, tt.wantLever.Key(), plan.Change.Key)
			assert.True(t, plan.Change.From.Equal(decimal.NewFromInt(tt.wantFrom)), "from %s", plan.Change.From)
			assert.True(t, plan.Change.To.Equal(decimal.NewFromInt(tt.wantTo)), "to %s", plan.Change.To)
			assert.True(t, plan.Expected.NetDeltaUAH.Equal(decimal.NewFromInt(tt.wantNet)),
				"net %s", plan.Expected.NetDeltaUAH)
			assert.Equal(t, tt.wantExtra, plan.Expected.ExtraPaidOrders)
			assert.NotEmpty(t, plan.Reason)
		})
	}
}

func TestEstimateDiscount_Cost(t *testing.T) {
	exp := estimateDiscount(DefaultConfig(), metricsFor(0.40, 0.05, 400), decimal.Zero, decimal.NewFromInt(1))
	// 1% of 1200 UAH on 430 prepaid orders
	assert.True(t, exp.DiscountCostUAH.Equal(decimal.NewFromInt(5160)), exp.DiscountCostUAH.String())
}

func TestAverage(t *testing.T) {
	snaps := []*snapshot.Snapshot{
		{OrdersTotal: 100, PrepaidOrders: 40, PrepaidConversion: 0.4, DeclineRate: 0.1, AvgOrderValue: decimal.NewFromInt(1000)},
		{OrdersTotal: 300, PrepaidOrders: 180, PrepaidConversion: 0.6, DeclineRate: 0.2, AvgOrderValue: decimal.NewFromInt(1400)},
		{OrdersTotal: 0},
	}
	m := Average(snaps)
	assert.InDelta(t, 0.55, m.PrepaidConversion, 1e-9)
	assert.InDelta(t, 0.175, m.DeclineRate, 1e-9)
	assert.Equal(t, 200, m.OrdersTotal)
	assert.Equal(t, 110, m.PrepaidOrders)
	assert.True(t, m.AvgOrderValue.Equal(decimal.NewFromInt(1200)))

	assert.Equal(t, Metrics{}, Average(nil))
}

func TestParseLever(t *testing.T) {
	l, err := ParseLever(" Prepaid_Discount_Pct ")
	require.NoError(t, err)
	assert.Equal(t, LeverPrepaidDiscount, l)

	_, err = ParseLever("free_shipping")
	assert.ErrorIs(t, err, ErrUnknownLever)
}
