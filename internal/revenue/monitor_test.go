package revenue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/orders"
	"github.com/mbd888/storeguard/internal/snapshot"
	"github.com/mbd888/storeguard/internal/workflow"
)

// addHour writes one hour of paid orders at 260 UAH margin each. Prepaid
// orders carry discount.
func addHour(t *testing.T, src *orders.MemoryStore, at time.Time, prepaid, cod int, discount decimal.Decimal) {
	t.Helper()
	for i := 0; i < prepaid+cod; i++ {
		method, d := orders.MethodCOD, decimal.Zero
		if i < prepaid {
			method, d = orders.MethodPrepaid, discount
		}
		require.NoError(t, src.Upsert(context.Background(), &orders.Record{
			ID:         fmt.Sprintf("o-%d-%d", at.Unix(), i),
			CustomerID: fmt.Sprintf("c-%d", i),
			City:       "Kyiv",
			CreatedAt:  at,
			Method:     method,
			Paid:       true,
			Total:      decimal.NewFromInt(1200),
			Discount:   d,
			Margin:     decimal.NewFromInt(260),
		}))
	}
}

type liveRun struct {
	*harness
	src *orders.MemoryStore
	agg *snapshot.Aggregator
	sug *Suggestion
}

// applyFromSteadyHistory seeds 30 days of one prepaid and three COD orders
// per hour, snapshots at t0, proposes the discount move and applies it.
func applyFromSteadyHistory(t *testing.T) *liveRun {
	t.Helper()
	ctx := context.Background()
	h := newHarness(t)
	src := orders.NewMemoryStore()
	for k := 1; k <= 720; k++ {
		addHour(t, src, t0.Add(-time.Duration(k)*time.Hour+30*time.Minute), 1, 3, decimal.Zero)
	}
	agg := snapshot.NewAggregator(src, h.snaps, time.Hour, 30*24*time.Hour, logging.Discard()).
		WithClock(func() time.Time { return *h.clock })
	agg.Subscribe(h.engine.OnSnapshot)

	_, err := agg.RunOnce(ctx)
	require.NoError(t, err)
	res, err := h.engine.RunOptimize(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, res.Suggestion)
	assert.Equal(t, LeverPrepaidDiscount, res.Suggestion.Lever)
	assert.Equal(t, "12688", res.Suggestion.Expected.NetDeltaUAH.String())

	*h.clock = t0.Add(time.Minute)
	applied, err := h.engine.Apply(ctx, res.Suggestion.ID)
	require.NoError(t, err)
	return &liveRun{harness: h, src: src, agg: agg, sug: applied}
}

// advance adds hour n (1-based) of post-apply orders and snapshots at its end.
func (r *liveRun) advance(t *testing.T, n, prepaid int) {
	t.Helper()
	addHour(t, r.src, t0.Add(time.Duration(n-1)*time.Hour+30*time.Minute), prepaid, 3, decimal.NewFromInt(12))
	*r.clock = t0.Add(time.Duration(n) * time.Hour)
	_, err := r.agg.RunOnce(context.Background())
	require.NoError(t, err)
}

func TestMonitor_AggregatedSnapshotsValidateOnTrackSuggestion(t *testing.T) {
	ctx := context.Background()
	r := applyFromSteadyHistory(t)

	// One extra discounted prepaid order per hour: +236 UAH an hour.
	for n := 1; n <= 72; n++ {
		r.advance(t, n, 2)
	}
	got, err := r.engine.Get(ctx, r.sug.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Applied, got.Status)
	assert.Equal(t, 0, got.Breaches)
	require.Len(t, got.Observations, 72)
	last := got.Observations[71]
	assert.Equal(t, "16992", last.NetDeltaUAH.String())
	assert.Equal(t, "1268.8", last.ExpectedUAH.String())

	*r.clock = t0.Add(73 * time.Hour)
	n, err := r.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = r.engine.Get(ctx, r.sug.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Validated, got.Status)
	assert.True(t, r.liveDiscount(t).Equal(decimal.NewFromInt(1)))
}

func TestMonitor_AggregatedSnapshotsRollBackUnderperformer(t *testing.T) {
	ctx := context.Background()
	r := applyFromSteadyHistory(t)

	// No uplift, only the discount cost: -12 UAH an hour against an
	// expected +17.62. The gap passes the tolerance after hour 10.
	for n := 1; n <= 10; n++ {
		r.advance(t, n, 1)
	}
	got, err := r.engine.Get(ctx, r.sug.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Applied, got.Status)
	assert.Equal(t, 0, got.Breaches)

	r.advance(t, 11, 1)
	r.advance(t, 12, 1)
	got, err = r.engine.Get(ctx, r.sug.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Breaches)

	r.advance(t, 13, 1)
	got, err = r.engine.Get(ctx, r.sug.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RolledBack, got.Status)
	assert.Equal(t, "net_effect_below_expected", got.RollbackReason)
	assert.Equal(t, []string{"-132", "-144", "-156"}, got.RollbackDetails["observed_net_deltas"])
	assert.True(t, r.liveDiscount(t).IsZero())
}

func TestPostApplyShare(t *testing.T) {
	base := &snapshot.Snapshot{WindowStart: t0.Add(-720 * time.Hour), WindowEnd: t0}
	at := func(h int) *snapshot.Snapshot {
		end := t0.Add(time.Duration(h) * time.Hour)
		return &snapshot.Snapshot{WindowStart: end.Add(-720 * time.Hour), WindowEnd: end}
	}

	assert.InDelta(t, 0.0, postApplyShare(base, at(0)), 1e-12)
	assert.InDelta(t, 1.0/720, postApplyShare(base, at(1)), 1e-12)
	assert.InDelta(t, 0.1, postApplyShare(base, at(72)), 1e-12)
	assert.InDelta(t, 1.0, postApplyShare(base, at(1000)), 1e-12)
	assert.InDelta(t, 1.0, postApplyShare(&snapshot.Snapshot{}, &snapshot.Snapshot{Ts: t0}), 1e-12)
}
