//go:build integration

package revenue

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/storeguard/internal/snapshot"
	"github.com/mbd888/storeguard/internal/testutil"
	"github.com/mbd888/storeguard/internal/workflow"
)

func TestPostgres_SuggestionLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := &Suggestion{
		ID:        "sug_pg",
		Lever:     LeverPrepaidDiscount,
		Reason:    "prepaid conversion below target",
		Proposed:  Change{Key: LeverPrepaidDiscount.Key(), From: decimal.Zero, To: decimal.NewFromInt(1)},
		Baseline:  &snapshot.Snapshot{ID: "snap-1", Ts: now, NetMarginEst: decimal.NewFromInt(10000)},
		Expected:  Expected{NetDeltaUAH: decimal.NewFromInt(500), DiscountCostUAH: decimal.NewFromInt(120), ExtraPaidOrders: 30},
		Status:    workflow.Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, s))

	got, err := store.Get(ctx, "sug_pg")
	require.NoError(t, err)
	assert.Equal(t, "500", got.Expected.NetDeltaUAH.String())
	require.NotNil(t, got.Baseline)
	assert.Equal(t, "snap-1", got.Baseline.ID)

	until := now.Add(72 * time.Hour)
	got.Status = workflow.Applied
	got.AppliedAt = &now
	got.MonitorUntil = &until
	got.PrevConfigVersion = 3
	got.Observations = []Observation{{SnapshotID: "snap-2", Ts: now, NetDeltaUAH: decimal.NewFromInt(-200), Breach: true}}
	require.NoError(t, store.Update(ctx, got, workflow.Pending))

	// A second writer still expecting PENDING loses.
	got.Status = workflow.Rejected
	assert.ErrorIs(t, store.Update(ctx, got, workflow.Pending), ErrStatusChanged)

	due, err := store.Due(ctx, until)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(3), due[0].PrevConfigVersion)
	require.Len(t, due[0].Observations, 1)
	assert.True(t, due[0].Observations[0].Breach)

	latest, err := store.LatestForLever(ctx, LeverPrepaidDiscount)
	require.NoError(t, err)
	assert.Equal(t, "sug_pg", latest.ID)

	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrSuggestionNotFound)
}
