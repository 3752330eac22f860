//go:build integration

package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/storeguard/internal/testutil"
)

func TestPostgres_UpsertReplacesOutcome(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	r := &Record{
		ID: "o-1", CustomerID: "c-1", City: "Kyiv", CreatedAt: at, Method: MethodCOD,
		Total: decimal.NewFromInt(1200), Margin: decimal.NewFromInt(260),
	}
	require.NoError(t, store.Upsert(ctx, r))

	// A later shipping event marks the refusal.
	r.CODRefused = true
	require.NoError(t, store.Upsert(ctx, r))

	got, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, got.CODRefused)
	assert.True(t, got.Total.Equal(decimal.NewFromInt(1200)))
	assert.True(t, got.CreatedAt.Equal(at))

	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgres_Queries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, r := range []*Record{
		{ID: "o-1", CustomerID: "c-1", City: "Kyiv", CreatedAt: now.Add(-3 * time.Hour), Method: MethodPrepaid, Paid: true, ExpID: "prepaid_discount", Variant: "A"},
		{ID: "o-2", CustomerID: "c-2", City: "Lviv", CreatedAt: now.Add(-2 * time.Hour), Method: MethodCOD},
		{ID: "o-3", CustomerID: "c-1", City: "Kyiv", CreatedAt: now.Add(-time.Hour), Method: MethodPrepaid, ExpID: "prepaid_discount", Variant: "B"},
	} {
		require.NoError(t, store.Upsert(ctx, r))
	}

	window, err := store.Window(ctx, now.Add(-150*time.Minute), now)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "o-2", window[0].ID)

	byCustomer, err := store.ByCustomer(ctx, "c-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, byCustomer, 2)

	byExp, err := store.ByExperiment(ctx, "prepaid_discount", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, byExp, 2)
	assert.Equal(t, "A", byExp[0].Variant)

	customers, err := store.Customers(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1", "c-2"}, customers)

	n, err := store.CountCustomers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
