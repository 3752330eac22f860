//go:build integration

package enforcement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/storeguard/internal/testutil"
)

func TestPostgres_ConfigCompareAndSwap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	cur, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur.Version)

	next := cur.clone()
	next.Values[KeyPrepaidDiscountPct] = decimal.NewFromInt(2)
	next.UpdatedAt = time.Now().UTC()
	v1, err := store.CompareAndSwap(ctx, 0, next)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)

	_, err = store.CompareAndSwap(ctx, 0, next)
	assert.ErrorIs(t, err, ErrVersionConflict)

	cur, err = store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", cur.Value(KeyPrepaidDiscountPct).String())
}

func TestPostgres_CityPolicies(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.PutCity(ctx, &CityPolicy{City: "Lviv", RequirePrepaid: true, Reason: "returns", UpdatedAt: time.Now().UTC()}))
	cities, err := store.ListCities(ctx)
	require.NoError(t, err)
	require.Len(t, cities, 1)

	require.NoError(t, store.DeleteCity(ctx, "Lviv"))
	assert.ErrorIs(t, store.DeleteCity(ctx, "Lviv"), ErrCityNotFound)
}
