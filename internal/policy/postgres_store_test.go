//go:build integration

package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/storeguard/internal/testutil"
	"github.com/mbd888/storeguard/internal/workflow"
)

func pendingDecision(id, key string, at time.Time) *Decision {
	return &Decision{
		ID: id, DedupeKey: key, TargetType: TargetUser, TargetID: "c-1",
		Action: "REQUIRE_PREPAID", Reason: "score 78", Severity: SeverityMedium,
		Meta: map[string]any{"score": 78}, Status: workflow.Pending, CreatedAt: at,
	}
}

func TestPostgres_ProposeDedupesPending(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Propose(ctx, pendingDecision(string(rune('a'+i)), "USER:c-1:REQUIRE_PREPAID", now))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateProposal)
	}
	assert.Equal(t, 1, ok)

	n, err := store.CountByStatus(ctx, workflow.Pending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgres_TransitionIsCompareAndSwap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.Propose(ctx, pendingDecision("dec-1", "USER:c-1:REQUIRE_PREPAID", now)))

	d, err := store.Transition(ctx, "dec-1", workflow.Pending, workflow.Approved, "ops", now)
	require.NoError(t, err)
	assert.Equal(t, workflow.Approved, d.Status)
	assert.Equal(t, "ops", d.ResolvedBy)
	assert.EqualValues(t, 78, d.Meta["score"])

	_, err = store.Transition(ctx, "dec-1", workflow.Pending, workflow.Rejected, "ops", now)
	assert.ErrorIs(t, err, ErrStatusChanged)

	_, err = store.Transition(ctx, "ghost", workflow.Pending, workflow.Approved, "ops", now)
	assert.ErrorIs(t, err, ErrDecisionNotFound)

	// Resolved keys accept a fresh proposal.
	require.NoError(t, store.Propose(ctx, pendingDecision("dec-2", "USER:c-1:REQUIRE_PREPAID", now.Add(time.Second))))
	latest, err := store.Latest(ctx, "USER:c-1:REQUIRE_PREPAID")
	require.NoError(t, err)
	assert.Equal(t, "dec-2", latest.ID)
}
