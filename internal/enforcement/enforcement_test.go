package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/storeguard/internal/circuitbreaker"
	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/retry"
)

type recordingPublisher struct {
	mu      sync.Mutex
	users   []string
	cities  []string
	removed []string
	configs []int64
	fail    error
	calls   int
}

func (p *recordingPublisher) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *recordingPublisher) userCalls() (int, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, append([]string(nil), p.users...)
}

func (p *recordingPublisher) PublishUser(_ context.Context, f *UserFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return p.fail
	}
	p.users = append(p.users, f.SubjectID)
	return nil
}

func (p *recordingPublisher) PublishCity(_ context.Context, c *CityPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.cities = append(p.cities, c.City)
	return nil
}

func (p *recordingPublisher) RemoveCity(_ context.Context, city string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, city)
	return nil
}

func (p *recordingPublisher) PublishConfig(_ context.Context, c *Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.configs = append(p.configs, c.Version)
	return nil
}

func newEnforcer() (*Enforcer, *recordingPublisher) {
	pub := &recordingPublisher{}
	store := NewMemoryStore()
	e := NewEnforcer(store, store, logging.Discard()).
		WithPublisher(pub).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })
	return e, pub
}

func TestEnforcer_UserFlags(t *testing.T) {
	ctx := context.Background()
	e, pub := newEnforcer()

	f, err := e.User(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, f.RequirePrepaid)

	require.NoError(t, e.RequirePrepaid(ctx, "c-1", "score 78", "USER:c-1:REQUIRE_PREPAID"))
	require.NoError(t, e.BlockCOD(ctx, "c-1", "score 95", "USER:c-1:BLOCK_COD"))

	f, err = e.User(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, f.RequirePrepaid)
	assert.True(t, f.BlockCOD)
	assert.Equal(t, "USER:c-1:BLOCK_COD", f.DecisionKey)
	assert.Equal(t, []string{"c-1", "c-1"}, pub.users)
}

func TestEnforcer_RestoreUser(t *testing.T) {
	ctx := context.Background()
	e, pub := newEnforcer()

	require.NoError(t, e.BlockCOD(ctx, "c-1", "score 95", "USER:c-1:BLOCK_COD"))
	prev, err := e.User(ctx, "c-1")
	require.NoError(t, err)
	require.NoError(t, e.RequirePrepaid(ctx, "c-1", "score 78", "USER:c-1:REQUIRE_PREPAID"))

	require.NoError(t, e.RestoreUser(ctx, prev))
	f, err := e.User(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, f.RequirePrepaid)
	assert.True(t, f.BlockCOD)
	assert.Equal(t, "USER:c-1:BLOCK_COD", f.DecisionKey)
	assert.Len(t, pub.users, 3)
}

func TestEnforcer_CityPolicy(t *testing.T) {
	ctx := context.Background()
	e, pub := newEnforcer()

	require.NoError(t, e.SetCityPolicy(ctx, &CityPolicy{City: "Lviv", RequirePrepaid: true, Reason: "return rate 41%"}))
	cities, err := e.Cities(ctx)
	require.NoError(t, err)
	require.Len(t, cities, 1)
	assert.False(t, cities[0].UpdatedAt.IsZero())

	require.NoError(t, e.RemoveCityPolicy(ctx, "Lviv"))
	assert.ErrorIs(t, e.RemoveCityPolicy(ctx, "Lviv"), ErrCityNotFound)
	assert.Equal(t, []string{"Lviv"}, pub.cities)
	assert.Equal(t, []string{"Lviv"}, pub.removed)
}

func TestEnforcer_UpdateConfigVersioned(t *testing.T) {
	ctx := logging.WithActor(context.Background(), "ops")
	e, pub := newEnforcer()

	v0, err := e.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v0.Version)

	v1, err := e.UpdateConfig(ctx, 0, map[string]decimal.Decimal{KeyPrepaidDiscountPct: decimal.NewFromInt(5)}, "launch")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)
	assert.Equal(t, "ops", v1.UpdatedBy)

	_, err = e.UpdateConfig(ctx, 0, map[string]decimal.Decimal{KeyMinDepositUAH: decimal.NewFromInt(100)}, "stale")
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = e.UpdateConfig(ctx, 1, map[string]decimal.Decimal{"free_shipping": decimal.NewFromInt(1)}, "")
	assert.ErrorIs(t, err, ErrUnknownKey)

	old, err := e.ConfigVersion(ctx, 1)
	require.NoError(t, err)
	assert.True(t, old.Value(KeyPrepaidDiscountPct).Equal(decimal.NewFromInt(5)))
	_, err = e.ConfigVersion(ctx, 9)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	assert.Equal(t, []int64{1}, pub.configs)
}

func TestEnforcer_SetConfigValueIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEnforcer()

	c, err := e.SetConfigValue(ctx, KeyMinDepositUAH, decimal.NewFromInt(150), "raise deposit")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version)

	again, err := e.SetConfigValue(ctx, KeyMinDepositUAH, decimal.NewFromInt(150), "raise deposit")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Version)

	history, err := e.ConfigHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEnforcer_ConcurrentConfigWritersSerialise(t *testing.T) {
	ctx := context.Background()
	e, _ := newEnforcer()

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_, err := e.SetConfigValue(ctx, KeyMinDepositUAH, decimal.NewFromInt(v*50), "load")
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	cur, err := e.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cur.Version)
}

func TestEnforcer_MirrorFailureDoesNotFailWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip retry backoff
	e, pub := newEnforcer()
	pub.setFail(errors.New("redis down"))

	require.NoError(t, e.RequirePrepaid(ctx, "c-2", "manual", ""))
	f, err := e.User(context.Background(), "c-2")
	require.NoError(t, err)
	assert.True(t, f.RequirePrepaid)
}

func TestEnforcer_MirrorCircuit(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	e, pub := newEnforcer()
	e.WithRetry(retry.Policy{Attempts: 1}).
		WithBreaker(circuitbreaker.New(2, time.Minute).WithClock(clock))
	pub.setFail(errors.New("redis down"))

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		require.NoError(t, e.RequirePrepaid(ctx, id, "score 80", ""))
	}
	calls, _ := pub.userCalls()
	assert.Equal(t, 2, calls, "third publish skipped while circuit is open")
	assert.Equal(t, 3, e.MissedUsers())

	pub.setFail(nil)
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	// The probe succeeds, closes the circuit and triggers a republish.
	require.NoError(t, e.RequirePrepaid(ctx, "c-4", "score 82", ""))
	assert.Eventually(t, func() bool { return e.MissedUsers() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, users := pub.userCalls()
	assert.ElementsMatch(t, []string{"c-4", "c-1", "c-2", "c-3"}, users)
}

func TestHandler_Views(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e, _ := newEnforcer()
	ctx := context.Background()
	require.NoError(t, e.RequirePrepaid(ctx, "c-9", "score 81", "USER:c-9:REQUIRE_PREPAID"))
	_, err := e.UpdateConfig(ctx, 0, map[string]decimal.Decimal{KeyPrepaidDiscountPct: decimal.NewFromInt(3)}, "")
	require.NoError(t, err)

	r := gin.New()
	NewHandler(e).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/enforcement/users/c-9", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var f UserFlags
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &f))
	assert.True(t, f.RequirePrepaid)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/enforcement/config", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":1`)
	assert.Contains(t, w.Body.String(), `"prepaid_discount_pct":"3"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/enforcement/config?version=0", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":0`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/enforcement/config?version=7", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/enforcement/config?version=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
