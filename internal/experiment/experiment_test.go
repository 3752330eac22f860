package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/storeguard/internal/orders"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

// seedCohort writes n orders for variant, the first paid of them paid.
func seedCohort(t *testing.T, store *orders.MemoryStore, expID, variant string, discountPct int64, n, paid int, at time.Time) {
	t.Helper()
	total := decimal.NewFromInt(1000)
	for i := 0; i < n; i++ {
		rec := &orders.Record{
			ID:         fmt.Sprintf("%s-%s-%d-%d", expID, variant, at.Unix(), i),
			CustomerID: fmt.Sprintf("c-%s-%d", variant, i),
			City:       "Kyiv",
			CreatedAt:  at,
			Method:     orders.MethodPrepaid,
			Paid:       i < paid,
			Declined:   i >= paid,
			Total:      total,
			Discount:   total.Mul(decimal.NewFromInt(discountPct)).Div(decimal.NewFromInt(100)),
			Margin:     decimal.NewFromInt(300),
			ExpID:      expID,
			Variant:    variant,
		}
		require.NoError(t, store.Upsert(context.Background(), rec))
	}
}

func newReporter(t *testing.T) (*Reporter, *orders.MemoryStore, *MemoryStore) {
	t.Helper()
	src := orders.NewMemoryStore()
	defs := NewMemoryStore()
	return NewReporter(src, defs).WithClock(func() time.Time { return now }), src, defs
}

func TestReport_PrepaidDiscount(t *testing.T) {
	r, src, defs := newReporter(t)
	ctx := context.Background()
	_, created, err := defs.Create(ctx, PrepaidDiscountSeed(now.Add(-30*24*time.Hour)))
	require.NoError(t, err)
	require.True(t, created)

	seedCohort(t, src, PrepaidDiscountID, "A", 0, 100, 60, now.Add(-2*24*time.Hour))
	seedCohort(t, src, PrepaidDiscountID, "B", 5, 100, 75, now.Add(-2*24*time.Hour))
	seedCohort(t, src, PrepaidDiscountID, "B", 5, 10, 10, now.Add(-20*24*time.Hour)) // outside window
	seedCohort(t, src, "other", "B", 5, 10, 10, now.Add(-time.Hour))

	rep, err := r.Report(ctx, PrepaidDiscountID, 7)
	require.NoError(t, err)

	require.Len(t, rep.Rows, 2)
	a, b := rep.Rows[0], rep.Rows[1]
	assert.Equal(t, "A", a.Variant)
	assert.Equal(t, 100, a.OrdersTotal)
	assert.Equal(t, 60, a.PaidTotal)
	assert.Equal(t, "18000", a.NetEffectUAH.String())
	assert.True(t, a.DiscountTotal.IsZero())

	assert.Equal(t, "B", b.Variant)
	assert.Equal(t, "5", b.DiscountPct.String())
	assert.Equal(t, 75, b.PaidTotal)
	assert.Equal(t, "5000", b.DiscountTotal.String())
	assert.Equal(t, "18750", b.NetEffectUAH.String())
	assert.InDelta(t, 0.75, b.PaidRate, 1e-9)

	assert.Equal(t, "B", rep.Winner.ByPaidRate)
	assert.Equal(t, "B", rep.Winner.ByNetEffect)
	assert.Equal(t, 200, rep.TotalOrders)
	assert.Equal(t, 135, rep.TotalPaid)
}

func TestReport_ReturnsExcludedFromNetEffect(t *testing.T) {
	r, src, _ := newReporter(t)
	ctx := context.Background()
	seedCohort(t, src, "exp-r", "A", 0, 10, 10, now.Add(-time.Hour))

	recs, err := src.ByExperiment(ctx, "exp-r", time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 10)
	rec := recs[0]
	rec.Returned = true
	require.NoError(t, src.Upsert(ctx, rec))

	rep, err := r.Report(ctx, "exp-r", 7)
	require.NoError(t, err)
	require.Len(t, rep.Rows, 1)
	assert.Equal(t, "2700", rep.Rows[0].NetEffectUAH.String())
	assert.InDelta(t, 0.1, rep.Rows[0].ReturnRate, 1e-9)
}

func TestReport_ReturnRateOverDeliveredOrders(t *testing.T) {
	r, src, _ := newReporter(t)
	ctx := context.Background()
	// 4 of 10 declined, so 6 delivered.
	seedCohort(t, src, "exp-d", "A", 0, 10, 6, now.Add(-time.Hour))

	recs, err := src.ByExperiment(ctx, "exp-d", time.Time{})
	require.NoError(t, err)
	returned := 0
	for _, rec := range recs {
		if rec.Paid && returned < 3 {
			rec.Returned = true
			require.NoError(t, src.Upsert(ctx, rec))
			returned++
		}
	}

	rep, err := r.Report(ctx, "exp-d", 7)
	require.NoError(t, err)
	require.Len(t, rep.Rows, 1)
	assert.InDelta(t, 0.5, rep.Rows[0].ReturnRate, 1e-9)
}

func TestReport_UndefinedExperimentInfersDiscount(t *testing.T) {
	r, src, _ := newReporter(t)
	seedCohort(t, src, "adhoc", "X", 3, 4, 2, now.Add(-time.Hour))

	rep, err := r.Report(context.Background(), "adhoc", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRangeDays, rep.RangeDays)
	require.Len(t, rep.Rows, 1)
	assert.Equal(t, "3", rep.Rows[0].DiscountPct.String())
}

func TestReport_NotFound(t *testing.T) {
	r, _, _ := newReporter(t)
	_, err := r.Report(context.Background(), "ghost", 7)
	assert.ErrorIs(t, err, ErrExperimentNotFound)
}

func TestReport_DefinedWithoutOrders(t *testing.T) {
	r, _, defs := newReporter(t)
	_, _, err := defs.Create(context.Background(), PrepaidDiscountSeed(now))
	require.NoError(t, err)

	rep, err := r.Report(context.Background(), PrepaidDiscountID, 7)
	require.NoError(t, err)
	assert.Len(t, rep.Rows, 2)
	assert.Empty(t, rep.Winner.ByPaidRate)
	assert.Empty(t, rep.Winner.ByNetEffect)
}

func TestPickWinners_TieBreaks(t *testing.T) {
	rows := []VariantRow{
		{Variant: "A", DiscountPct: decimal.NewFromInt(5), OrdersTotal: 100, PaidTotal: 70, NetEffectUAH: decimal.NewFromInt(1000)},
		{Variant: "B", DiscountPct: decimal.NewFromInt(2), OrdersTotal: 50, PaidTotal: 35, NetEffectUAH: decimal.NewFromInt(1000)},
		{Variant: "C", DiscountPct: decimal.Zero, OrdersTotal: 0},
	}
	w := pickWinners(rows)
	assert.Equal(t, "B", w.ByPaidRate, "equal paid rate goes to the cheaper variant")
	assert.Equal(t, "A", w.ByNetEffect, "equal net effect goes to the larger cohort")
}

func TestAssign_Deterministic(t *testing.T) {
	exp := PrepaidDiscountSeed(now)
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("c-%d", i)
		v := Assign(exp, id)
		assert.Equal(t, v.Name, Assign(exp, id).Name)
		assert.Equal(t, v.Name, Assign(exp, " "+id+" ").Name)
		counts[v.Name]++
	}
	assert.InDelta(t, 500, counts["A"], 100)
	assert.InDelta(t, 500, counts["B"], 100)
}

func TestExperiment_Validate(t *testing.T) {
	assert.NoError(t, PrepaidDiscountSeed(now).Validate())

	single := PrepaidDiscountSeed(now)
	single.Variants = single.Variants[:1]
	assert.ErrorIs(t, single.Validate(), ErrInvalidExperiment)

	dup := PrepaidDiscountSeed(now)
	dup.Variants[1].Name = "A"
	assert.ErrorIs(t, dup.Validate(), ErrInvalidExperiment)

	neg := PrepaidDiscountSeed(now)
	neg.Variants[1].DiscountPct = decimal.NewFromInt(-1)
	assert.ErrorIs(t, neg.Validate(), ErrInvalidExperiment)
}

func TestMemoryStore_CreateIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, created, err := s.Create(ctx, PrepaidDiscountSeed(now))
	require.NoError(t, err)
	assert.True(t, created)

	other := PrepaidDiscountSeed(now.Add(time.Hour))
	other.Name = "changed"
	second, created, err := s.Create(ctx, other)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Name, second.Name)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrExperimentNotFound)
}

func setupRouter(t *testing.T) (*gin.Engine, *orders.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r, src, defs := newReporter(t)
	h := NewHandler(defs, r)
	h.now = func() time.Time { return now }
	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"))
	return router, src
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_SeedReportAssign(t *testing.T) {
	router, src := setupRouter(t)

	w := do(router, http.MethodPost, "/v1/ab/seed/prepaid-discount", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(router, http.MethodPost, "/v1/ab/seed/prepaid-discount", "")
	require.Equal(t, http.StatusOK, w.Code)
	var seeded map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &seeded))
	assert.Equal(t, false, seeded["created"])

	w = do(router, http.MethodGet, "/v1/ab/experiments", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	seedCohort(t, src, PrepaidDiscountID, "A", 0, 100, 60, now.Add(-time.Hour))
	seedCohort(t, src, PrepaidDiscountID, "B", 5, 100, 75, now.Add(-time.Hour))

	w = do(router, http.MethodGet, "/v1/ab/report?exp_id=prepaid_discount&range_days=7", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rep struct {
		Rows   []map[string]any `json:"rows"`
		Winner Winner           `json:"winner"`
		Total  int              `json:"total_orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Len(t, rep.Rows, 2)
	assert.Equal(t, "B", rep.Winner.ByPaidRate)
	assert.Equal(t, 200, rep.Total)

	w = do(router, http.MethodGet, "/v1/ab/assign?exp_id=prepaid_discount&customer_id=c-42", "")
	require.Equal(t, http.StatusOK, w.Code)
	var a1, a2 map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a1))
	w = do(router, http.MethodGet, "/v1/ab/assign?exp_id=prepaid_discount&customer_id=c-42", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a2))
	assert.Equal(t, a1["variant"], a2["variant"])
}

func TestHandler_Errors(t *testing.T) {
	router, _ := setupRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"report missing exp", http.MethodGet, "/v1/ab/report", "", http.StatusBadRequest},
		{"report bad range", http.MethodGet, "/v1/ab/report?exp_id=x&range_days=abc", "", http.StatusBadRequest},
		{"report unknown", http.MethodGet, "/v1/ab/report?exp_id=ghost", "", http.StatusNotFound},
		{"assign missing customer", http.MethodGet, "/v1/ab/assign?exp_id=ghost", "", http.StatusBadRequest},
		{"assign unknown", http.MethodGet, "/v1/ab/assign?exp_id=ghost&customer_id=c-1", "", http.StatusNotFound},
		{"seed malformed", http.MethodPost, "/v1/ab/seed/prepaid-discount", "{", http.StatusBadRequest},
		{"seed single variant", http.MethodPost, "/v1/ab/seed/prepaid-discount", `{"variants":[{"name":"A"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}
