package revenue

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(e *Engine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(e).RegisterRoutes(r.Group("/v1"))
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_OptimizeApplyFlow(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h.engine)

	w := do(r, "POST", "/v1/revenue/optimize/run", `{"range_days":7}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"skipped":"no_snapshot"`)

	h.putSnapshot(t, t0.Add(-time.Hour), 0.40, 10000)
	w = do(r, "POST", "/v1/revenue/optimize/run", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Suggestion *Suggestion `json:"suggestion"`
		Skipped    string      `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.Suggestion)
	assert.Empty(t, res.Skipped)
	id := res.Suggestion.ID

	w = do(r, "POST", "/v1/revenue/optimize/run", `{"range_days":7}`)
	assert.Contains(t, w.Body.String(), `"skipped":"cooldown"`)

	w = do(r, "POST", "/v1/revenue/suggestions/"+id+"/apply", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"APPLIED"`)

	w = do(r, "POST", "/v1/revenue/suggestions/"+id+"/apply", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_resolved")

	w = do(r, "POST", "/v1/revenue/suggestions/"+id+"/reject", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, "GET", "/v1/revenue/suggestions/"+id+"/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = do(r, "GET", "/v1/revenue/suggestions?status=applied", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, "GET", "/v1/revenue/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"prepaid_discount_pct":"1"`)
	assert.Contains(t, w.Body.String(), `"version":1`)
}

func TestHandler_Errors(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h.engine)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown suggestion", "GET", "/v1/revenue/suggestions/sug_nope", "", http.StatusNotFound},
		{"apply unknown", "POST", "/v1/revenue/suggestions/sug_nope/apply", "", http.StatusNotFound},
		{"range too large", "POST", "/v1/revenue/optimize/run", `{"range_days":365}`, http.StatusBadRequest},
		{"range not a number", "POST", "/v1/revenue/optimize/run", `{"range_days":"week"}`, http.StatusBadRequest},
		{"bad status filter", "GET", "/v1/revenue/suggestions?status=DONE", "", http.StatusBadRequest},
		{"bad limit", "GET", "/v1/revenue/suggestions?limit=0", "", http.StatusBadRequest},
		{"empty patch", "PATCH", "/v1/revenue/config", `{}`, http.StatusBadRequest},
		{"unknown key", "PATCH", "/v1/revenue/config", `{"free_shipping":1}`, http.StatusBadRequest},
		{"out of bounds", "PATCH", "/v1/revenue/config", `{"prepaid_discount_pct":40}`, http.StatusBadRequest},
		{"negative deposit", "PATCH", "/v1/revenue/config", `{"min_deposit_uah":-5}`, http.StatusBadRequest},
		{"stale version", "PATCH", "/v1/revenue/config", `{"version":3,"min_deposit_uah":100}`, http.StatusConflict},
		{"settings", "GET", "/v1/revenue/settings", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_PatchConfig(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(h.engine)

	w := do(r, "PATCH", "/v1/revenue/config", `{"version":0,"min_deposit_uah":"150","reason":"courier costs"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"min_deposit_uah":"150"`)
	assert.Contains(t, w.Body.String(), `"reason":"courier costs"`)

	w = do(r, "PATCH", "/v1/revenue/config", `{"version":0,"min_deposit_uah":200}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, "PATCH", "/v1/revenue/config", `{"min_deposit_uah":200}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":2`)
}
