package risk

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/validation"
)

// Handler provides HTTP endpoints for the risk center.
type Handler struct {
	scorer *Scorer
}

// NewHandler creates a new risk handler.
func NewHandler(scorer *Scorer) *Handler {
	return &Handler{scorer: scorer}
}

// RegisterRoutes sets up risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/summary", h.Summary)
	r.GET("/risk/customers", h.List)

	ids := r.Group("", validation.IDParamMiddleware("id"))
	ids.GET("/risk/customers/:id", h.Get)
	ids.POST("/risk/recalc/:id", h.Recalculate)
	ids.POST("/risk/override/:id", h.Override)
	ids.DELETE("/risk/override/:id", h.ClearOverride)

	r.POST("/risk/recalc-all", h.RecalculateAll)
}

// Summary handles GET /v1/risk/summary
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.scorer.Summary(c.Request.Context(), 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to build risk summary"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// List handles GET /v1/risk/customers?limit=&band=&min_score=
func (h *Handler) List(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	minScore := queryInt(c, "min_score", 0)
	band := Band(strings.ToUpper(c.Query("band")))

	if errs := validation.Validate(
		validation.IntRange("limit", limit, 1, 1000),
		validation.IntRange("min_score", minScore, 0, 100),
	); errs != nil {
		validation.Respond(c, errs)
		return
	}
	if band != "" && band != BandLow && band != BandWatch && band != BandRisk {
		validation.Respond(c, validation.ValidationErrors{{Field: "band", Message: "must be one of LOW, WATCH, RISK"}})
		return
	}

	profiles, err := h.scorer.List(c.Request.Context(), ListOptions{Limit: limit, Band: band, MinScore: minScore})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list profiles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": profiles, "count": len(profiles)})
}

// Get handles GET /v1/risk/customers/:id
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.scorer.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	history, err := h.scorer.History(ctx, p.SubjectID, queryInt(c, "history", 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load reason history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p, "history": history})
}

// Recalculate handles POST /v1/risk/recalc/:id
func (h *Handler) Recalculate(c *gin.Context) {
	p, err := h.scorer.Recalculate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// RecalculateAll handles POST /v1/risk/recalc-all?limit=
func (h *Handler) RecalculateAll(c *gin.Context) {
	limit := queryInt(c, "limit", 500)
	if errs := validation.Validate(validation.IntRange("limit", limit, 1, 10000)); errs != nil {
		validation.Respond(c, errs)
		return
	}
	res, err := h.scorer.RecalculateAll(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("risk batch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Override handles POST /v1/risk/override/:id
func (h *Handler) Override(c *gin.Context) {
	var req struct {
		Score  *int   `json:"score"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Score == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "score and reason required"})
		return
	}
	p, err := h.scorer.Override(c.Request.Context(), c.Param("id"), *req.Score, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// ClearOverride handles DELETE /v1/risk/override/:id
func (h *Handler) ClearOverride(c *gin.Context) {
	p, err := h.scorer.ClearOverride(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var verr validation.ValidationErrors
	switch {
	case errors.As(err, &verr):
		validation.Respond(c, verr)
	case errors.Is(err, ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown subject"})
	case errors.Is(err, ErrNoOverride):
		c.JSON(http.StatusConflict, gin.H{"error": "no_override", "message": "no override is set"})
	default:
		logging.L(c.Request.Context()).Error("risk request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "risk operation failed"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
