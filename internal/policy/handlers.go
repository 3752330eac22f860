package policy

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/validation"
	"github.com/mbd888/storeguard/internal/workflow"
)

// Handler provides HTTP endpoints for the policy dashboard.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new policy handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policy/pending", h.Pending)
	r.GET("/policy/decisions", h.Decisions)
	r.GET("/policy/history", h.History)
	r.GET("/policy/cities", h.Cities)
	r.GET("/policy/rules", h.Rules)
	r.POST("/policy/approve", h.Approve)
	r.POST("/policy/reject", h.Reject)
	r.DELETE("/policy/city/:city", validation.IDParamMiddleware("city"), h.RemoveCity)
	r.POST("/policy/run", h.Run)
}

// Pending handles GET /v1/policy/pending?limit=
func (h *Handler) Pending(c *gin.Context) {
	limit, ok := limitParam(c, 100)
	if !ok {
		return
	}
	decisions, err := h.engine.Pending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list pending decisions"})
		return
	}
	if decisions == nil {
		decisions = []*Decision{}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

// Decisions handles GET /v1/policy/decisions?limit=
func (h *Handler) Decisions(c *gin.Context) {
	limit, ok := limitParam(c, 100)
	if !ok {
		return
	}
	decisions, err := h.engine.Decisions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list decisions"})
		return
	}
	if decisions == nil {
		decisions = []*Decision{}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

// History handles GET /v1/policy/history?key=&limit=
func (h *Handler) History(c *gin.Context) {
	limit, ok := limitParam(c, 100)
	if !ok {
		return
	}
	entries, err := h.engine.History(c.Request.Context(), c.Query("key"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load history"})
		return
	}
	if entries == nil {
		entries = []*workflow.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

// Cities handles GET /v1/policy/cities
func (h *Handler) Cities(c *gin.Context) {
	cities, err := h.engine.Cities(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list city policies"})
		return
	}
	if cities == nil {
		cities = []*enforcement.CityPolicy{}
	}
	c.JSON(http.StatusOK, gin.H{"cities": cities, "count": len(cities)})
}

// Rules handles GET /v1/policy/rules
func (h *Handler) Rules(c *gin.Context) {
	rules := h.engine.Rules()
	out := make([]gin.H, 0, len(rules))
	for _, r := range rules {
		out = append(out, gin.H{"name": r.Name, "action": r.Action.Name(), "expr": r.Expr, "severity": r.Severity})
	}
	c.JSON(http.StatusOK, gin.H{"rules": out})
}

type resolveRequest struct {
	DedupeKey string `json:"dedupe_key"`
	Reason    string `json:"reason"`
}

// Approve handles POST /v1/policy/approve {dedupe_key}
func (h *Handler) Approve(c *gin.Context) {
	req, ok := bindResolve(c)
	if !ok {
		return
	}
	d, err := h.engine.Approve(c.Request.Context(), req.DedupeKey)
	if errors.Is(err, ErrEnforcementFailed) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "enforcement_failed", "message": err.Error(), "decision": d})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// Reject handles POST /v1/policy/reject {dedupe_key, reason}
func (h *Handler) Reject(c *gin.Context) {
	req, ok := bindResolve(c)
	if !ok {
		return
	}
	d, err := h.engine.Reject(c.Request.Context(), req.DedupeKey, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// RemoveCity handles DELETE /v1/policy/city/:city
func (h *Handler) RemoveCity(c *gin.Context) {
	city := c.Param("city")
	if err := h.engine.RemoveCityPolicy(c.Request.Context(), city); err != nil {
		if errors.Is(err, enforcement.ErrCityNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no policy for city"})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"city": city, "removed": true})
}

// Run handles POST /v1/policy/run?limit=
func (h *Handler) Run(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			validation.Respond(c, validation.ValidationErrors{{Field: "limit", Message: "must be between 1 and 10000"}})
			return
		}
		limit = n
	}
	res, err := h.engine.Run(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("policy run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDecisionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown dedupe_key"})
	case errors.Is(err, workflow.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, workflow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("policy request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "policy operation failed"})
	}
}

func bindResolve(c *gin.Context) (resolveRequest, bool) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "dedupe_key required"})
		return req, false
	}
	req.DedupeKey = strings.TrimSpace(req.DedupeKey)
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if errs := validation.Validate(
		validation.Required("dedupe_key", req.DedupeKey),
		validation.MaxLength("dedupe_key", req.DedupeKey, 300),
	); errs != nil {
		validation.Respond(c, errs)
		return req, false
	}
	return req, true
}

func limitParam(c *gin.Context, def int) (int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit < 1 || limit > 1000 {
		validation.Respond(c, validation.ValidationErrors{{Field: "limit", Message: "must be between 1 and 1000"}})
		return 0, false
	}
	return limit, true
}
