package revenue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/validation"
	"github.com/mbd888/storeguard/internal/workflow"
)

// Handler provides HTTP endpoints for revenue control.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new revenue handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up revenue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/revenue/settings", h.Settings)
	r.GET("/revenue/config", h.Config)
	r.PATCH("/revenue/config", h.UpdateConfig)
	r.GET("/revenue/suggestions", h.List)
	r.POST("/revenue/optimize/run", h.RunOptimize)

	ids := r.Group("", validation.IDParamMiddleware("id"))
	ids.GET("/revenue/suggestions/:id", h.Get)
	ids.GET("/revenue/suggestions/:id/history", h.History)
	ids.POST("/revenue/suggestions/:id/approve", h.Approve)
	ids.POST("/revenue/suggestions/:id/apply", h.Apply)
	ids.POST("/revenue/suggestions/:id/reject", h.Reject)
}

// Settings handles GET /v1/revenue/settings
func (h *Handler) Settings(c *gin.Context) {
	cfg := h.engine.Settings()
	live, err := h.engine.Config(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load config"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"targets": gin.H{
			"prepaid_conversion_min": cfg.TargetPrepaidConversion,
			"decline_rate_max":       cfg.MaxDeclineRate,
			"conversion_slack":       cfg.ConversionSlack,
		},
		"levers": gin.H{
			string(LeverPrepaidDiscount): gin.H{"step": cfg.DiscountStepPct, "min": 0, "max": cfg.DiscountMaxPct},
			string(LeverMinDeposit):      gin.H{"step": cfg.DepositStepUAH, "min": 0, "max": cfg.DepositMaxUAH},
		},
		"monitoring": gin.H{
			"cooldown_hours":       cfg.Cooldown.Hours(),
			"monitor_window_hours": cfg.MonitorWindow.Hours(),
			"tolerance_uah":        cfg.RollbackToleranceUAH,
			"breaches_to_rollback": cfg.BreachesToRollback,
		},
		"config": live,
	})
}

// Config handles GET /v1/revenue/config
func (h *Handler) Config(c *gin.Context) {
	live, err := h.engine.Config(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load config"})
		return
	}
	c.JSON(http.StatusOK, live)
}

// UpdateConfig handles PATCH /v1/revenue/config
//
// The body maps config keys to values. Optional "version" makes the write
// conditional on that version still being live; optional "reason" is kept
// on the new version.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a JSON object"})
		return
	}

	expect := int64(-1)
	reason := ""
	changes := make(map[string]decimal.Decimal)
	var errs validation.ValidationErrors
	for k, raw := range body {
		switch k {
		case "version":
			if err := json.Unmarshal(raw, &expect); err != nil || expect < 0 {
				errs = append(errs, validation.ValidationError{Field: k, Message: "must be a non-negative integer"})
			}
		case "reason":
			if err := json.Unmarshal(raw, &reason); err != nil {
				errs = append(errs, validation.ValidationError{Field: k, Message: "must be a string"})
			}
		default:
			var v decimal.Decimal
			if err := json.Unmarshal(raw, &v); err != nil {
				errs = append(errs, validation.ValidationError{Field: k, Message: "must be a number"})
				continue
			}
			changes[k] = v
		}
	}
	errs = append(errs, h.checkBounds(changes)...)
	if len(changes) == 0 && len(errs) == 0 {
		errs = append(errs, validation.ValidationError{Field: "body", Message: "no config keys to change"})
	}
	if len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	cfg, err := h.engine.UpdateConfig(c.Request.Context(), expect,
		changes, validation.SanitizeString(reason, validation.MaxStringLength))
	switch {
	case errors.Is(err, enforcement.ErrUnknownKey):
		validation.Respond(c, validation.ValidationErrors{{Field: "body", Message: err.Error()}})
	case errors.Is(err, enforcement.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "version_conflict", "message": "config changed since the given version"})
	case err != nil:
		logging.L(c.Request.Context()).Error("config update failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update config"})
	default:
		c.JSON(http.StatusOK, cfg)
	}
}

func (h *Handler) checkBounds(changes map[string]decimal.Decimal) validation.ValidationErrors {
	cfg := h.engine.Settings()
	bounds := map[string]float64{
		LeverPrepaidDiscount.Key(): cfg.DiscountMaxPct,
		LeverMinDeposit.Key():      cfg.DepositMaxUAH,
	}
	var errs validation.ValidationErrors
	for k, v := range changes {
		limit, ok := bounds[k]
		if !ok {
			continue
		}
		f, _ := v.Float64()
		if err := validation.FloatRange(k, f, 0, limit)(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// List handles GET /v1/revenue/suggestions?limit=&status=
func (h *Handler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		validation.Respond(c, validation.ValidationErrors{{Field: "limit", Message: "must be between 1 and 1000"}})
		return
	}
	status := workflow.State(strings.ToUpper(c.Query("status")))
	if status != "" {
		if errs := validation.Validate(validation.OneOf("status", string(status),
			string(workflow.Pending), string(workflow.Approved), string(workflow.Applied),
			string(workflow.Validated), string(workflow.Rejected), string(workflow.RolledBack),
		)); errs != nil {
			validation.Respond(c, errs)
			return
		}
	}
	list, err := h.engine.List(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list suggestions"})
		return
	}
	if list == nil {
		list = []*Suggestion{}
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": list, "count": len(list)})
}

// Get handles GET /v1/revenue/suggestions/:id
func (h *Handler) Get(c *gin.Context) {
	s, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": s})
}

// History handles GET /v1/revenue/suggestions/:id/history
func (h *Handler) History(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.engine.Get(ctx, id); err != nil {
		h.writeError(c, err)
		return
	}
	entries, err := h.engine.History(ctx, id, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

// RunOptimize handles POST /v1/revenue/optimize/run
//
// A run that finds nothing to do answers 200 with "skipped"; only an engine
// failure is an error.
func (h *Handler) RunOptimize(c *gin.Context) {
	var req struct {
		RangeDays int `json:"range_days"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "range_days must be an integer"})
			return
		}
	}
	if req.RangeDays == 0 {
		req.RangeDays = DefaultRangeDays
	}
	if errs := validation.Validate(validation.IntRange("range_days", req.RangeDays, 1, 90)); errs != nil {
		validation.Respond(c, errs)
		return
	}

	res, err := h.engine.RunOptimize(c.Request.Context(), req.RangeDays)
	if err != nil {
		logging.L(c.Request.Context()).Error("revenue optimizer failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Approve handles POST /v1/revenue/suggestions/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	s, err := h.engine.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": s})
}

// Apply handles POST /v1/revenue/suggestions/:id/apply
func (h *Handler) Apply(c *gin.Context) {
	s, err := h.engine.Apply(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrApplyFailed) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "apply_failed", "message": err.Error(), "suggestion": s})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": s})
}

// Reject handles POST /v1/revenue/suggestions/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
			return
		}
	}
	s, err := h.engine.Reject(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": s})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSuggestionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown suggestion"})
	case errors.Is(err, workflow.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, workflow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("revenue request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "revenue operation failed"})
	}
}
