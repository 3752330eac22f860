package experiment

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/validation"
)

// Handler serves the ab/* endpoints.
type Handler struct {
	store    Store
	reporter *Reporter
	now      func() time.Time
}

// NewHandler creates an experiment handler.
func NewHandler(store Store, reporter *Reporter) *Handler {
	return &Handler{store: store, reporter: reporter, now: time.Now}
}

// RegisterRoutes sets up experiment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ab/experiments", h.List)
	r.GET("/ab/report", h.Report)
	r.GET("/ab/assign", h.Assign)
	r.POST("/ab/seed/prepaid-discount", h.SeedPrepaidDiscount)
}

// List handles GET /v1/ab/experiments
func (h *Handler) List(c *gin.Context) {
	exps, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list experiments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"experiments": exps, "count": len(exps)})
}

// Report handles GET /v1/ab/report?exp_id=&range_days=
func (h *Handler) Report(c *gin.Context) {
	expID := c.Query("exp_id")
	rangeDays := DefaultRangeDays
	if v := c.Query("range_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			n = -1
		}
		rangeDays = n
	}
	if errs := validation.Validate(
		validation.Required("exp_id", expID),
		validation.ValidID("exp_id", expID),
		validation.IntRange("range_days", rangeDays, 1, 365),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	rep, err := h.reporter.Report(c.Request.Context(), expID, rangeDays)
	if errors.Is(err, ErrExperimentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "experiment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to build report"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Assign handles GET /v1/ab/assign?exp_id=&customer_id=
func (h *Handler) Assign(c *gin.Context) {
	expID, customerID := c.Query("exp_id"), c.Query("customer_id")
	if errs := validation.Validate(
		validation.Required("exp_id", expID),
		validation.ValidID("exp_id", expID),
		validation.Required("customer_id", customerID),
		validation.ValidID("customer_id", customerID),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	exp, err := h.store.Get(c.Request.Context(), expID)
	if errors.Is(err, ErrExperimentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "experiment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load experiment"})
		return
	}
	if exp.Status != StatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "experiment_ended", "message": "experiment is not active"})
		return
	}
	v := Assign(exp, customerID)
	c.JSON(http.StatusOK, gin.H{
		"exp_id":       exp.ID,
		"customer_id":  customerID,
		"variant":      v.Name,
		"discount_pct": v.DiscountPct,
	})
}

type seedRequest struct {
	Variants []struct {
		Name        string  `json:"name"`
		DiscountPct float64 `json:"discount_pct"`
		Weight      int     `json:"weight"`
	} `json:"variants"`
}

// SeedPrepaidDiscount handles POST /v1/ab/seed/prepaid-discount. The body is
// optional and may replace the default variants. Seeding an existing
// experiment returns it unchanged with created=false.
func (h *Handler) SeedPrepaidDiscount(c *gin.Context) {
	var req seedRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed JSON body"})
			return
		}
	}

	exp := PrepaidDiscountSeed(h.now().UTC())
	if len(req.Variants) > 0 {
		exp.Variants = exp.Variants[:0]
		for _, v := range req.Variants {
			weight := v.Weight
			if weight == 0 {
				weight = 1
			}
			exp.Variants = append(exp.Variants, Variant{
				Name:        validation.SanitizeString(v.Name, 32),
				DiscountPct: decimal.NewFromFloat(v.DiscountPct),
				Weight:      weight,
			})
		}
	}
	if err := exp.Validate(); err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			validation.Respond(c, verrs)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	stored, created, err := h.store.Create(ctx, exp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to seed experiment"})
		return
	}
	if created {
		logging.L(ctx).Info("experiment seeded", "exp_id", stored.ID, "variants", len(stored.Variants), "actor", logging.Actor(ctx))
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"experiment": stored, "created": created})
}
