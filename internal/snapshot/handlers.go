package snapshot

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes snapshot history and on-demand aggregation.
type Handler struct {
	agg   *Aggregator
	store Store
}

// NewHandler creates a snapshot handler.
func NewHandler(agg *Aggregator, store Store) *Handler {
	return &Handler{agg: agg, store: store}
}

// RegisterRoutes sets up snapshot routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/revenue/snapshots", h.List)
	r.GET("/revenue/snapshots/latest", h.Latest)
	r.POST("/revenue/snapshots/run", h.Run)
}

// List handles GET /v1/revenue/snapshots?limit=
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "24"))
	if limit <= 0 || limit > 1000 {
		limit = 24
	}
	snaps, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list snapshots"})
		return
	}
	if snaps == nil {
		snaps = []*Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

// Latest handles GET /v1/revenue/snapshots/latest
func (h *Handler) Latest(c *gin.Context) {
	s, err := h.store.Latest(c.Request.Context())
	if errors.Is(err, ErrNoSnapshot) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no snapshot computed yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load snapshot"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": s})
}

// Run handles POST /v1/revenue/snapshots/run. An unavailable order source
// is reported as skipped with the previous snapshot, not as a failure.
func (h *Handler) Run(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.agg.RunOnce(ctx)
	if err != nil {
		var uerr *UpstreamError
		if !errors.As(err, &uerr) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "run_failed", "message": err.Error()})
			return
		}
		prev, _ := h.store.Latest(ctx)
		c.JSON(http.StatusOK, gin.H{"skipped": "upstream_unavailable", "snapshot": prev})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": s})
}
