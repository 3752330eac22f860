package enforcement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/storeguard/internal/validation"
)

// Handler exposes read-only enforcement views for checkout and shipping.
type Handler struct {
	enforcer *Enforcer
}

// NewHandler creates a new enforcement handler.
func NewHandler(enforcer *Enforcer) *Handler {
	return &Handler{enforcer: enforcer}
}

// RegisterRoutes sets up enforcement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/enforcement/users/:id", validation.IDParamMiddleware("id"), h.User)
	r.GET("/enforcement/config", h.Config)
	r.GET("/enforcement/config/history", h.ConfigHistory)
}

// User handles GET /v1/enforcement/users/:id
func (h *Handler) User(c *gin.Context) {
	f, err := h.enforcer.User(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user flags"})
		return
	}
	c.JSON(http.StatusOK, f)
}

// Config handles GET /v1/enforcement/config?version=
func (h *Handler) Config(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		cfg *Config
		err error
	)
	if v := c.Query("version"); v != "" {
		version, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || version < 0 {
			validation.Respond(c, validation.ValidationErrors{{Field: "version", Message: "must be a non-negative integer"}})
			return
		}
		cfg, err = h.enforcer.ConfigVersion(ctx, version)
	} else {
		cfg, err = h.enforcer.Config(ctx)
	}
	if errors.Is(err, ErrVersionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "config version not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load config"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// ConfigHistory handles GET /v1/enforcement/config/history?limit=
func (h *Handler) ConfigHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		validation.Respond(c, validation.ValidationErrors{{Field: "limit", Message: "must be between 1 and 500"}})
		return
	}
	versions, err := h.enforcer.ConfigHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list config versions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}
