package orders

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/validation"
)

// maxBatch bounds a single ingestion request.
const maxBatch = 500

// Handler exposes order ingestion for environments without Kafka.
type Handler struct {
	ingestor *Ingestor
	store    Store
}

// NewHandler creates an orders handler.
func NewHandler(ingestor *Ingestor, store Store) *Handler {
	return &Handler{ingestor: ingestor, store: store}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/events", h.Ingest)
	r.GET("/orders/:id", h.Get)
}

// Ingest handles POST /v1/orders/events. The body is one record or an array.
func (h *Handler) Ingest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "could not read body"})
		return
	}

	var batch []*Record
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &batch)
	} else {
		var r Record
		err = json.Unmarshal(trimmed, &r)
		batch = []*Record{&r}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be an order event or an array of them"})
		return
	}
	if len(batch) > maxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "too many events in one request"})
		return
	}

	ctx := c.Request.Context()
	accepted := 0
	var rejected []gin.H
	for i, r := range batch {
		if err := h.ingestor.Ingest(ctx, "http", r); err != nil {
			var verr validation.ValidationErrors
			if !errors.As(err, &verr) {
				logging.L(ctx).Error("order ingestion failed", "order_id", r.ID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to store order events", "accepted": accepted})
				return
			}
			rejected = append(rejected, gin.H{"index": i, "order_id": r.ID, "errors": verr})
			continue
		}
		accepted++
	}

	status := http.StatusAccepted
	if accepted == 0 && len(rejected) > 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"accepted": accepted, "rejected": rejected})
}

// Get handles GET /v1/orders/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load order"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": r})
}
