package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/payload"
)

// BatchProcessor reconciles offline queues. reconcile.Reconciler implements it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, unitID string, items []models.SyncItem) ([]models.SyncResult, error)
}

// RegisterSyncRoutes registers the offline sync endpoint.
//
// POST /sync/batch
// - Requires X-API-Key (unit context)
// - 200 with one result per item, in request order; rejected items do not fail the batch
// - 503 when the store is unreachable or the request times out: resend the whole batch
func RegisterSyncRoutes(r gin.IRoutes, rec BatchProcessor) {
	r.POST("/sync/batch", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}

		var req models.SyncBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, payload.BindError(err))
			return
		}

		results, err := rec.ProcessBatch(c.Request.Context(), unit, req.Items)
		if err != nil {
			_ = c.Error(err)
			body := map[string]any{
				"error": map[string]any{"code": "unavailable", "message": "sync batch could not be completed, resend it"},
			}
			withRequestID(c, body)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, models.SyncBatchResponse{Results: results})
	})
}
