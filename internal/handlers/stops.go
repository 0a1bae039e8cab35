package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/PratikDhanave/fieldsync-service/internal/apperror"
	"github.com/PratikDhanave/fieldsync-service/internal/idempotency"
	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

// StopSubmitter records stops. service.Service implements it.
type StopSubmitter interface {
	SubmitStop(ctx context.Context, unitID string, in models.StopInput, origin string) (idempotency.Outcome, error)
}

// StopReader loads stops. store.Store implements it.
type StopReader interface {
	GetStop(ctx context.Context, unitID string, id int64) (models.Stop, error)
}

// RegisterStopRoutes registers the online stop endpoints.
//
// POST /stops
// - Requires X-API-Key (unit context)
// - Durable: returns success only after the stop and its relationship updates commit
// - Idempotent when keyed: Idempotency-Key header or client_key; 201 new, 200 duplicate
//
// GET /stops/:id
// - Returns the stop with its people and vehicles; 404 outside the unit
func RegisterStopRoutes(r gin.IRoutes, svc StopSubmitter, st StopReader) {
	r.POST("/stops", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}

		var in models.StopInput
		if err := decodeBody(c, &in); err != nil {
			writeError(c, err)
			return
		}
		key, err := idempotencyKey(c, in.ClientKey)
		if err != nil {
			writeError(c, err)
			return
		}
		in.ClientKey = key

		out, err := svc.SubmitStop(c.Request.Context(), unit, in, models.OriginOnline)
		if err != nil {
			writeError(c, err)
			return
		}
		writeCreated(c, out)
	})

	r.GET("/stops/:id", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}
		id, err := pathID(c, "id")
		if err != nil {
			writeError(c, err)
			return
		}

		stop, err := st.GetStop(c.Request.Context(), unit, id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, apperror.NotFound("stop %d not found", id))
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stop)
	})
}
