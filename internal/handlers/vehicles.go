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

// VehicleSubmitter registers vehicles. service.Service implements it.
type VehicleSubmitter interface {
	SubmitVehicle(ctx context.Context, unitID string, in models.VehicleInput) (idempotency.Outcome, error)
}

// VehicleReader loads vehicles. store.Store implements it.
type VehicleReader interface {
	GetVehicle(ctx context.Context, unitID string, id int64) (models.Vehicle, error)
}

// RegisterVehicleRoutes registers POST /vehicles and GET /vehicles/:id.
// A plate already registered by the unit is a 409.
func RegisterVehicleRoutes(r gin.IRoutes, svc VehicleSubmitter, st VehicleReader) {
	r.POST("/vehicles", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}

		var in models.VehicleInput
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

		out, err := svc.SubmitVehicle(c.Request.Context(), unit, in)
		if err != nil {
			writeError(c, err)
			return
		}
		writeCreated(c, out)
	})

	r.GET("/vehicles/:id", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}
		id, err := pathID(c, "id")
		if err != nil {
			writeError(c, err)
			return
		}

		v, err := st.GetVehicle(c.Request.Context(), unit, id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, apperror.NotFound("vehicle %d not found", id))
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	})
}
