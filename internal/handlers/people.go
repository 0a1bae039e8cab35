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

// PersonSubmitter registers people. service.Service implements it.
type PersonSubmitter interface {
	SubmitPerson(ctx context.Context, unitID string, in models.PersonInput) (idempotency.Outcome, error)
}

// PersonReader loads people. store.Store implements it.
type PersonReader interface {
	GetPerson(ctx context.Context, unitID string, id int64) (models.Person, error)
}

// RegisterPersonRoutes registers POST /people and GET /people/:id.
// Creation follows the same idempotency rules as POST /stops.
func RegisterPersonRoutes(r gin.IRoutes, svc PersonSubmitter, st PersonReader) {
	r.POST("/people", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}

		var in models.PersonInput
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

		out, err := svc.SubmitPerson(c.Request.Context(), unit, in)
		if err != nil {
			writeError(c, err)
			return
		}
		writeCreated(c, out)
	})

	r.GET("/people/:id", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}
		id, err := pathID(c, "id")
		if err != nil {
			writeError(c, err)
			return
		}

		p, err := st.GetPerson(c.Request.Context(), unit, id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, apperror.NotFound("person %d not found", id))
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})
}
