package handlers

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/PratikDhanave/fieldsync-service/internal/apperror"
	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/store"
)

const maxRelationshipLimit = 500

// RelationshipLister serves the relationship graph. graph.Maintainer implements it.
type RelationshipLister interface {
	Relationships(ctx context.Context, personID int64) ([]models.Relationship, error)
	Edge(ctx context.Context, a, b int64) (models.RelationshipEdge, error)
}

// RegisterRelationshipRoutes registers the serving-path endpoints of the graph.
//
// GET /relationships/person/:id?min_frequency=...&limit=...
// - Requires X-API-Key (unit context); 404 when the person is not in the unit
// - Most frequent first, then most recent, then by person id
//
// GET /relationships/pair/:a/:b
// - The edge between two people of the unit, in either order; 404 when they never met
func RegisterRelationshipRoutes(r gin.IRoutes, graph RelationshipLister, people PersonReader) {
	r.GET("/relationships/pair/:a/:b", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}
		a, err := pathID(c, "a")
		if err != nil {
			writeError(c, err)
			return
		}
		b, err := pathID(c, "b")
		if err != nil {
			writeError(c, err)
			return
		}
		if a == b {
			writeError(c, apperror.Validation("a and b must be different people"))
			return
		}
		for _, id := range []int64{a, b} {
			if err := personInUnit(c.Request.Context(), people, unit, id); err != nil {
				writeError(c, err)
				return
			}
		}

		edge, err := graph.Edge(c.Request.Context(), a, b)
		if errors.Is(err, store.ErrNotFound) {
			err = apperror.NotFound("people %d and %d never shared a stop", a, b)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, edge)
	})

	r.GET("/relationships/person/:id", func(c *gin.Context) {
		unit, ok := unitID(c)
		if !ok {
			return
		}
		personID, err := pathID(c, "id")
		if err != nil {
			writeError(c, err)
			return
		}

		minFreq, err := queryInt(c, "min_frequency", 1, 1, math.MaxInt)
		if err != nil {
			writeError(c, err)
			return
		}
		limit, err := queryInt(c, "limit", maxRelationshipLimit, 1, maxRelationshipLimit)
		if err != nil {
			writeError(c, err)
			return
		}

		if err := personInUnit(c.Request.Context(), people, unit, personID); err != nil {
			writeError(c, err)
			return
		}

		rels, err := graph.Relationships(c.Request.Context(), personID)
		if err != nil {
			writeError(c, err)
			return
		}

		// Sorted by frequency first, so filtering keeps the prefix.
		out := make([]models.Relationship, 0, len(rels))
		for _, rel := range rels {
			if rel.Frequency < minFreq || len(out) == limit {
				break
			}
			out = append(out, rel)
		}

		c.JSON(http.StatusOK, gin.H{
			"person_id":     personID,
			"relationships": out,
		})
	})
}

// personInUnit returns a not found error unless the person belongs to the unit.
func personInUnit(ctx context.Context, people PersonReader, unit string, id int64) error {
	_, err := people.GetPerson(ctx, unit, id)
	if errors.Is(err, store.ErrNotFound) {
		return apperror.NotFound("person %d not found", id)
	}
	return err
}

// queryInt parses an optional integer query parameter within [lo, hi].
func queryInt(c *gin.Context, name string, def, lo, hi int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, apperror.Validation("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}
