package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/fieldsync-service/internal/apperror"
	"github.com/PratikDhanave/fieldsync-service/internal/auth"
	"github.com/PratikDhanave/fieldsync-service/internal/idempotency"
	"github.com/PratikDhanave/fieldsync-service/internal/logging"
	"github.com/PratikDhanave/fieldsync-service/internal/models"
	"github.com/PratikDhanave/fieldsync-service/internal/payload"
)

// IdempotencyKeyHeader lets online clients retry a create safely.
const IdempotencyKeyHeader = "Idempotency-Key"

// writeError renders err as {"error": {"code", "message"}}. Internal errors are
// attached to the gin context so the request logger records them, and the
// body carries the request id to quote when reporting the failure.
func writeError(c *gin.Context, err error) {
	status, body := apperror.ToHTTP(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		withRequestID(c, body)
	}
	c.AbortWithStatusJSON(status, body)
}

// withRequestID adds the request id to the "error" object of body.
func withRequestID(c *gin.Context, body map[string]any) {
	id := logging.RequestID(c)
	if id == "" {
		return
	}
	if e, ok := body["error"].(map[string]any); ok {
		e["request_id"] = id
	}
}

// unitID returns the authenticated unit or writes 401.
func unitID(c *gin.Context) (string, bool) {
	id := auth.UnitID(c)
	if id == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": "unauthorized", "message": "unauthorized"},
		})
		return "", false
	}
	return id, true
}

// pathID parses a positive int64 path parameter.
func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation("%s must be a positive integer", name)
	}
	return id, nil
}

// decodeBody reads the request body into dst with the same rules the sync queue uses.
func decodeBody(c *gin.Context, dst any) error {
	raw, err := c.GetRawData()
	if err != nil {
		return apperror.Validation("unreadable body").WithInternal(err)
	}
	return payload.Decode(raw, dst)
}

// idempotencyKey applies the key precedence of the create endpoints:
// 1) Idempotency-Key header (recommended for retries)
// 2) client_key in the payload
// 3) none: every call creates a new entity
func idempotencyKey(c *gin.Context, bodyKey string) (string, error) {
	raw := c.GetHeader(IdempotencyKeyHeader)
	if strings.TrimSpace(raw) == "" {
		raw = bodyKey
	}
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return idempotency.NormalizeKey(raw)
}

// writeCreated answers 201 for new entities and 200 for replays (idempotent success).
func writeCreated(c *gin.Context, out idempotency.Outcome) {
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, models.CreateResponse{
		ID:        out.Ref.ID,
		Type:      out.Ref.Type,
		Duplicate: out.Replayed,
	})
}
