package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// unitCtxKey is the Gin context key used to store the authenticated unit ID.
const unitCtxKey = "unit_id"

// APIKeyMiddleware scopes every request to a patrol unit by mapping X-API-Key → unitID.
// Devices of a unit share its key; people, vehicles and stops are unit-scoped.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		unitID, ok := keys[apiKey]
		if !ok || apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "missing or invalid X-API-Key"},
			})
			return
		}
		c.Set(unitCtxKey, unitID)
		c.Next()
	}
}

// UnitID returns the authenticated unit ID from the request context.
func UnitID(c *gin.Context) string {
	return c.GetString(unitCtxKey)
}
