package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"portfolio-session-server/internal/auth"
)

const (
	clientIDContextKey = "clientID"
	apiKeyHeader       = "X-API-Key"
)

func ClientIDFromContext(c *gin.Context) (string, bool) {
	clientID, ok := c.Get(clientIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := clientID.(string)
	return value, ok && value != ""
}

// RequireAPIKey admits requests carrying the API key in X-API-Key, or a
// bearer credential that is either the key itself or a token signed with it.
func RequireAPIKey(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader(apiKeyHeader)
		if credential == "" {
			parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				credential = strings.TrimSpace(parts[1])
			}
		}

		clientID, ok := auth.Authenticate(credential, cfg)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(clientIDContextKey, clientID)
		c.Next()
	}
}
