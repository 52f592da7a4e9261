package middleware

import (
	"net/http"
	"strings"

	"gpuledger/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Auth is a simple bearer token authentication middleware. An empty expected
// key disables authentication.
func Auth(expectedAPIKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expectedAPIKey == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		authHeader = strings.TrimPrefix(authHeader, "Bearer ")

		if authHeader != expectedAPIKey {
			logger.WarnCtx(c.Request.Context(), "unauthorized request, invalid API key")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}
