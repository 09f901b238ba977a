package server

import (
	"net/http"

	"chat-realtime/internal/auth"

	"github.com/gin-gonic/gin"
)

// WSAuth authenticates websocket upgrades via a token query parameter. The
// identity must be established before the connection is upgraded.
func WSAuth(resolver *auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
			return
		}

		userID, err := resolver.Resolve(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}
