package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/streamspace-dev/chatrelay/internal/apperr"
	"github.com/streamspace-dev/chatrelay/internal/config"
	"github.com/streamspace-dev/chatrelay/internal/wsrelay"
)

const contextUserIDKey = "chatrelay.userID"

// RequireAuth verifies the Authorization header with the same
// Authenticator the WebSocket upgrade path uses; both paths verify
// the identical bearer-token shape.
func RequireAuth(authr *wsrelay.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		result, err := authr.Verify(header)
		if err != nil {
			apperr.Abort(c, apperr.Auth("missing or invalid bearer token"))
			return
		}
		c.Set(contextUserIDKey, result.UserID)
		c.Next()
	}
}

// CurrentUser reads the userID RequireAuth attached to the context.
func CurrentUser(c *gin.Context) string {
	v, _ := c.Get(contextUserIDKey)
	id, _ := v.(string)
	return id
}

// RequireAdmin gates the maintenance endpoints on the configured
// admin user list.
func RequireAdmin(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.IsAdmin(CurrentUser(c)) {
			apperr.Abort(c, apperr.Forbidden("admin access required"))
			return
		}
		c.Next()
	}
}
