// Package middleware holds the gin middleware shared by the HTTP surface.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/amoura-app/backend/internal/auth"
	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/models"
)

const userContextKey = "currentUser"

// RequireAuth verifies the bearer token and stores the resolved user on
// the request context. Requests without a valid token never reach the
// handler.
func RequireAuth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			header := c.GetHeader("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				token = strings.TrimPrefix(header, "Bearer ")
			}
		}

		user, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			appErr, ok := apperrors.As(err)
			if !ok {
				appErr = apperrors.Unauthenticated("Authentication failed")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": appErr})
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// CurrentUser returns the authenticated user set by RequireAuth
func CurrentUser(c *gin.Context) (*models.User, bool) {
	value, exists := c.Get(userContextKey)
	if !exists {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok
}
