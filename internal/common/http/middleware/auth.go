package middleware

import (
	"context"
	"strings"

	"contestjudge/internal/common/auth"
	pkgerrors "contestjudge/pkg/errors"
	"contestjudge/pkg/utils/contextkey"
	"contestjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by AuthMiddleware.
const (
	UserIDKey   = "user_id"
	UserRoleKey = "user_role"
)

// Authenticator resolves a raw bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (auth.Identity, error)
}

// AuthMiddleware rejects requests without a valid access token. roles, when
// non-empty, restricts the route to those roles.
func AuthMiddleware(authenticator Authenticator, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authenticator == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}

		token := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		identity, err := authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		if len(roles) > 0 && !hasRole(identity.Role, roles) {
			response.AbortWithErrorCode(c, pkgerrors.Forbidden, "insufficient role")
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(UserRoleKey, identity.Role)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, identity.UserID))
		c.Next()
	}
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
