package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const identityKey = "auth.identity"

// Middleware attaches the caller's identity to the gin context and to the
// request's context, for handlers mounted with gin.WrapH. Requests without
// credentials pass through anonymously; invalid credentials get 401.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok, err := a.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if ok {
			c.Set(identityKey, id)
			c.Request = c.Request.WithContext(NewContext(c.Request.Context(), id))
		}
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. It must run after Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if id.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// FromContext returns the identity set by Middleware.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// RequireIdentity rejects anonymous callers. It must run after Middleware.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := FromContext(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}
