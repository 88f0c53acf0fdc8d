package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyIdentity is the key for the caller's Identity in gin context
const ContextKeyIdentity = "identity"

// Authenticate decodes the bearer token, when present, and stores the
// resulting Identity in the context. It never rejects a request; enforcement
// is left to the guard chain.
func Authenticate(ex Extractor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := bearerToken(c.GetHeader("Authorization")); raw != "" {
			if identity, ok := ex.Extract(c.Request.Context(), raw); ok {
				c.Set(ContextKeyIdentity, identity)
			}
		}
		c.Next()
	}
}

// GetIdentity returns the caller's Identity from the gin context
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	identity, ok := v.(*Identity)
	return identity, ok
}

// ActorID returns the caller's subject id, or "anonymous".
func ActorID(c *gin.Context) string {
	if identity, ok := GetIdentity(c); ok {
		return identity.ID
	}
	return "anonymous"
}

func bearerToken(header string) string {
	// Expect "Bearer <token>"
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
