package security

import (
	"net/http"
	"strings"

	toolsec "AgentChat/tools/security"

	"github.com/gin-gonic/gin"
)

// CtxIdentityKey is where the verified identity lands in the gin context.
const CtxIdentityKey = "identity"

type Options struct {
	JWT   toolsec.Options
	Scope string // required scope, empty = any authenticated user
}

// Middleware verifies the bearer token and enforces the required scope.
func Middleware(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "missing bearer token"})
			return
		}

		identity, err := toolsec.Verify(opts.JWT, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid token"})
			return
		}
		if opts.Scope != "" && !identity.HasScope(opts.Scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": 403, "msg": "insufficient scope"})
			return
		}

		c.Set(CtxIdentityKey, identity)
		c.Next()
	}
}

// Identity returns the verified identity set by Middleware, nil when the
// route ran unauthenticated.
func Identity(c *gin.Context) *toolsec.Identity {
	v, ok := c.Get(CtxIdentityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*toolsec.Identity)
	return id
}

func bearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz == "" {
		authz = strings.TrimSpace(c.GetHeader("authorization"))
	}
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return authz
}
