package adminauth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxClaims = "creditrisk_admin_claims"

// RequireScope returns a Gin middleware that admits only requests carrying
// a valid admin bearer token with scope. Missing or invalid tokens get 401;
// a valid token without the scope gets 403.
func RequireScope(issuer *Issuer, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
				"code":  "unauthorized",
			})
			return
		}

		claims, err := issuer.Require(strings.TrimPrefix(authHeader, "Bearer "), scope)
		if errors.Is(err, ErrMissingScope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token lacks scope " + scope,
				"code":  "forbidden",
			})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
				"code":  "unauthorized",
			})
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the claims injected by RequireScope, or nil.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*Claims)
	return claims
}
