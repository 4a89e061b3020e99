package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxCallerClaims = "rentledger_caller_claims"

// OptionalToken returns a Gin middleware that tries to parse a Bearer caller
// token. It never aborts: it silently skips injection when the header is
// absent or the token fails verification. A nil issuer disables it.
func OptionalToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			if claims, err := tokens.Verify(tokenStr); err == nil {
				c.Set(ctxCallerClaims, claims)
			}
		}
		c.Next()
	}
}

// RequireFeature returns a Gin middleware that answers 404 unless the caller
// presents a valid token enabling feature. The route then looks absent to
// callers who may not use it. A nil issuer leaves the route open.
func RequireFeature(tokens *TokenIssuer, feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}
		claims := ClaimsFromCtx(c)
		if claims == nil {
			if tokenStr, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				claims, _ = tokens.Verify(tokenStr)
			}
		}
		if !claims.HasFeature(feature) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.Set(ctxCallerClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx retrieves the caller claims injected by OptionalToken or
// RequireFeature. Returns nil if no valid token was presented.
func ClaimsFromCtx(c *gin.Context) *CallerClaims {
	v, _ := c.Get(ctxCallerClaims)
	claims, _ := v.(*CallerClaims)
	return claims
}
