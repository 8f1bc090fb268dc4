package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/13ty/agor-sub000/internal/auth"
)

const claimsKey = "agor_claims"

// RequireUser verifies the bearer token and rejects non-user roles.
// Service tokens belong on the executor socket, not the HTTP API.
func RequireUser(issuer *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			token = c.Query("token")
		}

		claims, err := issuer.Verify(token)
		if err != nil || claims.Role != auth.RoleUser {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// CallerClaims returns the verified claims set by RequireUser.
func CallerClaims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}
