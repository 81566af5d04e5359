package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-performance-api/internal/middleware"
	"github.com/noah-isme/sma-performance-api/internal/models"
)

// claimsFromContext returns the JWT claims the auth middleware stored, or nil
// on unauthenticated routes.
func claimsFromContext(c *gin.Context) *models.JWTClaims {
	if claims, ok := c.Get(middleware.ContextUserKey); ok {
		if jwtClaims, ok := claims.(*models.JWTClaims); ok {
			return jwtClaims
		}
	}
	return nil
}
