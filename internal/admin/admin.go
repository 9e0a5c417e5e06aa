// Package admin provides operator endpoints for resolving stuck settlement
// states: manual sweeps, gas top-ups, and callback redelivery.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tronpay-io/tronpay/internal/keycrypt"
)

// RequireSecret gates admin routes behind the X-Admin-Secret header.
// With no secret configured the surface is disabled outright.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "No admin secret configured",
			})
			c.Abort()
			return
		}

		given := c.GetHeader("X-Admin-Secret")
		if given == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_admin_secret",
				"message": "X-Admin-Secret header required",
			})
			c.Abort()
			return
		}
		if !keycrypt.SecureCompare(given, secret) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "invalid_admin_secret",
				"message": "Admin secret does not match",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
