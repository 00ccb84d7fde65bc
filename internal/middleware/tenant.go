package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TenantHeader 租户标识请求头
const TenantHeader = "X-Tenant-ID"

// RequireTenant resolves the tenant from the X-Tenant-ID header (or the
// tenant_id query parameter for websocket upgrades) and stores it under
// "tenant_id" in the gin context.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(TenantHeader))
		if tenantID == "" {
			tenantID = strings.TrimSpace(c.Query("tenant_id"))
		}
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "Bad Request",
				"message": "missing tenant id",
			})
			return
		}
		c.Set("tenant_id", tenantID)
		c.Next()
	}
}
