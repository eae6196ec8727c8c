// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the calling tenant. The dealership backend forwards the
// tenant either in the X-Tenant-ID header or as the tenantId query parameter;
// the header wins when both are present. The resolved id is stored under the
// "tenantID" Gin context key for logging, rate limiting and handlers.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderTenantID carries the tenant id on API requests.
	HeaderTenantID = "X-Tenant-ID"
	// queryTenantID is the query parameter fallback for HeaderTenantID.
	queryTenantID = "tenantId"
	// tenantIDKey is the Gin context key for the resolved tenant.
	tenantIDKey = "tenantID"
)

// Tenant resolves the tenant id and stores it in the Gin context. Requests
// without a tenant pass through; handlers decide whether one is required.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if id == "" {
			id = strings.TrimSpace(c.Query(queryTenantID))
		}
		if id != "" {
			c.Set(tenantIDKey, id)
		}
		c.Next()
	}
}

// TenantFrom returns the tenant id resolved by Tenant, or "".
func TenantFrom(c *gin.Context) string {
	v, _ := c.Get(tenantIDKey)
	return asString(v)
}
