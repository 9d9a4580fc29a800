package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	"github.com/smallbiznis/gatekeeper/pkg/telemetry/correlation"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
)

const (
	HeaderTenant     = "X-Tenant-ID"
	contextCorrIDKey = "correlation_id"
)

// Correlation propagates X-Correlation-Id, minting a ULID when the caller sent none.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := correlation.ContextWithCorrelationID(c.Request.Context(), strings.TrimSpace(c.GetHeader(correlation.HeaderName)))
		ctx, cid := correlation.EnsureCorrelationID(ctx)
		ctx = obscontext.WithCorrelationID(ctx, cid)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextCorrIDKey, cid)
		c.Header(correlation.HeaderName, cid)
		c.Next()
	}
}

func correlationIDFrom(c *gin.Context) string {
	return c.GetString(contextCorrIDKey)
}

// TenantContext scopes every project lookup to the caller's tenant.
func TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		tenantID, err := snowflake.ParseString(raw)
		if err != nil || tenantID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Request = c.Request.WithContext(tenantctx.WithTenantID(c.Request.Context(), tenantID))
		c.Next()
	}
}

func projectIDParam(c *gin.Context) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		return 0, newValidationError("id", "invalid_project_id", "invalid project id")
	}
	obsCtx := obscontext.WithProjectID(c.Request.Context(), id.String())
	c.Request = c.Request.WithContext(obsCtx)
	return *id, nil
}

func idParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return *id, nil
}
