package tenantctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type keyType string

const (
	TenantIDKey keyType = "tenant_id"
)

func WithTenantID(ctx context.Context, id snowflake.ID) context.Context {
	if id == 0 {
		return ctx
	}
	return context.WithValue(ctx, TenantIDKey, id)
}

// TenantID returns the caller's tenant. Internal callers without a tenant see every project.
func TenantID(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(TenantIDKey).(snowflake.ID)
	return id, ok && id != 0
}
