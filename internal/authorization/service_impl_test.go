package authorization

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	auditrepo "github.com/smallbiznis/gatekeeper/internal/audit/repository"
	auditservice "github.com/smallbiznis/gatekeeper/internal/audit/service"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (Service, auditdomain.Service) {
	t.Helper()
	db := dbtest.Open(t, &auditdomain.AuditLog{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)),
		Repo:  auditrepo.Provide(),
	})
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer, AuditSvc: auditSvc}), auditSvc
}

func TestAuthorizeRoles(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	tenant := snowflake.ID(5)

	tests := []struct {
		role    string
		object  string
		action  string
		allowed bool
	}{
		{RoleBillingAdmin, ObjectBillingState, ActionBillingEventApply, true},
		{RoleBillingAdmin, ObjectBillingAccount, ActionBillingLinkSchedule, true},
		{RoleBillingAdmin, ObjectSupportBundle, ActionSupportBundleExport, false},
		{RoleSupport, ObjectSupportBundle, ActionSupportBundleExport, true},
		{RoleSupport, ObjectBillingState, ActionBillingEventApply, false},
		{RoleService, ObjectUsage, ActionUsageWrite, true},
		{RoleService, ObjectQuota, ActionQuotaOverride, false},
		{RoleAdmin, ObjectQuota, ActionQuotaOverride, true},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.action, func(t *testing.T) {
			err := svc.Authorize(ctx, Actor{ID: "u-" + tt.role, Role: tt.role}, tenant, nil, tt.object, tt.action)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestAuthorizeRoleChangeReplacesGrouping(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	tenant := snowflake.ID(5)
	actor := Actor{ID: "ops-1", Role: RoleSupport}

	require.ErrorIs(t, svc.Authorize(ctx, actor, tenant, nil, ObjectBillingState, ActionBillingEventApply), ErrForbidden)

	actor.Role = RoleBillingAdmin
	require.NoError(t, svc.Authorize(ctx, actor, tenant, nil, ObjectBillingState, ActionBillingEventApply))
	require.ErrorIs(t, svc.Authorize(ctx, actor, tenant, nil, ObjectSupportBundle, ActionSupportBundleExport), ErrForbidden)

	// Roles are scoped to the tenant.
	other := snowflake.ID(6)
	require.ErrorIs(t, svc.Authorize(ctx, Actor{ID: "ops-1", Role: RoleSupport}, other, nil, ObjectBillingState, ActionBillingEventApply), ErrForbidden)
	require.NoError(t, svc.Authorize(ctx, actor, tenant, nil, ObjectBillingState, ActionBillingEventApply))
}

func TestAuthorizeValidationAndAudit(t *testing.T) {
	svc, auditSvc := setup(t)
	ctx := context.Background()
	project := snowflake.ID(77)

	assert.ErrorIs(t, svc.Authorize(ctx, Actor{Role: RoleAdmin}, 5, nil, ObjectUsage, ActionUsageWrite), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, Actor{ID: "a", Role: RoleAdmin}, 0, nil, ObjectUsage, ActionUsageWrite), ErrInvalidTenant)
	assert.ErrorIs(t, svc.Authorize(ctx, Actor{ID: "a", Role: "root"}, 5, &project, ObjectUsage, ActionUsageWrite), ErrUnknownRole)
	assert.ErrorIs(t, svc.Authorize(ctx, Actor{ID: "a", Role: RoleSupport}, 5, &project, ObjectUsage, ActionUsageWrite), ErrForbidden)

	denied, err := auditSvc.CountSince(ctx, project, []string{auditdomain.ActionAuthorizationDenied}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), denied)
}
