package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/audit/repository"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	"github.com/smallbiznis/gatekeeper/pkg/db/dbtest"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
	"github.com/smallbiznis/gatekeeper/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupAudit(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	db := dbtest.Open(t, &auditdomain.AuditLog{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, clk
}

func TestAuditLog_CapturesContext(t *testing.T) {
	svc, _ := setupAudit(t)
	projectID := snowflake.ID(42)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithActor(ctx, "user", "u-9", "billing_admin")
	ctx = correlation.ContextWithCorrelationID(ctx, "corr-1")

	require.NoError(t, svc.AuditLog(ctx, &projectID, "", nil, auditdomain.ActionQuotaBlock, "quota", nil, map[string]any{"meter_key": "job_submit"}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{ProjectID: projectID})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, "user", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "u-9", *entry.ActorID)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.Equal(t, "corr-1", entry.Metadata["correlation_id"])
	assert.Equal(t, "job_submit", entry.Metadata["meter_key"])
}

func TestAuditLog_RejectsEmptyAction(t *testing.T) {
	svc, _ := setupAudit(t)
	err := svc.AuditLog(context.Background(), nil, "system", nil, " ", "quota", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestCountSinceAndLatest(t *testing.T) {
	svc, clk := setupAudit(t)
	projectID := snowflake.ID(7)
	ctx := context.Background()

	require.NoError(t, svc.AuditLog(ctx, &projectID, "system", nil, auditdomain.ActionQuotaWarning, "quota", nil, nil))
	clk.Advance(time.Hour)
	require.NoError(t, svc.AuditLog(ctx, &projectID, "system", nil, auditdomain.ActionPlanUpgrade, "plan", nil, nil))
	clk.Advance(time.Hour)
	require.NoError(t, svc.AuditLog(ctx, &projectID, "system", nil, auditdomain.ActionQuotaBlock, "quota", nil, nil))

	count, err := svc.CountSince(ctx, projectID, []string{auditdomain.ActionQuotaBlock, auditdomain.ActionQuotaWarning}, clk.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	latest, err := svc.LatestAction(ctx, projectID, auditdomain.ActionPlanUpgrade)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, clk.Now().Add(-time.Hour).Equal(latest.CreatedAt))

	count, err = svc.CountSince(ctx, projectID, []string{auditdomain.ActionQuotaBlock, auditdomain.ActionQuotaWarning}, latest.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	missing, err := svc.LatestAction(ctx, projectID, auditdomain.ActionAnomalyDetected)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestList_Paginates(t *testing.T) {
	svc, clk := setupAudit(t)
	projectID := snowflake.ID(9)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.AuditLog(ctx, &projectID, "system", nil, auditdomain.ActionQuotaAdmit, "quota", nil, nil))
		clk.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{ProjectID: projectID, Pagination: pageOf(2, "")})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{ProjectID: projectID, Pagination: pageOf(2, first.NextPageToken)})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 2)
	assert.True(t, second.AuditLogs[0].CreatedAt.Before(first.AuditLogs[1].CreatedAt))

	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{ProjectID: projectID, Pagination: pageOf(2, "%%%")})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func pageOf(size int, token string) pagination.Pagination {
	return pagination.Pagination{PageSize: size, PageToken: token}
}
