package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/project/domain"
	"github.com/smallbiznis/gatekeeper/internal/project/repository"
	"github.com/smallbiznis/gatekeeper/pkg/db/dbtest"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupProjects(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t, &domain.Project{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	return svc, db
}

func TestCreateProject(t *testing.T) {
	svc, _ := setupProjects(t)
	ctx := tenantctx.WithTenantID(context.Background(), snowflake.ID(7))

	project, err := svc.Create(ctx, domain.CreateProjectRequest{Name: "Proof Pipeline"})
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(7), project.TenantID)
	assert.Equal(t, "proof-pipeline", project.Slug)

	_, err = svc.Create(ctx, domain.CreateProjectRequest{Name: "proof pipeline"})
	assert.ErrorIs(t, err, domain.ErrDuplicateSlug)

	_, err = svc.Create(ctx, domain.CreateProjectRequest{Name: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = svc.Create(context.Background(), domain.CreateProjectRequest{Name: "orphan"})
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
}

func TestGetProjectIsTenantScoped(t *testing.T) {
	svc, _ := setupProjects(t)
	owner := tenantctx.WithTenantID(context.Background(), snowflake.ID(1))
	other := tenantctx.WithTenantID(context.Background(), snowflake.ID(2))

	project, err := svc.Create(owner, domain.CreateProjectRequest{Name: "alpha"})
	require.NoError(t, err)

	got, err := svc.Get(owner, project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.ID, got.ID)

	_, err = svc.Get(other, project.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err = svc.Get(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
}

func TestLockSubjectBumpsScheduleVersion(t *testing.T) {
	svc, db := setupProjects(t)
	repo := repository.Provide()
	ctx := tenantctx.WithTenantID(context.Background(), snowflake.ID(1))

	project, err := svc.Create(ctx, domain.CreateProjectRequest{Name: "alpha"})
	require.NoError(t, err)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.LockSubject(ctx, tx, project.ID)
	}))
	got, err := svc.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ScheduleVersion)

	err = db.Transaction(func(tx *gorm.DB) error {
		return repo.LockSubject(ctx, tx, snowflake.ID(999))
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := svc.ListIDs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{project.ID}, ids)
}
