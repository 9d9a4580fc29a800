package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	auditrepo "github.com/smallbiznis/gatekeeper/internal/audit/repository"
	auditservice "github.com/smallbiznis/gatekeeper/internal/audit/service"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	planservice "github.com/smallbiznis/gatekeeper/internal/plan/service"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	projectrepo "github.com/smallbiznis/gatekeeper/internal/project/repository"
	projectservice "github.com/smallbiznis/gatekeeper/internal/project/service"
	"github.com/smallbiznis/gatekeeper/internal/quota/domain"
	"github.com/smallbiznis/gatekeeper/internal/quota/repository"
	"github.com/smallbiznis/gatekeeper/pkg/db/dbtest"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	svc     domain.Service
	plans   plandomain.Service
	audit   auditdomain.Service
	clk     *clock.FakeClock
	ctx     context.Context
	project *projectdomain.Project
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&projectdomain.Project{},
		&plandomain.Plan{},
		&plandomain.PlanAssignment{},
		&domain.Quota{},
		&auditdomain.AuditLog{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: auditrepo.Provide()})
	pRepo := projectrepo.Provide()
	projects := projectservice.NewService(projectservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: pRepo})
	plans := planservice.NewService(planservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Config:   config.NewStaticEnforcementConfig(config.DefaultEnforcementConfig()),
		Projects: projects,
		Locker:   pRepo,
		AuditSvc: auditSvc,
	})

	svc := NewService(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Plans:    plans,
		Projects: projects,
		AuditSvc: auditSvc,
	})

	ctx := tenantctx.WithTenantID(context.Background(), snowflake.ID(5))
	project, err := projects.Create(ctx, projectdomain.CreateProjectRequest{Name: "quotas"})
	require.NoError(t, err)
	return &fixture{db: db, svc: svc, plans: plans, audit: auditSvc, clk: clk, ctx: ctx, project: project}
}

// seedUsed moves a counter directly, standing in for earlier admissions.
func (f *fixture) seedUsed(t *testing.T, meterKey string, used int64, periodKey string) {
	t.Helper()
	res := f.db.Exec(`UPDATE quotas SET used = ?, period_key = ? WHERE project_id = ? AND meter_key = ?`,
		used, periodKey, f.project.ID, meterKey)
	require.NoError(t, res.Error)
	require.Equal(t, int64(1), res.RowsAffected)
}

func TestAdmitHardLimitStopsAtLimit(t *testing.T) {
	f := setup(t)
	now := f.clk.Now()

	first, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", now)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.Used)
	assert.Equal(t, int64(100), first.Limit)
	assert.True(t, first.HardLimit)
	require.NotNil(t, first.PeriodStart)
	assert.True(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Equal(*first.PeriodStart))

	f.seedUsed(t, "job_submit", 99, "2025-03")

	last, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", now)
	require.NoError(t, err)
	assert.True(t, last.Allowed)
	assert.Equal(t, int64(100), last.Used)

	rejected, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", now)
	require.NoError(t, err)
	assert.False(t, rejected.Allowed)
	assert.Equal(t, int64(100), rejected.Used)
	assert.Equal(t, int64(100), rejected.Limit)

	rows, err := f.svc.List(f.ctx, f.project.ID, now)
	require.NoError(t, err)
	for _, q := range rows {
		if q.MeterKey == "job_submit" {
			assert.Equal(t, int64(100), q.Used, "a rejection never increments")
		}
	}
}

func TestAdmitSoftLimitWarnsPastLimit(t *testing.T) {
	f := setup(t)
	now := f.clk.Now()

	_, err := f.svc.Admit(f.ctx, f.project.ID, "artifact_upload", now)
	require.NoError(t, err)
	f.seedUsed(t, "artifact_upload", 49, "2025-03")

	atLimit, err := f.svc.Admit(f.ctx, f.project.ID, "artifact_upload", now)
	require.NoError(t, err)
	assert.True(t, atLimit.Allowed)
	assert.Equal(t, int64(50), atLimit.Used)
	assert.False(t, atLimit.Warning)

	over, err := f.svc.Admit(f.ctx, f.project.ID, "artifact_upload", now)
	require.NoError(t, err)
	assert.True(t, over.Allowed)
	assert.Equal(t, int64(51), over.Used)
	assert.True(t, over.Warning)
}

func TestAdmitResetsLazilyInNewPeriod(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", f.clk.Now())
	require.NoError(t, err)
	f.seedUsed(t, "job_submit", 100, "2025-02")

	decision, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", f.clk.Now())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Used)

	april := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	rows, err := f.svc.List(f.ctx, f.project.ID, april)
	require.NoError(t, err)
	for _, q := range rows {
		if q.MeterKey == "job_submit" {
			assert.Equal(t, int64(0), q.Used)
			assert.Equal(t, "2025-04", q.PeriodKey)
		}
	}
}

func TestAdmitUnlimitedMeter(t *testing.T) {
	f := setup(t)
	decision, err := f.svc.Admit(f.ctx, f.project.ID, "webhook_create", f.clk.Now())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Unlimited)
	assert.Nil(t, decision.PeriodStart)

	_, err = f.svc.Admit(f.ctx, f.project.ID, " ", f.clk.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidMeterKey)
}

func TestOverrideTakesPrecedenceOverPlan(t *testing.T) {
	f := setup(t)
	now := f.clk.Now()

	_, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", now)
	require.NoError(t, err)

	quota, err := f.svc.Override(f.ctx, domain.OverrideRequest{
		ProjectID: f.project.ID,
		MeterKey:  "job_submit",
		Limit:     2,
		Period:    plandomain.PeriodDaily,
		HardLimit: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceOverride, quota.Source)
	assert.Equal(t, int64(2), quota.QuotaLimit)

	// Switching the plan leaves the override alone.
	_, err = f.plans.UpsertPlan(f.ctx, plandomain.UpsertPlanRequest{
		Key:          "pro",
		Name:         "Pro",
		Tier:         2,
		Capabilities: map[string]bool{"submit_jobs": true},
		QuotaLimits: []plandomain.QuotaLimit{
			{MeterKey: "job_submit", Limit: 10000, Period: plandomain.PeriodMonthly, HardLimit: true},
		},
	})
	require.NoError(t, err)
	_, err = f.plans.ScheduleAssignment(f.ctx, plandomain.ScheduleAssignmentRequest{
		ProjectID:     f.project.ID,
		PlanKey:       "pro",
		EffectiveFrom: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	var allowed int
	for i := 0; i < 4; i++ {
		d, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), d.Limit)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed, "the override bucket is daily and starts fresh today")

	overrides, err := f.audit.CountSince(f.ctx, f.project.ID, []string{auditdomain.ActionQuotaOverride}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), overrides)

	_, err = f.svc.Override(f.ctx, domain.OverrideRequest{ProjectID: f.project.ID, MeterKey: "job_submit", Limit: -1, Period: plandomain.PeriodDaily})
	assert.ErrorIs(t, err, domain.ErrInvalidLimit)
	_, err = f.svc.Override(f.ctx, domain.OverrideRequest{ProjectID: f.project.ID, MeterKey: "job_submit", Limit: 1, Period: "hourly"})
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
}

func TestPlanChangeSyncsPlanSourcedQuota(t *testing.T) {
	f := setup(t)
	now := f.clk.Now()

	_, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", now)
	require.NoError(t, err)

	_, err = f.plans.UpsertPlan(f.ctx, plandomain.UpsertPlanRequest{
		Key:          "pro",
		Name:         "Pro",
		Tier:         2,
		Capabilities: map[string]bool{"submit_jobs": true},
		QuotaLimits: []plandomain.QuotaLimit{
			{MeterKey: "job_submit", Limit: 10000, Period: plandomain.PeriodMonthly, HardLimit: true},
		},
	})
	require.NoError(t, err)
	_, err = f.plans.ScheduleAssignment(f.ctx, plandomain.ScheduleAssignmentRequest{
		ProjectID:     f.project.ID,
		PlanKey:       "pro",
		EffectiveFrom: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	d, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", now)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), d.Limit)
	assert.Equal(t, int64(2), d.Used, "the counter survives a limit change")
}

func TestListComposesPlanWithoutWriting(t *testing.T) {
	f := setup(t)
	now := f.clk.Now()
	repo := repository.Provide()

	rows, err := f.svc.List(f.ctx, f.project.ID, now)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "artifact_upload", rows[0].MeterKey)
	assert.Equal(t, "job_submit", rows[1].MeterKey)
	assert.Equal(t, int64(100), rows[1].QuotaLimit)
	assert.Zero(t, rows[1].Used)
	assert.Equal(t, "2025-03", rows[1].PeriodKey)

	stored, err := repo.List(f.ctx, f.db, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	_, err = f.svc.Admit(f.ctx, f.project.ID, "job_submit", now)
	require.NoError(t, err)
	_, err = f.plans.UpsertPlan(f.ctx, plandomain.UpsertPlanRequest{
		Key:          "pro",
		Name:         "Pro",
		Tier:         2,
		Capabilities: map[string]bool{"submit_jobs": true},
		QuotaLimits: []plandomain.QuotaLimit{
			{MeterKey: "job_submit", Limit: 10000, Period: plandomain.PeriodMonthly, HardLimit: true},
		},
	})
	require.NoError(t, err)
	_, err = f.plans.ScheduleAssignment(f.ctx, plandomain.ScheduleAssignmentRequest{
		ProjectID:     f.project.ID,
		PlanKey:       "pro",
		EffectiveFrom: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	rows, err = f.svc.List(f.ctx, f.project.ID, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(10000), rows[0].QuotaLimit)
	assert.Equal(t, int64(1), rows[0].Used)

	row, err := repo.Find(f.ctx, f.db, f.project.ID, "job_submit")
	require.NoError(t, err)
	assert.Equal(t, int64(100), row.QuotaLimit, "reads leave the stored limit alone")
}

func TestConcurrentAdmitsNeverExceedHardLimit(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Override(f.ctx, domain.OverrideRequest{
		ProjectID: f.project.ID,
		MeterKey:  "job_submit",
		Limit:     10,
		Period:    plandomain.PeriodMonthly,
		HardLimit: true,
	})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", f.clk.Now())
			if err != nil || !d.Allowed {
				return
			}
			mu.Lock()
			allowed++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)

	q, err := repository.Provide().Find(f.ctx, f.db, f.project.ID, "job_submit")
	require.NoError(t, err)
	assert.Equal(t, int64(10), q.Used)
}

func TestRolloverStale(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Admit(f.ctx, f.project.ID, "job_submit", f.clk.Now())
	require.NoError(t, err)
	_, err = f.svc.Admit(f.ctx, f.project.ID, "artifact_upload", f.clk.Now())
	require.NoError(t, err)

	reset, err := f.svc.RolloverStale(f.ctx, f.clk.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, reset)

	april := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	reset, err = f.svc.RolloverStale(f.ctx, april, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, reset)

	q, err := repository.Provide().Find(f.ctx, f.db, f.project.ID, "job_submit")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Used)
	assert.Equal(t, "2025-04", q.PeriodKey)
}
