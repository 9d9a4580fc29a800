package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	auditrepo "github.com/smallbiznis/gatekeeper/internal/audit/repository"
	auditservice "github.com/smallbiznis/gatekeeper/internal/audit/service"
	"github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"github.com/smallbiznis/gatekeeper/internal/billing/repository"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	projectrepo "github.com/smallbiznis/gatekeeper/internal/project/repository"
	projectservice "github.com/smallbiznis/gatekeeper/internal/project/service"
	"github.com/smallbiznis/gatekeeper/internal/temporal"
	"github.com/smallbiznis/gatekeeper/pkg/db/dbtest"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc     domain.Service
	db      *gorm.DB
	clk     *clock.FakeClock
	audit   auditdomain.Service
	ctx     context.Context
	project *projectdomain.Project
	tenant  snowflake.ID
}

func setup(t *testing.T, wrap func(domain.Repository) domain.Repository) *fixture {
	t.Helper()
	return setupWithConfig(t, wrap, config.DefaultEnforcementConfig())
}

func setupWithConfig(t *testing.T, wrap func(domain.Repository) domain.Repository, cfg config.EnforcementConfig) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&projectdomain.Project{},
		&domain.BillingAccount{},
		&domain.BillingProfile{},
		&domain.ProjectBillingAccountLink{},
		&auditdomain.AuditLog{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: auditrepo.Provide()})
	pRepo := projectrepo.Provide()
	projects := projectservice.NewService(projectservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: pRepo})

	var repo domain.Repository = repository.Provide()
	if wrap != nil {
		repo = wrap(repo)
	}
	svc := NewService(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Config:   config.NewStaticEnforcementConfig(cfg),
		Repo:     repo,
		Projects: projects,
		Locker:   pRepo,
		AuditSvc: auditSvc,
		Metrics:  metrics.NewNoop(),
	})

	tenant := snowflake.ID(77)
	ctx := tenantctx.WithTenantID(context.Background(), tenant)
	project, err := projects.Create(ctx, projectdomain.CreateProjectRequest{Name: "billing-" + t.Name()})
	require.NoError(t, err)

	return &fixture{svc: svc, db: db, clk: clk, audit: auditSvc, ctx: ctx, project: project, tenant: tenant}
}

func (f *fixture) count(t *testing.T, action string) int64 {
	t.Helper()
	n, err := f.audit.CountSince(context.Background(), f.project.ID, []string{action}, time.Time{})
	require.NoError(t, err)
	return n
}

func (f *fixture) apply(t *testing.T, ev domain.Event) *domain.ApplyEventResult {
	t.Helper()
	res, err := f.svc.ApplyEvent(f.ctx, domain.ApplyEventRequest{ProjectID: f.project.ID, Event: ev})
	require.NoError(t, err)
	return res
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPaymentFailedGraceAndRestore(t *testing.T) {
	f := setup(t, nil)
	account, err := f.svc.CreateAccount(f.ctx, domain.CreateAccountRequest{TenantID: f.tenant})
	require.NoError(t, err)
	_, err = f.svc.LinkAccount(f.ctx, domain.ScheduleLinkRequest{
		ProjectID:        f.project.ID,
		BillingAccountID: account.ID,
		EffectiveFrom:    date(2024, 11, 1),
	})
	require.NoError(t, err)

	res := f.apply(t, domain.EventPaymentFailed)
	assert.True(t, res.Transitioned)
	assert.Equal(t, domain.StatusActive, res.PreviousStatus)
	assert.Equal(t, domain.StatusPastDue, res.Status)
	assert.Equal(t, domain.SourceAccount, res.Source)

	f.clk.Advance(3 * 24 * time.Hour)
	view, err := f.svc.CurrentStatus(f.ctx, f.project.ID, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGrace, view.Status)
	assert.Equal(t, domain.StatusPastDue, view.StoredStatus, "derivation does not write")

	res = f.apply(t, domain.EventPaymentRestored)
	assert.Equal(t, domain.StatusGrace, res.PreviousStatus)
	assert.Equal(t, domain.StatusActive, res.Status)

	view, err = f.svc.CurrentStatus(f.ctx, f.project.ID, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, view.Status)
	assert.Nil(t, view.PastDueSince)

	assert.Equal(t, int64(2), f.count(t, auditdomain.ActionBillingEventApplied))
	assert.Equal(t, int64(2), f.count(t, auditdomain.ActionBillingStateTransition))
}

func TestInvalidEventIsAuditedNoop(t *testing.T) {
	f := setup(t, nil)
	_, err := f.svc.UpsertProfile(f.ctx, domain.UpsertProfileRequest{ProjectID: f.project.ID, Status: domain.StatusActive})
	require.NoError(t, err)

	res := f.apply(t, domain.EventTrialEnded)
	assert.True(t, res.Noop)
	assert.False(t, res.Transitioned)
	assert.Equal(t, domain.StatusActive, res.Status)

	assert.Equal(t, int64(1), f.count(t, auditdomain.ActionBillingEventApplied))
	assert.Equal(t, int64(0), f.count(t, auditdomain.ActionBillingStateTransition))

	_, err = f.svc.ApplyEvent(f.ctx, domain.ApplyEventRequest{ProjectID: f.project.ID, Event: "refund"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestCancelIsTerminal(t *testing.T) {
	f := setup(t, nil)
	res := f.apply(t, domain.EventCancel)
	assert.Equal(t, domain.StatusCanceled, res.Status)
	assert.Equal(t, domain.SourceProfile, res.Source, "a profile is provisioned on first event")

	for _, ev := range []domain.Event{domain.EventPaymentRestored, domain.EventTrialStarted, domain.EventManualUnsuspend, domain.EventCancel} {
		res = f.apply(t, ev)
		assert.True(t, res.Noop, ev)
		assert.Equal(t, domain.StatusCanceled, res.Status)
	}
}

func TestTrialStartedSetsTrialEnd(t *testing.T) {
	f := setup(t, nil)
	f.apply(t, domain.EventTrialStarted)

	view, err := f.svc.CurrentStatus(f.ctx, f.project.ID, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrialing, view.Status)
	require.NotNil(t, view.TrialEndsAt)
	assert.True(t, view.TrialEndsAt.Equal(f.clk.Now().Add(14*24*time.Hour)))
}

func TestCurrentStatusResolution(t *testing.T) {
	f := setup(t, nil)
	suspendedAcct, err := f.svc.CreateAccount(f.ctx, domain.CreateAccountRequest{TenantID: f.tenant, Status: domain.StatusSuspended})
	require.NoError(t, err)
	active, err := f.svc.CreateAccount(f.ctx, domain.CreateAccountRequest{TenantID: f.tenant})
	require.NoError(t, err)

	view, err := f.svc.CurrentStatus(f.ctx, f.project.ID, date(2025, 2, 15))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDefault, view.Source)
	assert.Equal(t, domain.StatusActive, view.Status)

	march := date(2025, 3, 1)
	_, err = f.svc.LinkAccount(f.ctx, domain.ScheduleLinkRequest{ProjectID: f.project.ID, BillingAccountID: suspendedAcct.ID, EffectiveFrom: date(2025, 1, 1), EffectiveTo: &march})
	require.NoError(t, err)
	_, err = f.svc.LinkAccount(f.ctx, domain.ScheduleLinkRequest{ProjectID: f.project.ID, BillingAccountID: active.ID, EffectiveFrom: date(2025, 3, 1)})
	require.NoError(t, err)
	_, err = f.svc.UpsertProfile(f.ctx, domain.UpsertProfileRequest{ProjectID: f.project.ID, Status: domain.StatusTrialing})
	require.NoError(t, err)

	_, err = f.svc.LinkAccount(f.ctx, domain.ScheduleLinkRequest{ProjectID: f.project.ID, BillingAccountID: active.ID, EffectiveFrom: date(2025, 2, 1)})
	assert.ErrorIs(t, err, temporal.ErrOverlappingSchedule)

	view, err = f.svc.CurrentStatus(f.ctx, f.project.ID, date(2025, 2, 15))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, view.Status)
	assert.Equal(t, suspendedAcct.ID, *view.BillingAccountID)

	view, err = f.svc.CurrentStatus(f.ctx, f.project.ID, date(2025, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, active.ID, *view.BillingAccountID)

	view, err = f.svc.CurrentStatus(f.ctx, f.project.ID, date(2024, 12, 31))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceProfile, view.Source)
	assert.Equal(t, domain.StatusTrialing, view.Status)
}

func TestLinkAccountRejectsForeignTenant(t *testing.T) {
	f := setup(t, nil)
	foreign, err := f.svc.CreateAccount(f.ctx, domain.CreateAccountRequest{TenantID: snowflake.ID(999)})
	require.NoError(t, err)

	_, err = f.svc.LinkAccount(f.ctx, domain.ScheduleLinkRequest{ProjectID: f.project.ID, BillingAccountID: foreign.ID, EffectiveFrom: date(2025, 1, 1)})
	assert.ErrorIs(t, err, domain.ErrAccountTenantMismatch)

	_, err = f.svc.LinkAccount(f.ctx, domain.ScheduleLinkRequest{ProjectID: f.project.ID, BillingAccountID: snowflake.ID(1), EffectiveFrom: date(2025, 1, 1)})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestCancelScheduledLink(t *testing.T) {
	f := setup(t, nil)
	account, err := f.svc.CreateAccount(f.ctx, domain.CreateAccountRequest{TenantID: f.tenant})
	require.NoError(t, err)
	link, err := f.svc.LinkAccount(f.ctx, domain.ScheduleLinkRequest{ProjectID: f.project.ID, BillingAccountID: account.ID, EffectiveFrom: date(2025, 1, 1)})
	require.NoError(t, err)

	_, err = f.svc.CancelScheduledLink(f.ctx, f.project.ID, link.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.count(t, auditdomain.ActionBillingLinkCanceled))

	link, err = f.svc.LinkAccount(f.ctx, domain.ScheduleLinkRequest{ProjectID: f.project.ID, BillingAccountID: account.ID, EffectiveFrom: date(2024, 11, 1)})
	require.NoError(t, err)
	_, err = f.svc.CancelScheduledLink(f.ctx, f.project.ID, link.ID)
	assert.ErrorIs(t, err, temporal.ErrScheduleNotCancelable)
}

// racingRepo lets another writer win the first compare-and-swap.
type racingRepo struct {
	domain.Repository
	db         *gorm.DB
	raced      bool
	alwaysLose bool
}

func (r *racingRepo) CompareAndSwap(ctx context.Context, db *gorm.DB, table string, id snowflake.ID, version int64, next domain.Lifecycle) (bool, error) {
	if r.alwaysLose {
		return false, nil
	}
	if !r.raced {
		r.raced = true
		suspended := next
		suspended.Status = domain.StatusSuspended
		suspended.PastDueSince = nil
		if ok, err := r.Repository.CompareAndSwap(ctx, db, table, id, version, suspended); err != nil || !ok {
			return false, err
		}
	}
	return r.Repository.CompareAndSwap(ctx, db, table, id, version, next)
}

func TestApplyEventRevalidatesAfterLostRace(t *testing.T) {
	racer := &racingRepo{}
	f := setup(t, func(inner domain.Repository) domain.Repository {
		racer.Repository = inner
		return racer
	})
	_, err := f.svc.UpsertProfile(f.ctx, domain.UpsertProfileRequest{ProjectID: f.project.ID})
	require.NoError(t, err)

	res := f.apply(t, domain.EventPaymentFailed)
	assert.True(t, res.Noop, "payment_failed is invalid once the winner suspended the profile")
	assert.Equal(t, domain.StatusSuspended, res.Status)

	view, err := f.svc.CurrentStatus(f.ctx, f.project.ID, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, view.Status)
}

func TestApplyEventGivesUpAfterRetries(t *testing.T) {
	f := setup(t, func(inner domain.Repository) domain.Repository {
		return &racingRepo{Repository: inner, alwaysLose: true}
	})
	_, err := f.svc.ApplyEvent(f.ctx, domain.ApplyEventRequest{ProjectID: f.project.ID, Event: domain.EventManualSuspend})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestFirstEventProvisionsProfileWithSingleAttempt(t *testing.T) {
	cfg := config.DefaultEnforcementConfig()
	cfg.BillingCASRetries = 1
	f := setupWithConfig(t, nil, cfg)

	res := f.apply(t, domain.EventPaymentFailed)
	assert.True(t, res.Transitioned)
	assert.Equal(t, domain.StatusPastDue, res.Status)
	assert.Equal(t, domain.StatusActive, res.PreviousStatus)
	assert.Equal(t, domain.SourceProfile, res.Source)
}

func TestSweepDerivedPersistsElapsedStatus(t *testing.T) {
	f := setup(t, nil)
	f.apply(t, domain.EventPaymentFailed)

	n, err := f.svc.SweepDerived(f.ctx, f.clk.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clk.Advance(11 * 24 * time.Hour)
	n, err = f.svc.SweepDerived(f.ctx, f.clk.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := f.svc.CurrentStatus(f.ctx, f.project.ID, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, view.StoredStatus)

	res := f.apply(t, domain.EventPaymentRestored)
	assert.Equal(t, domain.StatusActive, res.Status)
}

func TestUnknownProjectIsNotFound(t *testing.T) {
	f := setup(t, nil)
	_, err := f.svc.ApplyEvent(f.ctx, domain.ApplyEventRequest{ProjectID: snowflake.ID(404), Event: domain.EventCancel})
	assert.ErrorIs(t, err, projectdomain.ErrNotFound)
}
