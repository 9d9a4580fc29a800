package service_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/enginetest"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tightLimits(c *config.EnforcementConfig) {
	c.DefaultPlan.QuotaLimits = []config.QuotaLimitTemplate{
		{MeterKey: "job_submit", Limit: 2, Period: "daily", HardLimit: true},
		{MeterKey: "artifact_upload", Limit: 1, Period: "daily", HardLimit: false},
	}
}

func TestResolveDefaults(t *testing.T) {
	s := enginetest.New(t)
	project := s.Project(t, "acme")

	ent, err := s.Entitlements.Resolve(s.Ctx, project.ID, s.Clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "free", ent.PlanKey)
	assert.Equal(t, plandomain.SourceDefault, ent.PlanSource)
	assert.Equal(t, billingdomain.StatusActive, ent.BillingStatus)
	assert.True(t, ent.Capabilities.SubmitJobs)
	assert.False(t, ent.Capabilities.GenerateProofs)
	assert.Empty(t, ent.Warnings)
	assert.Len(t, ent.QuotaLimits, 2)
}

func TestAuthorizeAdmitsAndAudits(t *testing.T) {
	s := enginetest.New(t)
	project := s.Project(t, "acme")

	decision, err := s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "job_submit", At: s.Clock.Now()})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, plandomain.CapabilitySubmitJobs, decision.Capability)
	require.NotNil(t, decision.Quota)
	assert.Equal(t, int64(1), decision.Quota.Used)
	assert.Equal(t, int64(100), decision.Quota.Limit)

	n, err := s.Audit.CountSince(s.Ctx, project.ID, []string{auditdomain.ActionQuotaAdmit}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAuthorizeBlocksSuspendedBilling(t *testing.T) {
	s := enginetest.New(t)
	project := s.Project(t, "acme")

	_, err := s.Billing.ApplyEvent(s.Ctx, billingdomain.ApplyEventRequest{ProjectID: project.ID, Event: billingdomain.EventManualSuspend})
	require.NoError(t, err)

	decision, err := s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "job_submit", At: s.Clock.Now()})
	require.Error(t, err)
	assert.ErrorIs(t, err, billingdomain.ErrBillingSuspended)
	var suspended *billingdomain.SuspendedError
	require.ErrorAs(t, err, &suspended)
	assert.Equal(t, billingdomain.StatusSuspended, suspended.Status)
	assert.False(t, decision.Allowed)
	assert.Nil(t, decision.Quota)

	ent, err := s.Entitlements.Resolve(s.Ctx, project.ID, s.Clock.Now())
	require.NoError(t, err)
	assert.False(t, ent.Capabilities.SubmitJobs)
	assert.False(t, ent.Capabilities.UploadArtifacts)

	blocks, err := s.Audit.CountSince(s.Ctx, project.ID, []string{auditdomain.ActionBillingBlock}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), blocks)

	// The quota counter never moved.
	quotas, err := s.Quotas.List(s.Ctx, project.ID, s.Clock.Now())
	require.NoError(t, err)
	for _, q := range quotas {
		assert.Zero(t, q.Used)
	}
}

func TestAuthorizeBlocksMissingCapability(t *testing.T) {
	s := enginetest.New(t)
	project := s.Project(t, "acme")

	_, err := s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "proof_generate", At: s.Clock.Now()})
	assert.ErrorIs(t, err, domain.ErrCapabilityNotAllowed)
	var capErr *domain.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, plandomain.CapabilityGenerateProofs, capErr.Capability)
	assert.Equal(t, "free", capErr.PlanKey)

	n, err := s.Audit.CountSince(s.Ctx, project.ID, []string{auditdomain.ActionCapabilityBlock}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAuthorizeQuotaOutcomes(t *testing.T) {
	s := enginetest.New(t, enginetest.WithConfig(tightLimits))
	project := s.Project(t, "acme")
	now := s.Clock.Now()

	for i := 0; i < 2; i++ {
		_, err := s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "job_submit", At: now})
		require.NoError(t, err)
	}
	decision, err := s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "job_submit", At: now})
	assert.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)
	var exceeded *quotadomain.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, int64(2), exceeded.Used)
	assert.Equal(t, int64(2), exceeded.Limit)
	assert.False(t, decision.Allowed)

	_, err = s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "artifact_upload", At: now})
	require.NoError(t, err)
	decision, err = s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "artifact_upload", At: now})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Contains(t, decision.Warnings, domain.WarningQuotaSoftLimit)

	counts := map[string]int64{}
	for _, action := range []string{auditdomain.ActionQuotaAdmit, auditdomain.ActionQuotaWarning, auditdomain.ActionQuotaBlock} {
		n, err := s.Audit.CountSince(s.Ctx, project.ID, []string{action}, time.Time{})
		require.NoError(t, err)
		counts[action] = n
	}
	assert.Equal(t, map[string]int64{
		auditdomain.ActionQuotaAdmit:   3,
		auditdomain.ActionQuotaWarning: 1,
		auditdomain.ActionQuotaBlock:   1,
	}, counts)
}

func TestPastDueWarnsButAllows(t *testing.T) {
	s := enginetest.New(t)
	project := s.Project(t, "acme")

	_, err := s.Billing.ApplyEvent(s.Ctx, billingdomain.ApplyEventRequest{ProjectID: project.ID, Event: billingdomain.EventPaymentFailed})
	require.NoError(t, err)

	decision, err := s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "job_submit", At: s.Clock.Now()})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, billingdomain.StatusPastDue, decision.BillingStatus)
	assert.Contains(t, decision.Warnings, domain.WarningBillingPastDue)

	// Past the default grace window the derived status is grace; past the suspend delay it blocks.
	s.Clock.Advance(4 * 24 * time.Hour)
	ent, err := s.Entitlements.Resolve(s.Ctx, project.ID, s.Clock.Now())
	require.NoError(t, err)
	assert.Equal(t, billingdomain.StatusGrace, ent.BillingStatus)
	assert.Contains(t, ent.Warnings, domain.WarningBillingGrace)

	s.Clock.Advance(7 * 24 * time.Hour)
	_, err = s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, MeterKey: "job_submit", At: s.Clock.Now()})
	assert.ErrorIs(t, err, billingdomain.ErrBillingSuspended)
}

func TestReadCapabilitySurvivesSuspension(t *testing.T) {
	s := enginetest.New(t, enginetest.WithConfig(func(c *config.EnforcementConfig) {
		c.DefaultPlan.Capabilities["export_audit"] = true
	}))
	project := s.Project(t, "acme")
	_, err := s.Billing.ApplyEvent(s.Ctx, billingdomain.ApplyEventRequest{ProjectID: project.ID, Event: billingdomain.EventManualSuspend})
	require.NoError(t, err)

	decision, err := s.Entitlements.Authorize(s.Ctx, domain.AuthorizeRequest{ProjectID: project.ID, Capability: plandomain.CapabilityExportAudit, At: s.Clock.Now()})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCostPreview(t *testing.T) {
	s := enginetest.New(t)
	project := s.Project(t, "acme")
	day := s.Clock.Now()

	for i := 0; i < 100; i++ {
		s.Record(t, project.ID, "job_submit", day)
	}
	for i := 0; i < 95; i++ {
		s.Record(t, project.ID, "job_complete", day.Add(-24*time.Hour))
	}
	s.Record(t, project.ID, "webhook_ping", day)

	preview, err := s.Entitlements.CostPreview(s.Ctx, project.ID, day.AddDate(0, 0, -7), day)
	require.NoError(t, err)
	require.Len(t, preview.Lines, 3)
	assert.Equal(t, "job_complete", preview.Lines[0].EventType)
	assert.Equal(t, int64(95), preview.Lines[0].Count)
	assert.True(t, preview.Lines[2].Cost.IsZero())
	assert.True(t, decimal.RequireFromString("242.5").Equal(preview.TotalCostWeight), preview.TotalCostWeight.String())

	_, err = s.Entitlements.CostPreview(s.Ctx, project.ID, day, day.Add(-time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidTimeRange)
}

func TestCapabilityFor(t *testing.T) {
	s := enginetest.New(t)
	capability, ok := s.Entitlements.CapabilityFor("artifact_upload")
	assert.True(t, ok)
	assert.Equal(t, plandomain.CapabilityUploadArtifacts, capability)

	_, ok = s.Entitlements.CapabilityFor("job_complete")
	assert.False(t, ok)
}
