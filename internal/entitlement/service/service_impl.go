package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   *config.EnforcementConfigHolder
	Projects projectdomain.Service
	Billing  billingdomain.Service
	Plans    plandomain.Service
	Quotas   quotadomain.Service
	Usage    usagedomain.Service
	AuditSvc auditdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	cfg      *config.EnforcementConfigHolder
	projects projectdomain.Service
	billing  billingdomain.Service
	plans    plandomain.Service
	quotas   quotadomain.Service
	usage    usagedomain.Service
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("entitlement.service"),
		cfg:      p.Config,
		projects: p.Projects,
		billing:  p.Billing,
		plans:    p.Plans,
		quotas:   p.Quotas,
		usage:    p.Usage,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

func (s *Service) Resolve(ctx context.Context, projectID snowflake.ID, at time.Time) (*domain.Entitlements, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.resolve(ctx, projectID, at.UTC())
}

func (s *Service) resolve(ctx context.Context, projectID snowflake.ID, at time.Time) (*domain.Entitlements, error) {
	status, err := s.billing.CurrentStatus(ctx, projectID, at)
	if err != nil {
		return nil, fmt.Errorf("%w: billing status: %w", domain.ErrStateUnavailable, err)
	}
	resolved, err := s.plans.Resolve(ctx, projectID, at)
	if err != nil {
		return nil, fmt.Errorf("%w: plan: %w", domain.ErrStateUnavailable, err)
	}

	caps := resolved.Plan.Capabilities.Data()
	if status.Status.BlocksWrites() {
		caps = caps.WithoutWrites()
	}

	limits := make([]plandomain.QuotaLimit, len(resolved.Plan.QuotaLimits))
	copy(limits, resolved.Plan.QuotaLimits)

	ent := &domain.Entitlements{
		PlanKey:       resolved.Plan.Key,
		PlanSource:    resolved.Source,
		Capabilities:  caps,
		QuotaLimits:   limits,
		EffectiveFrom: resolved.EffectiveFrom,
		BillingStatus: status.Status,
		BillingSource: status.Source,
		Warnings:      []string{},
		At:            at,
	}
	switch status.Status {
	case billingdomain.StatusPastDue:
		ent.Warnings = append(ent.Warnings, domain.WarningBillingPastDue)
	case billingdomain.StatusGrace:
		ent.Warnings = append(ent.Warnings, domain.WarningBillingGrace)
	}
	return ent, nil
}

func (s *Service) Authorize(ctx context.Context, req domain.AuthorizeRequest) (*domain.Decision, error) {
	if _, err := s.projects.Get(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	at := req.At.UTC()
	meterKey := strings.TrimSpace(req.MeterKey)
	capability := req.Capability
	if capability == "" && meterKey != "" {
		capability, _ = s.CapabilityFor(meterKey)
	}

	ent, err := s.resolve(ctx, req.ProjectID, at)
	if err != nil {
		s.log.Error("authorization state read failed", zap.String("project_id", req.ProjectID.String()), zap.Error(err))
		return nil, err
	}

	decision := &domain.Decision{
		Capability:    capability,
		MeterKey:      meterKey,
		BillingStatus: ent.BillingStatus,
		Warnings:      ent.Warnings,
	}
	metadata := map[string]any{
		"capability":     string(capability),
		"meter_key":      meterKey,
		"billing_status": string(ent.BillingStatus),
		"plan_key":       ent.PlanKey,
	}

	isWrite := capability == "" || capability.IsWrite()
	if isWrite && ent.BillingStatus.BlocksWrites() {
		s.record(ctx, req.ProjectID, auditdomain.ActionBillingBlock, meterKey, "billing_block", metadata)
		return decision, &billingdomain.SuspendedError{Status: ent.BillingStatus}
	}

	if capability != "" && !ent.Capabilities.Allows(capability) {
		s.record(ctx, req.ProjectID, auditdomain.ActionCapabilityBlock, meterKey, "capability_block", metadata)
		return decision, &domain.CapabilityError{Capability: capability, PlanKey: ent.PlanKey}
	}

	if meterKey == "" {
		decision.Allowed = true
		s.record(ctx, req.ProjectID, auditdomain.ActionQuotaAdmit, meterKey, "admit", metadata)
		return decision, nil
	}

	admission, err := s.quotas.Admit(ctx, req.ProjectID, meterKey, at)
	if err != nil {
		if errors.Is(err, quotadomain.ErrInvalidMeterKey) {
			return nil, err
		}
		s.log.Error("quota admission failed", zap.String("project_id", req.ProjectID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: quota: %w", domain.ErrStateUnavailable, err)
	}
	decision.Quota = &admission
	metadata["used"] = admission.Used
	metadata["limit"] = admission.Limit
	metadata["hard_limit"] = admission.HardLimit

	switch {
	case !admission.Allowed:
		s.record(ctx, req.ProjectID, auditdomain.ActionQuotaBlock, meterKey, "quota_block", metadata)
		return decision, &quotadomain.ExceededError{MeterKey: meterKey, Used: admission.Used, Limit: admission.Limit}
	case admission.Warning:
		decision.Warnings = append(decision.Warnings, domain.WarningQuotaSoftLimit)
		s.record(ctx, req.ProjectID, auditdomain.ActionQuotaWarning, meterKey, "warning", metadata)
	default:
		s.record(ctx, req.ProjectID, auditdomain.ActionQuotaAdmit, meterKey, "admit", metadata)
	}
	decision.Allowed = true
	return decision, nil
}

// CostPreview weighs rollup counts in [from, to] by the configured per-event weights.
// Event types without a weight are listed at zero.
func (s *Service) CostPreview(ctx context.Context, projectID snowflake.ID, from, to time.Time) (*domain.CostPreview, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, domain.ErrInvalidTimeRange
	}
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	rollups, err := s.usage.ListRollups(ctx, projectID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{}
	for _, r := range rollups {
		counts[r.EventType] += r.Count
	}
	eventTypes := make([]string, 0, len(counts))
	for eventType := range counts {
		eventTypes = append(eventTypes, eventType)
	}
	sort.Strings(eventTypes)

	weights := s.cfg.Get().CostWeights
	preview := &domain.CostPreview{
		From:            from.UTC(),
		To:              to.UTC(),
		Lines:           make([]domain.CostLine, 0, len(eventTypes)),
		TotalCostWeight: decimal.Zero,
	}
	for _, eventType := range eventTypes {
		weight := decimal.NewFromFloat(weights[eventType])
		cost := weight.Mul(decimal.NewFromInt(counts[eventType]))
		preview.Lines = append(preview.Lines, domain.CostLine{
			EventType: eventType,
			Count:     counts[eventType],
			Weight:    weight,
			Cost:      cost,
		})
		preview.TotalCostWeight = preview.TotalCostWeight.Add(cost)
	}
	return preview, nil
}

func (s *Service) CapabilityFor(eventType string) (plandomain.Capability, bool) {
	capability, ok := s.cfg.Get().MeterCapabilities[strings.TrimSpace(eventType)]
	if !ok || capability == "" {
		return "", false
	}
	return plandomain.Capability(capability), true
}

func (s *Service) record(ctx context.Context, projectID snowflake.ID, action, meterKey, outcome string, metadata map[string]any) {
	s.metrics.RecordAdmission(ctx, meterKey, outcome)
	target := projectID.String()
	_ = s.auditSvc.AuditLog(ctx, &projectID, "", nil, action, "project", &target, metadata)
}
