package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	anomalydomain "github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/audit/masking"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	entitlementdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/health/domain"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	recentBlockLimit   = 10
	recentAnomalyLimit = 10
	bundleAuditLimit   = 100
	bundleTimelineDays = 30
)

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	Projects     projectdomain.Service
	Billing      billingdomain.Service
	Plans        plandomain.Service
	Quotas       quotadomain.Service
	Usage        usagedomain.Service
	Entitlements entitlementdomain.Service
	Anomalies    anomalydomain.Service
	AuditSvc     auditdomain.Service
	Signer       domain.Signer `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	clock        clock.Clock
	projects     projectdomain.Service
	billing      billingdomain.Service
	plans        plandomain.Service
	quotas       quotadomain.Service
	usage        usagedomain.Service
	entitlements entitlementdomain.Service
	anomalies    anomalydomain.Service
	auditSvc     auditdomain.Service
	signer       domain.Signer
}

func NewService(p Params) domain.Service {
	return &Service{
		log:          p.Log.Named("health.service"),
		clock:        p.Clock,
		projects:     p.Projects,
		billing:      p.Billing,
		plans:        p.Plans,
		quotas:       p.Quotas,
		usage:        p.Usage,
		entitlements: p.Entitlements,
		anomalies:    p.Anomalies,
		auditSvc:     p.AuditSvc,
		signer:       p.Signer,
	}
}

func (s *Service) Snapshot(ctx context.Context, projectID snowflake.ID, at time.Time) (*domain.Snapshot, error) {
	at = at.UTC()
	ent, err := s.entitlements.Resolve(ctx, projectID, at)
	if err != nil {
		return nil, err
	}
	status, err := s.billing.CurrentStatus(ctx, projectID, at)
	if err != nil {
		return nil, err
	}
	if status.ExternalCustomerRef != nil {
		masked := masking.MaskSecret(*status.ExternalCustomerRef)
		status.ExternalCustomerRef = &masked
	}
	resolved, err := s.plans.Resolve(ctx, projectID, at)
	if err != nil {
		return nil, err
	}

	quotas, err := s.quotas.List(ctx, projectID, at)
	if err != nil {
		return nil, err
	}
	utilization := make([]domain.QuotaUtilization, 0, len(quotas))
	for _, q := range quotas {
		utilization = append(utilization, domain.QuotaUtilization{
			MeterKey:    q.MeterKey,
			Used:        q.Used,
			Limit:       q.QuotaLimit,
			HardLimit:   q.HardLimit,
			Period:      q.Period,
			PeriodStart: q.PeriodStart,
			Utilization: utilizationPct(q.Used, q.QuotaLimit),
			Source:      string(q.Source),
		})
	}

	blocks, err := s.auditSvc.List(ctx, auditdomain.ListAuditLogRequest{
		ProjectID:  projectID,
		Actions:    auditdomain.BlockActions,
		Pagination: pagination.Pagination{PageSize: recentBlockLimit},
	})
	if err != nil {
		return nil, err
	}
	anomalies, err := s.anomalies.List(ctx, anomalydomain.ListRequest{
		ProjectID:  projectID,
		Pagination: pagination.Pagination{PageSize: recentAnomalyLimit},
	})
	if err != nil {
		return nil, err
	}

	return &domain.Snapshot{
		ProjectID: projectID,
		At:        at,
		Billing:   status,
		Plan: domain.PlanSummary{
			Key:           resolved.Plan.Key,
			Name:          resolved.Plan.Name,
			Tier:          resolved.Plan.Tier,
			Source:        resolved.Source,
			EffectiveFrom: resolved.EffectiveFrom,
		},
		Entitlements: ent,
		Quotas:       utilization,
		RecentBlocks: blocks.AuditLogs,
		Anomalies:    anomalies.Anomalies,
	}, nil
}

// Timeline buckets usage, enforcement outcomes and billing transitions per UTC day
// over [from, to].
func (s *Service) Timeline(ctx context.Context, projectID snowflake.ID, from, to time.Time) (*domain.Timeline, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, domain.ErrInvalidTimeRange
	}
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	from, to = from.UTC(), to.UTC()

	days := map[string]*domain.TimelineDay{}
	var order []string
	for d := startOfDay(from); !d.After(to); d = d.AddDate(0, 0, 1) {
		key := usagedomain.Day(d)
		days[key] = &domain.TimelineDay{
			Day:                key,
			Usage:              map[string]int64{},
			BillingTransitions: []domain.BillingTransition{},
		}
		order = append(order, key)
	}

	rollups, err := s.usage.ListRollups(ctx, projectID, from, to)
	if err != nil {
		return nil, err
	}
	for _, r := range rollups {
		if day, ok := days[r.DayUTC]; ok {
			day.Usage[r.EventType] += r.Count
		}
	}

	actions := append([]string{auditdomain.ActionQuotaWarning, auditdomain.ActionBillingStateTransition}, auditdomain.BlockActions...)
	start, end := startOfDay(from), to.Add(time.Nanosecond)
	err = s.eachAudit(ctx, projectID, actions, &start, &end, func(entry auditdomain.AuditLog) {
		day, ok := days[usagedomain.Day(entry.CreatedAt)]
		if !ok {
			return
		}
		switch entry.Action {
		case auditdomain.ActionQuotaWarning:
			day.Warnings++
		case auditdomain.ActionBillingStateTransition:
			day.BillingTransitions = append(day.BillingTransitions, domain.BillingTransition{
				At:    entry.CreatedAt.UTC(),
				From:  metadataString(entry.Metadata, "from"),
				To:    metadataString(entry.Metadata, "to"),
				Event: metadataString(entry.Metadata, "event"),
			})
		default:
			day.Blocks++
		}
	})
	if err != nil {
		return nil, err
	}

	timeline := &domain.Timeline{ProjectID: projectID, From: from, To: to, Days: make([]domain.TimelineDay, 0, len(order))}
	for _, key := range order {
		day := days[key]
		// Audit pages arrive newest first.
		for i, j := 0, len(day.BillingTransitions)-1; i < j; i, j = i+1, j-1 {
			day.BillingTransitions[i], day.BillingTransitions[j] = day.BillingTransitions[j], day.BillingTransitions[i]
		}
		timeline.Days = append(timeline.Days, *day)
	}
	return timeline, nil
}

// SupportBundle composes the snapshot, a trailing timeline and recent audit events
// and signs the result.
func (s *Service) SupportBundle(ctx context.Context, projectID snowflake.ID, at time.Time) (*domain.SupportBundle, error) {
	if s.signer == nil {
		return nil, domain.ErrSigningUnavailable
	}
	at = at.UTC()
	snapshot, err := s.Snapshot(ctx, projectID, at)
	if err != nil {
		return nil, err
	}
	timeline, err := s.Timeline(ctx, projectID, at.AddDate(0, 0, -(bundleTimelineDays-1)), at)
	if err != nil {
		return nil, err
	}
	recent, err := s.auditSvc.List(ctx, auditdomain.ListAuditLogRequest{
		ProjectID:  projectID,
		Pagination: pagination.Pagination{PageSize: bundleAuditLimit},
	})
	if err != nil {
		return nil, err
	}
	events := make([]auditdomain.AuditLog, 0, len(recent.AuditLogs))
	for _, entry := range recent.AuditLogs {
		entry.Metadata = masking.MaskJSON(entry.Metadata)
		events = append(events, entry)
	}

	bundle := &domain.SupportBundle{
		ProjectID:         projectID,
		GeneratedAt:       s.clock.Now().UTC(),
		Snapshot:          snapshot,
		Timeline:          timeline,
		RecentAuditEvents: events,
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	signature, err := s.signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	bundle.Signature = signature

	id := projectID.String()
	_ = s.auditSvc.AuditLog(ctx, &projectID, "", nil, auditdomain.ActionSupportBundleExported, "project", &id, map[string]any{
		"audit_events": len(events),
	})
	return bundle, nil
}

func (s *Service) eachAudit(ctx context.Context, projectID snowflake.ID, actions []string, from, to *time.Time, fn func(auditdomain.AuditLog)) error {
	token := ""
	for {
		page, err := s.auditSvc.List(ctx, auditdomain.ListAuditLogRequest{
			ProjectID:  projectID,
			Actions:    actions,
			StartAt:    from,
			EndAt:      to,
			Pagination: pagination.Pagination{PageToken: token, PageSize: 250},
		})
		if err != nil {
			return err
		}
		for _, entry := range page.AuditLogs {
			fn(entry)
		}
		if !page.HasMore || page.NextPageToken == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		token = page.NextPageToken
	}
}

func utilizationPct(used, limit int64) float64 {
	if limit <= 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func metadataString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
