// Package enginetest wires every enforcement service over an in-memory database
// for cross-package tests.
package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	anomalydomain "github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	anomalyrepo "github.com/smallbiznis/gatekeeper/internal/anomaly/repository"
	anomalyservice "github.com/smallbiznis/gatekeeper/internal/anomaly/service"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	auditrepo "github.com/smallbiznis/gatekeeper/internal/audit/repository"
	auditservice "github.com/smallbiznis/gatekeeper/internal/audit/service"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	billingrepo "github.com/smallbiznis/gatekeeper/internal/billing/repository"
	billingservice "github.com/smallbiznis/gatekeeper/internal/billing/service"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	entitlementdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	entitlementservice "github.com/smallbiznis/gatekeeper/internal/entitlement/service"
	healthdomain "github.com/smallbiznis/gatekeeper/internal/health/domain"
	healthservice "github.com/smallbiznis/gatekeeper/internal/health/service"
	"github.com/smallbiznis/gatekeeper/internal/migration"
	"github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	planservice "github.com/smallbiznis/gatekeeper/internal/plan/service"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	projectrepo "github.com/smallbiznis/gatekeeper/internal/project/repository"
	projectservice "github.com/smallbiznis/gatekeeper/internal/project/service"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
	quotarepo "github.com/smallbiznis/gatekeeper/internal/quota/repository"
	quotaservice "github.com/smallbiznis/gatekeeper/internal/quota/service"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"github.com/smallbiznis/gatekeeper/internal/usage/liveevents"
	usagerepo "github.com/smallbiznis/gatekeeper/internal/usage/repository"
	usageservice "github.com/smallbiznis/gatekeeper/internal/usage/service"
	"github.com/smallbiznis/gatekeeper/pkg/db/dbtest"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Start is the fake clock's initial instant.
var Start = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// TenantID owns every project created through the stack.
const TenantID = snowflake.ID(5)

type Stack struct {
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  *clock.FakeClock
	Config *config.EnforcementConfigHolder
	Hub    *liveevents.Hub
	Ctx    context.Context

	Projects     projectdomain.Service
	Audit        auditdomain.Service
	Billing      billingdomain.Service
	Plans        plandomain.Service
	Quotas       quotadomain.Service
	Usage        usagedomain.Service
	Entitlements entitlementdomain.Service
	Anomalies    anomalydomain.Service
	Health       healthdomain.Service
}

type Option func(*options)

type options struct {
	cfg    config.EnforcementConfig
	signer healthdomain.Signer
}

func WithConfig(mutate func(*config.EnforcementConfig)) Option {
	return func(o *options) { mutate(&o.cfg) }
}

func WithSigner(s healthdomain.Signer) Option {
	return func(o *options) { o.signer = s }
}

func New(t testing.TB, opts ...Option) *Stack {
	t.Helper()

	o := options{cfg: config.DefaultEnforcementConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	db := dbtest.Open(t, migration.Models()...)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(Start)
	log := zap.NewNop()
	cfg := config.NewStaticEnforcementConfig(o.cfg)
	m := metrics.NewNoop()
	hub := liveevents.NewHub()

	s := &Stack{
		DB:     db,
		Node:   node,
		Clock:  clk,
		Config: cfg,
		Hub:    hub,
		Ctx:    tenantctx.WithTenantID(context.Background(), TenantID),
	}

	s.Audit = auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: auditrepo.Provide()})
	pRepo := projectrepo.Provide()
	s.Projects = projectservice.NewService(projectservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: pRepo})
	s.Billing = billingservice.NewService(billingservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Repo:     billingrepo.Provide(),
		Projects: s.Projects,
		Locker:   pRepo,
		AuditSvc: s.Audit,
		Metrics:  m,
	})
	s.Plans = planservice.NewService(planservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Projects: s.Projects,
		Locker:   pRepo,
		AuditSvc: s.Audit,
	})
	s.Quotas = quotaservice.NewService(quotaservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     quotarepo.Provide(),
		Plans:    s.Plans,
		Projects: s.Projects,
		AuditSvc: s.Audit,
	})
	s.Usage = usageservice.NewService(usageservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Repo:       usagerepo.Provide(),
		ObsMetrics: m,
		LiveEvents: hub,
	})
	s.Entitlements = entitlementservice.NewService(entitlementservice.Params{
		Log:      log,
		Config:   cfg,
		Projects: s.Projects,
		Billing:  s.Billing,
		Plans:    s.Plans,
		Quotas:   s.Quotas,
		Usage:    s.Usage,
		AuditSvc: s.Audit,
		Metrics:  m,
	})
	s.Anomalies = anomalyservice.NewService(anomalyservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Repo:     anomalyrepo.Provide(),
		Projects: s.Projects,
		Usage:    s.Usage,
		AuditSvc: s.Audit,
		Metrics:  m,
	})
	s.Health = healthservice.NewService(healthservice.Params{
		Log:          log,
		Clock:        clk,
		Projects:     s.Projects,
		Billing:      s.Billing,
		Plans:        s.Plans,
		Quotas:       s.Quotas,
		Usage:        s.Usage,
		Entitlements: s.Entitlements,
		Anomalies:    s.Anomalies,
		AuditSvc:     s.Audit,
		Signer:       o.signer,
	})
	return s
}

// Project creates a project owned by TenantID.
func (s *Stack) Project(t testing.TB, name string) *projectdomain.Project {
	t.Helper()
	project, err := s.Projects.Create(s.Ctx, projectdomain.CreateProjectRequest{Name: name})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

// Record stores one usage event at the given instant.
func (s *Stack) Record(t testing.TB, projectID snowflake.ID, eventType string, at time.Time) {
	t.Helper()
	if _, err := s.Usage.Record(s.Ctx, usagedomain.RecordRequest{
		ProjectID:  projectID,
		EventType:  eventType,
		OccurredAt: at,
	}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
}
