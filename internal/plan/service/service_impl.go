package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/cache"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/plan/domain"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	"github.com/smallbiznis/gatekeeper/internal/temporal"
	"github.com/smallbiznis/gatekeeper/pkg/db/option"
	"github.com/smallbiznis/gatekeeper/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const planCacheSize = 256

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   *config.EnforcementConfigHolder
	Projects projectdomain.Service
	Locker   temporal.SubjectLocker
	AuditSvc auditdomain.Service
}

type Service struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         *config.EnforcementConfigHolder
	plans       repository.Repository[domain.Plan]
	assignments *temporal.Store[*domain.PlanAssignment]
	projects    projectdomain.Service
	auditSvc    auditdomain.Service
	cache       cache.Cache[string, domain.Plan]
}

func NewService(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("plan.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Config,
		plans:       repository.ProvideStore[domain.Plan](p.DB),
		assignments: temporal.NewStore[*domain.PlanAssignment](p.DB, p.Locker, p.Clock),
		projects:    p.Projects,
		auditSvc:    p.AuditSvc,
		cache:       cache.NewTTLCacheWith[string, domain.Plan](p.Clock.Now, planCacheSize),
	}
}

func (s *Service) UpsertPlan(ctx context.Context, req domain.UpsertPlanRequest) (*domain.Plan, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, domain.ErrInvalidPlanKey
	}
	if err := validateLimits(req.QuotaLimits); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = key
	}

	now := s.clock.Now().UTC()
	plan := &domain.Plan{
		Key:          key,
		Name:         name,
		Tier:         req.Tier,
		Capabilities: datatypes.NewJSONType(domain.CapabilitiesFromMap(req.Capabilities)),
		QuotaLimits:  datatypes.JSONSlice[domain.QuotaLimit](req.QuotaLimits),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.plans.Upsert(ctx, plan); err != nil {
		return nil, err
	}
	s.cache.Delete(key)
	s.log.Info("plan upserted", zap.String("plan_key", key), zap.Int("tier", plan.Tier))
	return plan, nil
}

// GetPlan reads through the TTL cache. The configured default plan is served
// when the catalog has no row for its key.
func (s *Service) GetPlan(ctx context.Context, key string) (*domain.Plan, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrInvalidPlanKey
	}
	if cached, ok := s.cache.Get(key); ok {
		return &cached, nil
	}

	plan, err := s.plans.FindOne(ctx, &domain.Plan{Key: key})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		fallback := s.defaultPlan()
		if fallback.Key != key {
			return nil, domain.ErrPlanNotFound
		}
		plan = &fallback
	}
	s.cache.Set(key, *plan, s.cfg.Get().EntitlementCacheTTL)
	return plan, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	return s.plans.Find(ctx, nil, option.WithOrder("tier ASC, key ASC"))
}

func (s *Service) ScheduleAssignment(ctx context.Context, req domain.ScheduleAssignmentRequest) (*domain.PlanAssignment, error) {
	project, err := s.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	plan, err := s.GetPlan(ctx, req.PlanKey)
	if err != nil {
		return nil, err
	}

	// The plan in force just before the new interval decides whether this is an upgrade.
	previous, err := s.Resolve(ctx, project.ID, req.EffectiveFrom.Add(-time.Nanosecond))
	if err != nil {
		return nil, err
	}

	assignment := &domain.PlanAssignment{
		EffectiveDated: temporal.EffectiveDated{
			ID:            s.genID.Generate(),
			ProjectID:     project.ID,
			EffectiveFrom: req.EffectiveFrom,
			EffectiveTo:   req.EffectiveTo,
		},
		PlanKey: plan.Key,
	}
	if err := s.assignments.Schedule(ctx, assignment); err != nil {
		return nil, err
	}

	assignmentID := assignment.ID.String()
	metadata := map[string]any{
		"plan_key":          plan.Key,
		"previous_plan_key": previous.Plan.Key,
		"effective_from":    assignment.EffectiveFrom.Format(time.RFC3339),
	}
	_ = s.auditSvc.AuditLog(ctx, &project.ID, "", nil, auditdomain.ActionPlanAssignmentScheduled, "plan_assignment", &assignmentID, metadata)
	if plan.Tier > previous.Plan.Tier {
		_ = s.auditSvc.AuditLog(ctx, &project.ID, "", nil, auditdomain.ActionPlanUpgrade, "plan_assignment", &assignmentID, metadata)
	}

	s.log.Info("plan assignment scheduled",
		zap.String("project_id", project.ID.String()),
		zap.String("plan_key", plan.Key),
		zap.Time("effective_from", assignment.EffectiveFrom),
	)
	return assignment, nil
}

func (s *Service) CancelScheduledAssignment(ctx context.Context, projectID, assignmentID snowflake.ID) (*domain.PlanAssignment, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	assignment, err := s.assignments.CancelFuture(ctx, projectID, assignmentID)
	if err != nil {
		return nil, err
	}
	id := assignment.ID.String()
	_ = s.auditSvc.AuditLog(ctx, &projectID, "", nil, auditdomain.ActionPlanAssignmentCanceled, "plan_assignment", &id, map[string]any{
		"plan_key": assignment.PlanKey,
	})
	return assignment, nil
}

func (s *Service) TerminateAssignment(ctx context.Context, projectID, assignmentID snowflake.ID, at time.Time) (*domain.PlanAssignment, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.assignments.Terminate(ctx, projectID, assignmentID, at)
}

func (s *Service) ListAssignments(ctx context.Context, projectID snowflake.ID) ([]*domain.PlanAssignment, error) {
	return s.assignments.List(ctx, projectID)
}

func (s *Service) Resolve(ctx context.Context, projectID snowflake.ID, at time.Time) (domain.ResolvedPlan, error) {
	assignment, err := s.assignments.ResolveAt(ctx, projectID, at)
	if errors.Is(err, temporal.ErrNotFound) {
		return domain.ResolvedPlan{Plan: s.defaultPlan(), Source: domain.SourceDefault}, nil
	}
	if err != nil {
		return domain.ResolvedPlan{}, err
	}

	plan, err := s.GetPlan(ctx, assignment.PlanKey)
	if err != nil {
		return domain.ResolvedPlan{}, err
	}
	id := assignment.ID.String()
	from := assignment.EffectiveFrom
	return domain.ResolvedPlan{
		Plan:          *plan,
		Source:        domain.SourceAssignment,
		AssignmentID:  &id,
		EffectiveFrom: &from,
	}, nil
}

func (s *Service) defaultPlan() domain.Plan {
	tmpl := s.cfg.Get().DefaultPlan
	limits := make([]domain.QuotaLimit, 0, len(tmpl.QuotaLimits))
	for _, l := range tmpl.QuotaLimits {
		limits = append(limits, domain.QuotaLimit{
			MeterKey:  l.MeterKey,
			Limit:     l.Limit,
			Period:    domain.Period(l.Period),
			HardLimit: l.HardLimit,
		})
	}
	return domain.Plan{
		Key:          tmpl.Key,
		Name:         tmpl.Name,
		Tier:         tmpl.Tier,
		Capabilities: datatypes.NewJSONType(domain.CapabilitiesFromMap(tmpl.Capabilities)),
		QuotaLimits:  limits,
	}
}

func validateLimits(limits []domain.QuotaLimit) error {
	seen := make(map[string]struct{}, len(limits))
	for _, l := range limits {
		if strings.TrimSpace(l.MeterKey) == "" || l.Limit < 0 || !l.Period.Valid() {
			return domain.ErrInvalidQuotaLimit
		}
		if _, dup := seen[l.MeterKey]; dup {
			return domain.ErrDuplicateMeterKey
		}
		seen[l.MeterKey] = struct{}{}
	}
	return nil
}
