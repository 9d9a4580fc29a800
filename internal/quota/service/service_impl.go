package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	"github.com/smallbiznis/gatekeeper/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Plans    plandomain.Service
	Projects projectdomain.Service
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	plans    plandomain.Service
	projects projectdomain.Service
	auditSvc auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("quota.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		plans:    p.Plans,
		projects: p.Projects,
		auditSvc: p.AuditSvc,
	}
}

// Admit counts one unit of meterKey against the quota in force at at. A meter the
// plan does not limit is admitted as unlimited and not counted.
func (s *Service) Admit(ctx context.Context, projectID snowflake.ID, meterKey string, at time.Time) (domain.Decision, error) {
	meterKey = strings.TrimSpace(meterKey)
	if meterKey == "" {
		return domain.Decision{}, domain.ErrInvalidMeterKey
	}
	at = at.UTC()

	quota, err := s.ensureQuota(ctx, projectID, meterKey, at)
	if err != nil {
		return domain.Decision{}, err
	}
	if quota == nil {
		return domain.Decision{MeterKey: meterKey, Allowed: true, Unlimited: true}, nil
	}

	key, start := domain.Bucket(quota.Period, at)
	decision := domain.Decision{
		MeterKey:    meterKey,
		Limit:       quota.QuotaLimit,
		HardLimit:   quota.HardLimit,
		Period:      quota.Period,
		PeriodStart: &start,
	}

	used, ok, err := s.repo.Increment(ctx, s.db, quota.ID, key, start, s.clock.Now().UTC())
	if err != nil {
		return domain.Decision{}, err
	}
	if !ok {
		current, err := s.repo.Find(ctx, s.db, projectID, meterKey)
		if err != nil {
			return domain.Decision{}, err
		}
		if current != nil {
			decision.Used = current.UsedIn(key)
			decision.Limit = current.QuotaLimit
		}
		return decision, nil
	}

	decision.Allowed = true
	decision.Used = used
	decision.Warning = !quota.HardLimit && used > quota.QuotaLimit
	return decision, nil
}

// List composes stored counters with the plan in force at at without writing:
// a plan limit with no row yet is reported with nothing used.
func (s *Service) List(ctx context.Context, projectID snowflake.ID, at time.Time) ([]domain.Quota, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	at = at.UTC()
	resolved, err := s.plans.Resolve(ctx, projectID, at)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.List(ctx, s.db, projectID)
	if err != nil {
		return nil, err
	}

	stored := make(map[string]int, len(rows))
	for i := range rows {
		stored[rows[i].MeterKey] = i
	}
	for _, limit := range resolved.Plan.QuotaLimits {
		i, ok := stored[limit.MeterKey]
		if !ok {
			rows = append(rows, domain.Quota{
				ProjectID:  projectID,
				MeterKey:   limit.MeterKey,
				Period:     limit.Period,
				QuotaLimit: limit.Limit,
				HardLimit:  limit.HardLimit,
				Source:     domain.SourcePlan,
			})
			continue
		}
		if rows[i].Source == domain.SourcePlan {
			rows[i].Period = limit.Period
			rows[i].QuotaLimit = limit.Limit
			rows[i].HardLimit = limit.HardLimit
		}
	}

	for i := range rows {
		key, start := domain.Bucket(rows[i].Period, at)
		rows[i].Used = rows[i].UsedIn(key)
		rows[i].PeriodKey = key
		rows[i].PeriodStart = start
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].MeterKey < rows[j].MeterKey })
	return rows, nil
}

func (s *Service) Override(ctx context.Context, req domain.OverrideRequest) (*domain.Quota, error) {
	meterKey := strings.TrimSpace(req.MeterKey)
	if meterKey == "" {
		return nil, domain.ErrInvalidMeterKey
	}
	if req.Limit < 0 {
		return nil, domain.ErrInvalidLimit
	}
	if !req.Period.Valid() {
		return nil, domain.ErrInvalidPeriod
	}
	if _, err := s.projects.Get(ctx, req.ProjectID); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	key, start := domain.Bucket(req.Period, now)
	if err := s.repo.UpsertOverride(ctx, s.db, &domain.Quota{
		ID:          s.genID.Generate(),
		ProjectID:   req.ProjectID,
		MeterKey:    meterKey,
		Period:      req.Period,
		QuotaLimit:  req.Limit,
		HardLimit:   req.HardLimit,
		PeriodStart: start,
		PeriodKey:   key,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}
	quota, err := s.repo.Find(ctx, s.db, req.ProjectID, meterKey)
	if err != nil {
		return nil, err
	}

	quotaID := quota.ID.String()
	_ = s.auditSvc.AuditLog(ctx, &req.ProjectID, "", nil, auditdomain.ActionQuotaOverride, "quota", &quotaID, map[string]any{
		"meter_key":  meterKey,
		"limit":      req.Limit,
		"period":     string(req.Period),
		"hard_limit": req.HardLimit,
	})
	s.log.Info("quota overridden",
		zap.String("project_id", req.ProjectID.String()),
		zap.String("meter_key", meterKey),
		zap.Int64("limit", req.Limit),
	)
	return quota, nil
}

// SyncFromPlan makes sure every limit of the plan in force at at has a quota row
// and that plan-sourced rows carry the plan's current settings.
func (s *Service) SyncFromPlan(ctx context.Context, projectID snowflake.ID, at time.Time) ([]domain.Quota, error) {
	resolved, err := s.plans.Resolve(ctx, projectID, at)
	if err != nil {
		return nil, err
	}
	for _, limit := range resolved.Plan.QuotaLimits {
		if _, err := s.ensureQuota(ctx, projectID, limit.MeterKey, at); err != nil {
			return nil, err
		}
	}
	return s.repo.List(ctx, s.db, projectID)
}

// RolloverStale zeroes counters left in a past bucket. Admission resets lazily, so this
// only keeps stored values tidy for reporting.
func (s *Service) RolloverStale(ctx context.Context, now time.Time, batch int) (int, error) {
	now = now.UTC()
	var (
		after snowflake.ID
		reset int
		errs  []error
	)
	for {
		rows, err := s.repo.ListAfter(ctx, s.db, after, batch)
		if err != nil {
			return reset, err
		}
		for _, q := range rows {
			key, start := domain.Bucket(q.Period, now)
			if q.PeriodKey == key {
				continue
			}
			ok, err := s.repo.ResetStale(ctx, s.db, q.ID, q.PeriodKey, key, start, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				reset++
			}
		}
		if batch <= 0 || len(rows) < batch || ctx.Err() != nil {
			break
		}
		after = rows[len(rows)-1].ID
	}
	return reset, errors.Join(errs...)
}

func (s *Service) ensureQuota(ctx context.Context, projectID snowflake.ID, meterKey string, at time.Time) (*domain.Quota, error) {
	existing, err := s.repo.Find(ctx, s.db, projectID, meterKey)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Source == domain.SourceOverride {
		return existing, nil
	}

	resolved, err := s.plans.Resolve(ctx, projectID, at)
	if err != nil {
		return nil, err
	}
	limit, limited := resolved.Plan.Limit(meterKey)
	if !limited {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	if existing != nil {
		if existing.QuotaLimit == limit.Limit && existing.Period == limit.Period && existing.HardLimit == limit.HardLimit {
			return existing, nil
		}
		if err := s.repo.SyncPlanLimit(ctx, s.db, existing.ID, limit, now); err != nil {
			return nil, err
		}
		return s.repo.Find(ctx, s.db, projectID, meterKey)
	}

	key, start := domain.Bucket(limit.Period, at)
	if err := s.repo.InsertIfAbsent(ctx, s.db, &domain.Quota{
		ID:          s.genID.Generate(),
		ProjectID:   projectID,
		MeterKey:    meterKey,
		Period:      limit.Period,
		QuotaLimit:  limit.Limit,
		HardLimit:   limit.HardLimit,
		PeriodStart: start,
		PeriodKey:   key,
		Source:      domain.SourcePlan,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}
	return s.repo.Find(ctx, s.db, projectID, meterKey)
}
