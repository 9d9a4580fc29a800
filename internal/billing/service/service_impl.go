package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	"github.com/smallbiznis/gatekeeper/internal/temporal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tableAccounts = "billing_accounts"
	tableProfiles = "billing_profiles"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   *config.EnforcementConfigHolder
	Repo     domain.Repository
	Projects projectdomain.Service
	Locker   temporal.SubjectLocker
	AuditSvc auditdomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      *config.EnforcementConfigHolder
	repo     domain.Repository
	projects projectdomain.Service
	links    *temporal.Store[*domain.ProjectBillingAccountLink]
	auditSvc auditdomain.Service
	metrics  *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("billing.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config,
		repo:     p.Repo,
		projects: p.Projects,
		links:    temporal.NewStore[*domain.ProjectBillingAccountLink](p.DB, p.Locker, p.Clock),
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

// target is the row a project's billing state currently lives in.
type target struct {
	table     string
	source    domain.Source
	id        snowflake.ID
	accountID *snowflake.ID
	extRef    *string
	lifecycle domain.Lifecycle
}

func (s *Service) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.BillingAccount, error) {
	if req.TenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	status := req.Status
	if status == "" {
		status = domain.StatusActive
	}
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	graceDays, err := s.graceWindow(req.GraceWindowDays)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	account := &domain.BillingAccount{
		ID:                  s.genID.Generate(),
		TenantID:            req.TenantID,
		ExternalCustomerRef: req.ExternalCustomerRef,
		Lifecycle: domain.Lifecycle{
			Status:          status,
			StatusChangedAt: now,
			GraceWindowDays: graceDays,
		},
		CreatedAt: now,
	}
	if err := s.repo.InsertAccount(ctx, s.db, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, id snowflake.ID) (*domain.BillingAccount, error) {
	account, err := s.repo.FindAccount(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) LinkAccount(ctx context.Context, req domain.ScheduleLinkRequest) (*domain.ProjectBillingAccountLink, error) {
	project, err := s.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	account, err := s.GetAccount(ctx, req.BillingAccountID)
	if err != nil {
		return nil, err
	}
	if account.TenantID != project.TenantID {
		return nil, domain.ErrAccountTenantMismatch
	}

	link := &domain.ProjectBillingAccountLink{
		EffectiveDated: temporal.EffectiveDated{
			ID:            s.genID.Generate(),
			ProjectID:     project.ID,
			EffectiveFrom: req.EffectiveFrom,
			EffectiveTo:   req.EffectiveTo,
		},
		BillingAccountID: account.ID,
	}
	if err := s.links.Schedule(ctx, link); err != nil {
		return nil, err
	}

	linkID := link.ID.String()
	_ = s.auditSvc.AuditLog(ctx, &project.ID, "", nil, auditdomain.ActionBillingLinkScheduled, "billing_account_link", &linkID, map[string]any{
		"billing_account_id": account.ID.String(),
		"effective_from":     link.EffectiveFrom.Format(time.RFC3339),
		"effective_to":       formatOptional(link.EffectiveTo),
	})
	s.log.Info("billing account link scheduled",
		zap.String("project_id", project.ID.String()),
		zap.String("billing_account_id", account.ID.String()),
		zap.Time("effective_from", link.EffectiveFrom),
	)
	return link, nil
}

func (s *Service) CancelScheduledLink(ctx context.Context, projectID, linkID snowflake.ID) (*domain.ProjectBillingAccountLink, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	link, err := s.links.CancelFuture(ctx, projectID, linkID)
	if err != nil {
		return nil, err
	}
	id := link.ID.String()
	_ = s.auditSvc.AuditLog(ctx, &projectID, "", nil, auditdomain.ActionBillingLinkCanceled, "billing_account_link", &id, map[string]any{
		"billing_account_id": link.BillingAccountID.String(),
	})
	return link, nil
}

func (s *Service) TerminateLink(ctx context.Context, projectID, linkID snowflake.ID, at time.Time) (*domain.ProjectBillingAccountLink, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.links.Terminate(ctx, projectID, linkID, at)
}

func (s *Service) ListLinks(ctx context.Context, projectID snowflake.ID) ([]*domain.ProjectBillingAccountLink, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.links.List(ctx, projectID)
}

// UpsertProfile creates the legacy profile or resets its status through the version CAS.
func (s *Service) UpsertProfile(ctx context.Context, req domain.UpsertProfileRequest) (*domain.BillingProfile, error) {
	if _, err := s.projects.Get(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	status := req.Status
	if status == "" {
		status = domain.StatusActive
	}
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	if req.GraceWindowDays != nil && *req.GraceWindowDays < 0 {
		return nil, domain.ErrInvalidGraceWindow
	}

	profile, err := s.ensureProfile(ctx, req.ProjectID, status, req.GraceWindowDays)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < s.cfg.Get().BillingCASRetries; attempt++ {
		next := profile.Lifecycle
		if next.Status != status {
			next.Status = status
			next.StatusChangedAt = s.clock.Now().UTC()
			if status != domain.StatusPastDue && status != domain.StatusGrace {
				next.PastDueSince = nil
			}
		}
		if req.GraceWindowDays != nil {
			next.GraceWindowDays = *req.GraceWindowDays
		}
		if next == profile.Lifecycle {
			return profile, nil
		}
		ok, err := s.repo.CompareAndSwap(ctx, s.db, tableProfiles, profile.ID, profile.Version, next)
		if err != nil {
			return nil, err
		}
		if ok {
			next.Version = profile.Version + 1
			profile.Lifecycle = next
			return profile, nil
		}
		s.metrics.RecordBillingCASRetry(ctx)
		if profile, err = s.repo.FindProfile(ctx, s.db, req.ProjectID); err != nil {
			return nil, err
		}
	}
	return nil, domain.ErrConcurrentModification
}

func (s *Service) CurrentStatus(ctx context.Context, projectID snowflake.ID, at time.Time) (domain.StatusView, error) {
	t, err := s.resolveTarget(ctx, projectID, at.UTC())
	if err != nil {
		return domain.StatusView{}, err
	}
	if t == nil {
		return domain.StatusView{
			Status:       domain.StatusActive,
			StoredStatus: domain.StatusActive,
			Source:       domain.SourceDefault,
		}, nil
	}

	l := t.lifecycle
	id := t.id
	changedAt := l.StatusChangedAt
	return domain.StatusView{
		Status:              domain.Derive(l, at.UTC(), s.cfg.Get().SuspendAfterGraceDays),
		StoredStatus:        l.Status,
		Source:              t.source,
		TargetID:            &id,
		BillingAccountID:    t.accountID,
		ExternalCustomerRef: t.extRef,
		StatusChangedAt:     &changedAt,
		PastDueSince:        l.PastDueSince,
		TrialEndsAt:         l.TrialEndsAt,
		GraceWindowDays:     l.GraceWindowDays,
	}, nil
}

func (s *Service) ApplyEvent(ctx context.Context, req domain.ApplyEventRequest) (*domain.ApplyEventResult, error) {
	if !req.Event.Valid() {
		return nil, domain.ErrInvalidEvent
	}
	if req.GraceWindowDays != nil && *req.GraceWindowDays < 0 {
		return nil, domain.ErrInvalidGraceWindow
	}
	if _, err := s.projects.Get(ctx, req.ProjectID); err != nil {
		return nil, err
	}

	cfg := s.cfg.Get()
	for attempt := 0; attempt < cfg.BillingCASRetries; attempt++ {
		now := s.clock.Now().UTC()
		t, err := s.provisionedTarget(ctx, req.ProjectID, now)
		if err != nil {
			return nil, err
		}

		next, from, ok := domain.Apply(t.lifecycle, req.Event, domain.ApplyOptions{
			Now:                   now,
			SuspendAfterGraceDays: cfg.SuspendAfterGraceDays,
			DefaultTrialDays:      cfg.DefaultTrialDays,
			GraceWindowDays:       req.GraceWindowDays,
		})
		result := &domain.ApplyEventResult{
			Status:         from,
			PreviousStatus: from,
			Noop:           !ok,
			Source:         t.source,
			TargetID:       &t.id,
		}
		if !ok {
			s.auditEvent(ctx, req, t, result)
			return result, nil
		}

		swapped, err := s.repo.CompareAndSwap(ctx, s.db, t.table, t.id, t.lifecycle.Version, next)
		if err != nil {
			return nil, err
		}
		if !swapped {
			s.metrics.RecordBillingCASRetry(ctx)
			s.log.Debug("billing state changed concurrently, retrying",
				zap.String("project_id", req.ProjectID.String()),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		result.Status = next.Status
		result.Transitioned = true
		s.auditEvent(ctx, req, t, result)
		s.metrics.RecordBillingTransition(ctx, string(from), string(next.Status), string(req.Event))
		s.log.Info("billing state transitioned",
			zap.String("project_id", req.ProjectID.String()),
			zap.String("event", string(req.Event)),
			zap.String("from", string(from)),
			zap.String("to", string(next.Status)),
			zap.String("source", string(t.source)),
		)
		return result, nil
	}
	return nil, domain.ErrConcurrentModification
}

func (s *Service) SweepDerived(ctx context.Context, now time.Time, batch int) (int, error) {
	now = now.UTC()
	suspendAfter := s.cfg.Get().SuspendAfterGraceDays
	updated := 0
	var errs []error
	for _, table := range []string{tableAccounts, tableProfiles} {
		var after snowflake.ID
		for {
			rows, err := s.repo.ListDelinquent(ctx, s.db, table, after, batch)
			if err != nil {
				errs = append(errs, err)
				break
			}
			for _, row := range rows {
				derived := domain.Derive(row.Lifecycle, now, suspendAfter)
				if derived == row.Status {
					continue
				}
				next := row.Lifecycle
				next.Status = derived
				next.StatusChangedAt = now
				// A lost race means a concurrent event already moved the row on.
				ok, err := s.repo.CompareAndSwap(ctx, s.db, table, row.ID, row.Version, next)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if ok {
					updated++
					s.metrics.RecordBillingTransition(ctx, string(row.Status), string(derived), "elapsed")
				}
			}
			if batch <= 0 || len(rows) < batch || ctx.Err() != nil {
				break
			}
			after = rows[len(rows)-1].ID
		}
	}
	return updated, errors.Join(errs...)
}

// provisionedTarget resolves the billing target, creating the project's profile on
// first use. Provisioning does not count as a compare-and-swap attempt.
func (s *Service) provisionedTarget(ctx context.Context, projectID snowflake.ID, now time.Time) (*target, error) {
	t, err := s.resolveTarget(ctx, projectID, now)
	if err != nil || t != nil {
		return t, err
	}
	if _, err := s.ensureProfile(ctx, projectID, domain.StatusActive, nil); err != nil {
		return nil, err
	}
	t, err = s.resolveTarget(ctx, projectID, now)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrConcurrentModification
	}
	return t, nil
}

func (s *Service) resolveTarget(ctx context.Context, projectID snowflake.ID, at time.Time) (*target, error) {
	link, err := s.links.ResolveAt(ctx, projectID, at)
	switch {
	case err == nil:
		account, err := s.repo.FindAccount(ctx, s.db, link.BillingAccountID)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, domain.ErrAccountNotFound
		}
		accountID := account.ID
		return &target{
			table:     tableAccounts,
			source:    domain.SourceAccount,
			id:        account.ID,
			accountID: &accountID,
			extRef:    account.ExternalCustomerRef,
			lifecycle: account.Lifecycle,
		}, nil
	case !errors.Is(err, temporal.ErrNotFound):
		return nil, err
	}

	profile, err := s.repo.FindProfile(ctx, s.db, projectID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, nil
	}
	return &target{
		table:     tableProfiles,
		source:    domain.SourceProfile,
		id:        profile.ID,
		lifecycle: profile.Lifecycle,
	}, nil
}

func (s *Service) ensureProfile(ctx context.Context, projectID snowflake.ID, status domain.Status, graceWindowDays *int) (*domain.BillingProfile, error) {
	existing, err := s.repo.FindProfile(ctx, s.db, projectID)
	if err != nil || existing != nil {
		return existing, err
	}
	graceDays, err := s.graceWindow(graceWindowDays)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	profile := &domain.BillingProfile{
		ID:        s.genID.Generate(),
		ProjectID: projectID,
		Lifecycle: domain.Lifecycle{
			Status:          status,
			StatusChangedAt: now,
			GraceWindowDays: graceDays,
		},
		CreatedAt: now,
	}
	if err := s.repo.InsertProfile(ctx, s.db, profile); err != nil {
		return nil, err
	}
	return s.repo.FindProfile(ctx, s.db, projectID)
}

func (s *Service) graceWindow(requested *int) (int, error) {
	if requested == nil {
		return s.cfg.Get().DefaultGraceWindowDays, nil
	}
	if *requested < 0 {
		return 0, domain.ErrInvalidGraceWindow
	}
	return *requested, nil
}

func (s *Service) auditEvent(ctx context.Context, req domain.ApplyEventRequest, t *target, result *domain.ApplyEventResult) {
	targetType := "billing_profile"
	if t.source == domain.SourceAccount {
		targetType = "billing_account"
	}
	targetID := t.id.String()
	metadata := map[string]any{
		"event":        string(req.Event),
		"from":         string(result.PreviousStatus),
		"to":           string(result.Status),
		"noop":         result.Noop,
		"source":       string(t.source),
		"stored_state": string(t.lifecycle.Status),
	}
	if req.GraceWindowDays != nil {
		metadata["grace_window_days"] = *req.GraceWindowDays
	}

	if err := s.auditSvc.AuditLog(ctx, &req.ProjectID, "", req.ActorID, auditdomain.ActionBillingEventApplied, targetType, &targetID, metadata); err != nil {
		s.log.Warn("billing event audit failed", zap.Error(err))
	}
	if !result.Transitioned {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, &req.ProjectID, "", req.ActorID, auditdomain.ActionBillingStateTransition, targetType, &targetID, metadata); err != nil {
		s.log.Warn("billing transition audit failed", zap.Error(err))
	}
}

func formatOptional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
