package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/project/domain"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("project.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateProjectRequest) (*domain.Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	tenantID := req.TenantID
	if scoped, ok := tenantctx.TenantID(ctx); ok {
		if tenantID != 0 && tenantID != scoped {
			return nil, domain.ErrInvalidTenant
		}
		tenantID = scoped
	}
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}

	project := &domain.Project{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		Name:      name,
		Slug:      slug.Make(name),
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, project); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateSlug
		}
		return nil, err
	}

	s.log.Info("project created",
		zap.String("project_id", project.ID.String()),
		zap.String("tenant_id", project.TenantID.String()),
		zap.String("slug", project.Slug),
	)
	return project, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Project, error) {
	if id == 0 {
		return nil, domain.ErrNotFound
	}
	project, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, domain.ErrNotFound
	}
	if tenantID, ok := tenantctx.TenantID(ctx); ok && project.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return project, nil
}

func (s *Service) ListIDs(ctx context.Context, after snowflake.ID, limit int) ([]snowflake.ID, error) {
	return s.repo.ListIDs(ctx, s.db, after, limit)
}
