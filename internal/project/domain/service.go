package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateProjectRequest struct {
	TenantID snowflake.ID `json:"tenant_id"`
	Name     string       `json:"name"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, project *Project) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Project, error)
	// LockSubject bumps schedule_version, taking the row lock for the rest of tx.
	LockSubject(ctx context.Context, tx *gorm.DB, id snowflake.ID) error
	ListIDs(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]snowflake.ID, error)
}

type Service interface {
	Create(ctx context.Context, req CreateProjectRequest) (*Project, error)
	// Get returns ErrNotFound for projects outside the caller's tenant.
	Get(ctx context.Context, id snowflake.ID) (*Project, error)
	ListIDs(ctx context.Context, after snowflake.ID, limit int) ([]snowflake.ID, error)
}

var (
	ErrNotFound      = errors.New("project_not_found")
	ErrInvalidName   = errors.New("invalid_project_name")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrDuplicateSlug = errors.New("duplicate_project_slug")
)
