package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	ProjectID snowflake.ID
	Actions   []string
	StartAt   *time.Time
	EndAt     *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
	Count(ctx context.Context, db *gorm.DB, projectID snowflake.ID, actions []string, since time.Time) (int64, error)
	Latest(ctx context.Context, db *gorm.DB, projectID snowflake.ID, action string) (*AuditLog, error)
}

type Service interface {
	AuditLog(ctx context.Context, projectID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
	// CountSince counts the project's events with one of the actions created at or after since.
	CountSince(ctx context.Context, projectID snowflake.ID, actions []string, since time.Time) (int64, error)
	// LatestAction returns the newest event with the action, or nil.
	LatestAction(ctx context.Context, projectID snowflake.ID, action string) (*AuditLog, error)
}

var (
	ErrInvalidProject   = errors.New("invalid_project")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
