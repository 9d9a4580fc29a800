package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListRequest struct {
	pagination.Pagination
	ProjectID snowflake.ID
}

type ListResponse struct {
	pagination.PageInfo
	Anomalies []Anomaly `json:"anomalies"`
}

type Cursor struct {
	ID         snowflake.ID
	DetectedAt time.Time
}

type Repository interface {
	// InsertIfAbsent reports false when the window was already recorded.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, anomaly *Anomaly) (bool, error)
	List(ctx context.Context, db *gorm.DB, projectID snowflake.ID, cursor *Cursor, limit int) ([]*Anomaly, error)
}

type Service interface {
	// Scan evaluates every rule for the project and returns the anomalies it newly recorded.
	Scan(ctx context.Context, projectID snowflake.ID, now time.Time) ([]Anomaly, error)
	ScanAll(ctx context.Context, now time.Time, batch int) (int, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidProject   = errors.New("invalid_project")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
