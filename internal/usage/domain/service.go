package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
	"gorm.io/gorm"
)

type RecordRequest struct {
	// ID lets callers retry with a stable event id; one is generated when zero.
	ID             snowflake.ID   `json:"id,omitempty"`
	ProjectID      snowflake.ID   `json:"project_id"`
	EventType      string         `json:"event_type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type RecordResult struct {
	Event     UsageEvent `json:"event"`
	Duplicate bool       `json:"duplicate"`
}

type ListEventsRequest struct {
	pagination.Pagination
	ProjectID snowflake.ID
	EventType string
}

type ListEventsResponse struct {
	pagination.PageInfo
	UsageEvents []UsageEvent `json:"usage_events"`
}

type EventCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type EventFilter struct {
	ProjectID snowflake.ID
	EventType string
	Cursor    *EventCursor
	Limit     int
}

type Repository interface {
	// InsertEvent reports false when the id or idempotency key already exists.
	InsertEvent(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	FindDuplicate(ctx context.Context, db *gorm.DB, projectID, id snowflake.ID, idempotencyKey *string) (*UsageEvent, error)
	UpsertRollup(ctx context.Context, db *gorm.DB, event *UsageEvent) error
	ListRollups(ctx context.Context, db *gorm.DB, projectID snowflake.ID, fromDay, toDay string) ([]UsageRollup, error)
	ListEvents(ctx context.Context, db *gorm.DB, filter EventFilter) ([]*UsageEvent, error)
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (RecordResult, error)
	// LookupDuplicate returns the stored event a retried request refers to, or nil
	// when the request carries neither a known id nor a known idempotency key.
	LookupDuplicate(ctx context.Context, req RecordRequest) (*RecordResult, error)
	// ListRollups returns the daily buckets whose day falls within [from, to].
	ListRollups(ctx context.Context, projectID snowflake.ID, from, to time.Time) ([]UsageRollup, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

var (
	ErrInvalidProject        = errors.New("invalid_project")
	ErrInvalidEventType      = errors.New("invalid_event_type")
	ErrInvalidOccurredAt     = errors.New("invalid_occurred_at")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidTimeRange      = errors.New("invalid_time_range")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
	// ErrEventIDConflict means the supplied id already belongs to another project.
	ErrEventIDConflict = errors.New("usage_event_id_conflict")
)
