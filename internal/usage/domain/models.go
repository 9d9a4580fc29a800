// Package domain contains persistence models for recorded usage and its daily rollups.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DayLayout is the textual form of a rollup bucket.
const DayLayout = "2006-01-02"

// UsageEvent stores a single unit of metered activity. Rows are never updated.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	ProjectID      snowflake.ID      `gorm:"not null;index:idx_usage_events_project_created,priority:1;uniqueIndex:ux_usage_events_project_idempotency,priority:1" json:"project_id"`
	EventType      string            `gorm:"type:text;not null" json:"event_type"`
	OccurredAt     time.Time         `gorm:"not null" json:"occurred_at"`
	IdempotencyKey *string           `gorm:"type:text;uniqueIndex:ux_usage_events_project_idempotency,priority:2" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;index:idx_usage_events_project_created,priority:2" json:"created_at"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// UsageRollup is the per-day count of one event type. Counts only grow.
type UsageRollup struct {
	ProjectID    snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"project_id"`
	EventType    string       `gorm:"primaryKey;type:text" json:"event_type"`
	DayUTC       string       `gorm:"primaryKey;column:day_utc;type:text" json:"day_utc"`
	Count        int64        `gorm:"not null" json:"count"`
	FirstEventAt time.Time    `gorm:"not null" json:"first_event_at"`
	LastEventAt  time.Time    `gorm:"not null" json:"last_event_at"`
}

func (UsageRollup) TableName() string { return "usage_rollups" }

// Day returns the rollup bucket for t.
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}
