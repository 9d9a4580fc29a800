package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Project is the subject every schedule, quota and usage row hangs off.
// ScheduleVersion is bumped by every scheduling transaction so concurrent
// schedulers for the same project serialize on this row.
type Project struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID `gorm:"not null;uniqueIndex:ux_projects_tenant_slug,priority:1" json:"tenant_id"`
	Name            string       `gorm:"type:text;not null" json:"name"`
	Slug            string       `gorm:"type:text;not null;uniqueIndex:ux_projects_tenant_slug,priority:2" json:"slug"`
	ScheduleVersion int64        `gorm:"not null;default:0" json:"schedule_version"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (Project) TableName() string { return "projects" }
