package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Reason string

const (
	ReasonUsageSpike            Reason = "usage_spike"
	ReasonRepeatedQuotaPressure Reason = "repeated_quota_warnings"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	ActionInvestigateUsage = "investigate_usage"
	ActionUpgradePlan      = "upgrade_plan"
)

// Anomaly is a detected pattern. WindowKey scopes detection so a rescan of the
// same window never records it twice.
type Anomaly struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	ProjectID       snowflake.ID      `gorm:"not null;uniqueIndex:ux_anomalies_project_reason_window,priority:1" json:"project_id"`
	Reason          Reason            `gorm:"type:text;not null;uniqueIndex:ux_anomalies_project_reason_window,priority:2" json:"reason"`
	WindowKey       string            `gorm:"type:text;not null;uniqueIndex:ux_anomalies_project_reason_window,priority:3" json:"window_key"`
	Severity        Severity          `gorm:"type:text;not null" json:"severity"`
	DetectedAt      time.Time         `gorm:"not null" json:"detected_at_utc"`
	SuggestedAction string            `gorm:"type:text;not null" json:"suggested_action"`
	Details         datatypes.JSONMap `gorm:"type:jsonb" json:"details"`
}

func (Anomaly) TableName() string { return "anomalies" }
