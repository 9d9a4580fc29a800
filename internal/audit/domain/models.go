package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem  ActorType = "system"
	ActorTypeUser    ActorType = "user"
	ActorTypeService ActorType = "service"
)

// Actions recorded by the enforcement engine. Anomaly detection reads these back,
// so the values are part of the persisted contract.
const (
	ActionBillingEventApplied     = "billing_event_applied"
	ActionBillingStateTransition  = "billing_state_transition"
	ActionBillingLinkScheduled    = "billing_link_scheduled"
	ActionBillingLinkCanceled     = "billing_link_canceled"
	ActionPlanAssignmentScheduled = "plan_assignment_scheduled"
	ActionPlanAssignmentCanceled  = "plan_assignment_canceled"
	ActionPlanUpgrade             = "plan_upgrade"
	ActionQuotaAdmit              = "quota_admit"
	ActionQuotaWarning            = "quota_warning"
	ActionQuotaBlock              = "quota_block"
	ActionQuotaOverride           = "quota_override"
	ActionBillingBlock            = "billing_block"
	ActionCapabilityBlock         = "capability_block"
	ActionAnomalyDetected         = "anomaly_detected"
	ActionSupportBundleExported   = "support_bundle_exported"
	ActionAuthorizationDenied     = "authorization_denied"
)

// BlockActions are the audit actions surfaced as "recent blocks".
var BlockActions = []string{ActionQuotaBlock, ActionBillingBlock, ActionCapabilityBlock}

// AuditLog is an append-only record of a decision or state change.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ProjectID  *snowflake.ID     `gorm:"index:idx_audit_logs_project_action,priority:1" json:"project_id,omitempty"`
	ActorType  string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID    *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:text;not null;index:idx_audit_logs_project_action,priority:2" json:"action"`
	TargetType string            `gorm:"type:text;not null" json:"target_type"`
	TargetID   *string           `gorm:"type:text" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_audit_logs_project_action,priority:3" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	ProjectID snowflake.ID
	Actions   []string
	StartAt   *time.Time
	EndAt     *time.Time
	Cursor    *AuditCursor
	Limit     int
}
