package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type UpsertPlanRequest struct {
	Key          string          `json:"key"`
	Name         string          `json:"name"`
	Tier         int             `json:"tier"`
	Capabilities map[string]bool `json:"capabilities"`
	QuotaLimits  []QuotaLimit    `json:"quota_limits"`
}

type ScheduleAssignmentRequest struct {
	ProjectID     snowflake.ID `json:"project_id"`
	PlanKey       string       `json:"plan_key"`
	EffectiveFrom time.Time    `json:"effective_from_utc"`
	EffectiveTo   *time.Time   `json:"effective_to_utc,omitempty"`
}

type Service interface {
	UpsertPlan(ctx context.Context, req UpsertPlanRequest) (*Plan, error)
	GetPlan(ctx context.Context, key string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
	ScheduleAssignment(ctx context.Context, req ScheduleAssignmentRequest) (*PlanAssignment, error)
	CancelScheduledAssignment(ctx context.Context, projectID, assignmentID snowflake.ID) (*PlanAssignment, error)
	TerminateAssignment(ctx context.Context, projectID, assignmentID snowflake.ID, at time.Time) (*PlanAssignment, error)
	ListAssignments(ctx context.Context, projectID snowflake.ID) ([]*PlanAssignment, error)
	// Resolve falls back to the configured default plan when nothing is assigned at at.
	Resolve(ctx context.Context, projectID snowflake.ID, at time.Time) (ResolvedPlan, error)
}

var (
	ErrPlanNotFound      = errors.New("plan_not_found")
	ErrInvalidPlanKey    = errors.New("invalid_plan_key")
	ErrInvalidQuotaLimit = errors.New("invalid_quota_limit")
	ErrDuplicateMeterKey = errors.New("duplicate_meter_key")
)
