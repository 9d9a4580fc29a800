package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	"gorm.io/gorm"
)

type OverrideRequest struct {
	ProjectID snowflake.ID      `json:"project_id"`
	MeterKey  string            `json:"meter_key"`
	Limit     int64             `json:"limit"`
	Period    plandomain.Period `json:"period"`
	HardLimit bool              `json:"hard_limit"`
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, projectID snowflake.ID, meterKey string) (*Quota, error)
	List(ctx context.Context, db *gorm.DB, projectID snowflake.ID) ([]Quota, error)
	ListAfter(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]Quota, error)
	// InsertIfAbsent keeps the existing row when the project already has one for the meter.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, quota *Quota) error
	// SyncPlanLimit rewrites limit settings on plan-sourced rows only.
	SyncPlanLimit(ctx context.Context, db *gorm.DB, id snowflake.ID, limit plandomain.QuotaLimit, now time.Time) error
	UpsertOverride(ctx context.Context, db *gorm.DB, quota *Quota) error
	// Increment performs the admission in one conditional statement. It reports
	// false when a hard limit rejected the increment.
	Increment(ctx context.Context, db *gorm.DB, id snowflake.ID, bucketKey string, periodStart, now time.Time) (int64, bool, error)
	// ResetStale zeroes a counter still pointing at staleKey.
	ResetStale(ctx context.Context, db *gorm.DB, id snowflake.ID, staleKey, bucketKey string, periodStart, now time.Time) (bool, error)
}

type Service interface {
	Admit(ctx context.Context, projectID snowflake.ID, meterKey string, at time.Time) (Decision, error)
	// List returns the project's quotas with counters reset for the bucket containing at.
	// It is read-only; rows are persisted by Admit, Override and SyncFromPlan.
	List(ctx context.Context, projectID snowflake.ID, at time.Time) ([]Quota, error)
	Override(ctx context.Context, req OverrideRequest) (*Quota, error)
	SyncFromPlan(ctx context.Context, projectID snowflake.ID, at time.Time) ([]Quota, error)
	RolloverStale(ctx context.Context, now time.Time, batch int) (int, error)
}

var (
	ErrQuotaExceeded   = errors.New("quota_exceeded")
	ErrInvalidMeterKey = errors.New("invalid_meter_key")
	ErrInvalidLimit    = errors.New("invalid_quota_limit")
	ErrInvalidPeriod   = errors.New("invalid_quota_period")
)

// ExceededError carries the counter state of a hard rejection.
type ExceededError struct {
	MeterKey string
	Used     int64
	Limit    int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota_exceeded: %s used %d of %d", e.MeterKey, e.Used, e.Limit)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
