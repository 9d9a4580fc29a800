package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateAccountRequest struct {
	TenantID            snowflake.ID `json:"tenant_id"`
	ExternalCustomerRef *string      `json:"external_customer_ref,omitempty"`
	Status              Status       `json:"status,omitempty"`
	GraceWindowDays     *int         `json:"grace_window_days,omitempty"`
}

type ScheduleLinkRequest struct {
	ProjectID        snowflake.ID `json:"project_id"`
	BillingAccountID snowflake.ID `json:"billing_account_id"`
	EffectiveFrom    time.Time    `json:"effective_from_utc"`
	EffectiveTo      *time.Time   `json:"effective_to_utc,omitempty"`
}

type UpsertProfileRequest struct {
	ProjectID       snowflake.ID `json:"project_id"`
	Status          Status       `json:"status"`
	GraceWindowDays *int         `json:"grace_window_days,omitempty"`
}

type ApplyEventRequest struct {
	ProjectID       snowflake.ID
	Event           Event
	ActorID         *string
	GraceWindowDays *int
}

type ApplyEventResult struct {
	Status         Status        `json:"status"`
	PreviousStatus Status        `json:"previous_status"`
	Transitioned   bool          `json:"transitioned"`
	Noop           bool          `json:"noop"`
	Source         Source        `json:"source"`
	TargetID       *snowflake.ID `json:"target_id,omitempty"`
}

// LifecycleRow is a persisted lifecycle together with the row that holds it.
type LifecycleRow struct {
	ID snowflake.ID
	Lifecycle
}

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *BillingAccount) error
	FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingAccount, error)
	// InsertProfile is a no-op when the project already has a profile.
	InsertProfile(ctx context.Context, db *gorm.DB, profile *BillingProfile) error
	FindProfile(ctx context.Context, db *gorm.DB, projectID snowflake.ID) (*BillingProfile, error)
	// CompareAndSwap persists next only when the row still carries expectedVersion.
	CompareAndSwap(ctx context.Context, db *gorm.DB, table string, id snowflake.ID, expectedVersion int64, next Lifecycle) (bool, error)
	ListDelinquent(ctx context.Context, db *gorm.DB, table string, after snowflake.ID, limit int) ([]LifecycleRow, error)
}

type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*BillingAccount, error)
	GetAccount(ctx context.Context, id snowflake.ID) (*BillingAccount, error)
	LinkAccount(ctx context.Context, req ScheduleLinkRequest) (*ProjectBillingAccountLink, error)
	CancelScheduledLink(ctx context.Context, projectID, linkID snowflake.ID) (*ProjectBillingAccountLink, error)
	TerminateLink(ctx context.Context, projectID, linkID snowflake.ID, at time.Time) (*ProjectBillingAccountLink, error)
	ListLinks(ctx context.Context, projectID snowflake.ID) ([]*ProjectBillingAccountLink, error)
	UpsertProfile(ctx context.Context, req UpsertProfileRequest) (*BillingProfile, error)
	CurrentStatus(ctx context.Context, projectID snowflake.ID, at time.Time) (StatusView, error)
	ApplyEvent(ctx context.Context, req ApplyEventRequest) (*ApplyEventResult, error)
	// SweepDerived persists elapsed-time transitions for up to batch rows per table.
	// Reads never depend on it.
	SweepDerived(ctx context.Context, now time.Time, batch int) (int, error)
}

var (
	ErrInvalidEvent           = errors.New("invalid_billing_event")
	ErrInvalidStatus          = errors.New("invalid_billing_status")
	ErrInvalidGraceWindow     = errors.New("invalid_grace_window")
	ErrInvalidTenant          = errors.New("invalid_tenant")
	ErrAccountNotFound        = errors.New("billing_account_not_found")
	ErrAccountTenantMismatch  = errors.New("billing_account_tenant_mismatch")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrBillingSuspended       = errors.New("billing_suspended")
)

// SuspendedError rejects a write because the derived billing status blocks it.
type SuspendedError struct {
	Status Status
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("billing_suspended: status %s", e.Status)
}

func (e *SuspendedError) Is(target error) bool {
	return target == ErrBillingSuspended
}
