package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/temporal"
)

type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusGrace     Status = "grace"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusGrace, StatusSuspended, StatusCanceled:
		return true
	}
	return false
}

// BlocksWrites reports whether every write capability is withdrawn in this status.
func (s Status) BlocksWrites() bool {
	return s == StatusSuspended || s == StatusCanceled
}

// Delinquent reports whether writes continue under a warning.
func (s Status) Delinquent() bool {
	return s == StatusPastDue || s == StatusGrace
}

type Event string

const (
	EventPaymentFailed   Event = "payment_failed"
	EventPaymentRestored Event = "payment_restored"
	EventTrialStarted    Event = "trial_started"
	EventTrialEnded      Event = "trial_ended"
	EventManualSuspend   Event = "manual_suspend"
	EventManualUnsuspend Event = "manual_unsuspend"
	EventCancel          Event = "cancel"
)

func (e Event) Valid() bool {
	switch e {
	case EventPaymentFailed, EventPaymentRestored, EventTrialStarted, EventTrialEnded,
		EventManualSuspend, EventManualUnsuspend, EventCancel:
		return true
	}
	return false
}

// Lifecycle holds the persisted billing state shared by accounts and legacy profiles.
// Version is the optimistic concurrency token.
type Lifecycle struct {
	Status          Status     `gorm:"type:text;not null" json:"status"`
	TrialEndsAt     *time.Time `json:"trial_ends_at_utc,omitempty"`
	StatusChangedAt time.Time  `gorm:"not null" json:"status_changed_at_utc"`
	PastDueSince    *time.Time `json:"past_due_since_utc,omitempty"`
	GraceWindowDays int        `gorm:"not null;default:0" json:"grace_window_days"`
	Version         int64      `gorm:"not null;default:0" json:"version"`
}

type BillingAccount struct {
	ID                  snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID            snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	ExternalCustomerRef *string      `gorm:"type:text" json:"external_customer_ref,omitempty"`
	Lifecycle           `gorm:"embedded"`
	CreatedAt           time.Time `gorm:"not null" json:"created_at"`
}

func (BillingAccount) TableName() string { return "billing_accounts" }

// BillingProfile is the per-project fallback used when no account link is effective.
type BillingProfile struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	ProjectID snowflake.ID `gorm:"not null;uniqueIndex" json:"project_id"`
	Lifecycle `gorm:"embedded"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (BillingProfile) TableName() string { return "billing_profiles" }

type ProjectBillingAccountLink struct {
	temporal.EffectiveDated
	BillingAccountID snowflake.ID `gorm:"not null;index" json:"billing_account_id"`
}

func (ProjectBillingAccountLink) TableName() string { return "project_billing_account_links" }

// Source names where a project's billing state was resolved from.
type Source string

const (
	SourceAccount Source = "account"
	SourceProfile Source = "profile"
	SourceDefault Source = "default"
)

// StatusView is the derived billing state of a project at an instant.
type StatusView struct {
	Status              Status        `json:"status"`
	StoredStatus        Status        `json:"stored_status"`
	Source              Source        `json:"source"`
	TargetID            *snowflake.ID `json:"target_id,omitempty"`
	BillingAccountID    *snowflake.ID `json:"billing_account_id,omitempty"`
	ExternalCustomerRef *string       `json:"external_customer_ref,omitempty"`
	StatusChangedAt     *time.Time    `json:"status_changed_at_utc,omitempty"`
	PastDueSince        *time.Time    `json:"past_due_since_utc,omitempty"`
	TrialEndsAt         *time.Time    `json:"trial_ends_at_utc,omitempty"`
	GraceWindowDays     int           `json:"grace_window_days"`
}
