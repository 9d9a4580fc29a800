package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
)

const (
	WarningBillingPastDue = "billing_past_due"
	WarningBillingGrace   = "billing_grace"
	WarningQuotaSoftLimit = "quota_soft_limit_exceeded"
)

// Entitlements is the read-only view of what a project may do at an instant.
type Entitlements struct {
	PlanKey       string                  `json:"plan_key"`
	PlanSource    plandomain.Source       `json:"plan_source"`
	Capabilities  plandomain.Capabilities `json:"capabilities"`
	QuotaLimits   []plandomain.QuotaLimit `json:"quota_limits"`
	EffectiveFrom *time.Time              `json:"effective_from_utc,omitempty"`
	BillingStatus billingdomain.Status    `json:"billing_status"`
	BillingSource billingdomain.Source    `json:"billing_source"`
	Warnings      []string                `json:"warnings"`
	At            time.Time               `json:"at_utc"`
}

type AuthorizeRequest struct {
	ProjectID  snowflake.ID
	Capability plandomain.Capability
	// MeterKey is admitted against the project's quota when set.
	MeterKey string
	At       time.Time
}

// Decision is the outcome of a write-path authorization.
type Decision struct {
	Allowed       bool                  `json:"allowed"`
	Capability    plandomain.Capability `json:"capability,omitempty"`
	MeterKey      string                `json:"meter_key,omitempty"`
	BillingStatus billingdomain.Status  `json:"billing_status"`
	Quota         *quotadomain.Decision `json:"quota,omitempty"`
	Warnings      []string              `json:"warnings"`
}

type CostLine struct {
	EventType string          `json:"event_type"`
	Count     int64           `json:"count"`
	Weight    decimal.Decimal `json:"weight"`
	Cost      decimal.Decimal `json:"cost"`
}

type CostPreview struct {
	From            time.Time       `json:"from_utc"`
	To              time.Time       `json:"to_utc"`
	Lines           []CostLine      `json:"lines"`
	TotalCostWeight decimal.Decimal `json:"total_cost_weight"`
}
