package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	anomalydomain "github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	entitlementdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
)

type PlanSummary struct {
	Key           string            `json:"key"`
	Name          string            `json:"name"`
	Tier          int               `json:"tier"`
	Source        plandomain.Source `json:"source"`
	EffectiveFrom *time.Time        `json:"effective_from_utc,omitempty"`
}

type QuotaUtilization struct {
	MeterKey    string            `json:"meter_key"`
	Used        int64             `json:"used"`
	Limit       int64             `json:"limit"`
	HardLimit   bool              `json:"hard_limit"`
	Period      plandomain.Period `json:"period"`
	PeriodStart time.Time         `json:"period_start_utc"`
	// Utilization is Used/Limit in percent; zero limits report 100 once anything is used.
	Utilization float64 `json:"utilization_pct"`
	Source      string  `json:"source"`
}

// Snapshot is the composed state of a project at an instant.
type Snapshot struct {
	ProjectID    snowflake.ID                    `json:"project_id"`
	At           time.Time                       `json:"at_utc"`
	Billing      billingdomain.StatusView        `json:"billing"`
	Plan         PlanSummary                     `json:"plan"`
	Entitlements *entitlementdomain.Entitlements `json:"entitlements"`
	Quotas       []QuotaUtilization              `json:"quotas"`
	RecentBlocks []auditdomain.AuditLog          `json:"recent_blocks"`
	Anomalies    []anomalydomain.Anomaly         `json:"anomalies"`
}

type BillingTransition struct {
	At    time.Time `json:"at_utc"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
}

type TimelineDay struct {
	Day                string              `json:"day_utc"`
	Usage              map[string]int64    `json:"usage"`
	Blocks             int64               `json:"blocks"`
	Warnings           int64               `json:"warnings"`
	BillingTransitions []BillingTransition `json:"billing_transitions"`
}

type Timeline struct {
	ProjectID snowflake.ID  `json:"project_id"`
	From      time.Time     `json:"from_utc"`
	To        time.Time     `json:"to_utc"`
	Days      []TimelineDay `json:"days"`
}

// SupportBundle is the exportable diagnostic record. Signature covers the JSON
// encoding of the bundle with Signature left empty.
type SupportBundle struct {
	ProjectID         snowflake.ID           `json:"project_id"`
	GeneratedAt       time.Time              `json:"generated_at_utc"`
	Snapshot          *Snapshot              `json:"snapshot"`
	Timeline          *Timeline              `json:"timeline"`
	RecentAuditEvents []auditdomain.AuditLog `json:"recent_audit_events"`
	Signature         string                 `json:"signature,omitempty"`
}
