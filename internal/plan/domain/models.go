package domain

import (
	"time"

	"github.com/smallbiznis/gatekeeper/internal/temporal"
	"gorm.io/datatypes"
)

type Capability string

const (
	CapabilitySubmitJobs      Capability = "submit_jobs"
	CapabilityGenerateProofs  Capability = "generate_proofs"
	CapabilityUploadArtifacts Capability = "upload_artifacts"
	CapabilityManageWebhooks  Capability = "manage_webhooks"
	CapabilityExportAudit     Capability = "export_audit"
)

// IsWrite reports whether the capability gates a write path. Extension
// capabilities are treated as writes.
func (c Capability) IsWrite() bool {
	return c != CapabilityExportAudit
}

// Capabilities is the typed capability record of a plan. Unknown keys survive in
// Extensions.
type Capabilities struct {
	SubmitJobs      bool            `json:"submit_jobs"`
	GenerateProofs  bool            `json:"generate_proofs"`
	UploadArtifacts bool            `json:"upload_artifacts"`
	ManageWebhooks  bool            `json:"manage_webhooks"`
	ExportAudit     bool            `json:"export_audit"`
	Extensions      map[string]bool `json:"extensions,omitempty"`
}

func CapabilitiesFromMap(values map[string]bool) Capabilities {
	var caps Capabilities
	for key, enabled := range values {
		switch Capability(key) {
		case CapabilitySubmitJobs:
			caps.SubmitJobs = enabled
		case CapabilityGenerateProofs:
			caps.GenerateProofs = enabled
		case CapabilityUploadArtifacts:
			caps.UploadArtifacts = enabled
		case CapabilityManageWebhooks:
			caps.ManageWebhooks = enabled
		case CapabilityExportAudit:
			caps.ExportAudit = enabled
		default:
			if caps.Extensions == nil {
				caps.Extensions = map[string]bool{}
			}
			caps.Extensions[key] = enabled
		}
	}
	return caps
}

func (c Capabilities) Allows(capability Capability) bool {
	switch capability {
	case CapabilitySubmitJobs:
		return c.SubmitJobs
	case CapabilityGenerateProofs:
		return c.GenerateProofs
	case CapabilityUploadArtifacts:
		return c.UploadArtifacts
	case CapabilityManageWebhooks:
		return c.ManageWebhooks
	case CapabilityExportAudit:
		return c.ExportAudit
	default:
		return c.Extensions[string(capability)]
	}
}

// WithoutWrites returns a copy with every write capability withdrawn.
func (c Capabilities) WithoutWrites() Capabilities {
	out := Capabilities{ExportAudit: c.ExportAudit}
	if len(c.Extensions) > 0 {
		out.Extensions = make(map[string]bool, len(c.Extensions))
		for key := range c.Extensions {
			out.Extensions[key] = false
		}
	}
	return out
}

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

func (p Period) Valid() bool {
	return p == PeriodDaily || p == PeriodWeekly || p == PeriodMonthly
}

type QuotaLimit struct {
	MeterKey  string `json:"meter_key"`
	Limit     int64  `json:"limit"`
	Period    Period `json:"period"`
	HardLimit bool   `json:"hard_limit"`
}

// Plan is a catalog entry. Tier orders plans; assigning a higher tier is an upgrade.
type Plan struct {
	Key          string                           `gorm:"primaryKey;type:text" json:"key"`
	Name         string                           `gorm:"type:text;not null" json:"name"`
	Tier         int                              `gorm:"not null;default:0" json:"tier"`
	Capabilities datatypes.JSONType[Capabilities] `json:"capabilities"`
	QuotaLimits  datatypes.JSONSlice[QuotaLimit]  `json:"quota_limits"`
	CreatedAt    time.Time                        `json:"created_at"`
	UpdatedAt    time.Time                        `json:"updated_at"`
}

func (Plan) TableName() string { return "plans" }

func (p Plan) Limit(meterKey string) (QuotaLimit, bool) {
	for _, limit := range p.QuotaLimits {
		if limit.MeterKey == meterKey {
			return limit, true
		}
	}
	return QuotaLimit{}, false
}

type PlanAssignment struct {
	temporal.EffectiveDated
	PlanKey string `gorm:"type:text;not null" json:"plan_key"`
}

func (PlanAssignment) TableName() string { return "plan_assignments" }

type Source string

const (
	SourceAssignment Source = "assignment"
	SourceDefault    Source = "default"
)

// ResolvedPlan is the plan effective for a project at an instant.
type ResolvedPlan struct {
	Plan          Plan       `json:"plan"`
	Source        Source     `json:"source"`
	AssignmentID  *string    `json:"assignment_id,omitempty"`
	EffectiveFrom *time.Time `json:"effective_from_utc,omitempty"`
}
