package migration

import (
	anomalydomain "github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
)

// Models lists every persisted entity, in dependency order, for dialects migrated
// with AutoMigrate.
func Models() []any {
	return []any{
		&projectdomain.Project{},
		&billingdomain.BillingAccount{},
		&billingdomain.BillingProfile{},
		&billingdomain.ProjectBillingAccountLink{},
		&plandomain.Plan{},
		&plandomain.PlanAssignment{},
		&quotadomain.Quota{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageRollup{},
		&anomalydomain.Anomaly{},
		&auditdomain.AuditLog{},
	}
}
