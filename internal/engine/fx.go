// Package engine bundles the enforcement services shared by the api, scheduler
// and monolith binaries.
package engine

import (
	"github.com/smallbiznis/gatekeeper/internal/anomaly"
	"github.com/smallbiznis/gatekeeper/internal/audit"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/billing"
	"github.com/smallbiznis/gatekeeper/internal/cloudmetrics"
	"github.com/smallbiznis/gatekeeper/internal/entitlement"
	"github.com/smallbiznis/gatekeeper/internal/health"
	"github.com/smallbiznis/gatekeeper/internal/plan"
	"github.com/smallbiznis/gatekeeper/internal/project"
	"github.com/smallbiznis/gatekeeper/internal/quota"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"github.com/smallbiznis/gatekeeper/internal/usage"
	"go.uber.org/fx"
)

var Module = fx.Module("engine",
	audit.Module,
	authorization.Module,
	project.Module,
	billing.Module,
	plan.Module,
	quota.Module,
	usage.Module,
	entitlement.Module,
	anomaly.Module,
	health.Module,
	ratelimit.Module,
	cloudmetrics.Module,
)
