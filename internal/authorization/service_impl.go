package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectProject        = "project"
	ObjectBillingState   = "billing_state"
	ObjectBillingAccount = "billing_account"
	ObjectPlan           = "plan"
	ObjectQuota          = "quota"
	ObjectUsage          = "usage"
	ObjectSupportBundle  = "support_bundle"
)

const (
	ActionProjectCreate = "project.create"

	ActionBillingEventApply    = "billing_state.apply_event"
	ActionBillingAccountCreate = "billing_account.create"
	ActionBillingLinkSchedule  = "billing_account.schedule"
	ActionBillingLinkCancel    = "billing_account.cancel"
	ActionPlanUpsert           = "plan.upsert"
	ActionPlanSchedule         = "plan.schedule"
	ActionPlanCancel           = "plan.cancel"
	ActionQuotaOverride        = "quota.override"
	ActionUsageWrite           = "usage.write"
	ActionSupportBundleExport  = "support_bundle.export"
)

const (
	RoleAdmin        = "admin"
	RoleBillingAdmin = "billing_admin"
	RoleSupport      = "support"
	RoleService      = "service"
)

var knownRoles = map[string]struct{}{
	RoleAdmin:        {},
	RoleBillingAdmin: {},
	RoleSupport:      {},
	RoleService:      {},
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, tenantID snowflake.ID, projectID *snowflake.ID, object string, action string) error {
	actorID := strings.TrimSpace(actor.ID)
	if actorID == "" {
		return ErrInvalidActor
	}
	if tenantID == 0 {
		return ErrInvalidTenant
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if _, ok := knownRoles[role]; !ok {
		s.auditDenied(ctx, actorID, role, projectID, object, action)
		return ErrUnknownRole
	}

	subject := "actor:" + actorID
	domain := fmt.Sprintf("tenant:%s", tenantID)
	if err := s.ensureGrouping(subject, "role:"+role, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorID, role, projectID, object, action)
		return ErrForbidden
	}
	return nil
}

// ensureGrouping pins the subject to exactly one role per tenant.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorID string, role string, projectID *snowflake.ID, object string, action string) {
	s.log.Info("authorization denied",
		zap.String("actor_id", actorID),
		zap.String("role", role),
		zap.String("object", object),
		zap.String("action", action),
	)
	if s.auditSvc == nil || projectID == nil {
		return
	}
	targetID := projectID.String()
	_ = s.auditSvc.AuditLog(ctx, projectID, "user", &actorID, auditdomain.ActionAuthorizationDenied, "project", &targetID, map[string]any{
		"object": object,
		"action": action,
		"role":   role,
	})
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:admin", ObjectProject, "*"},
		{"role:admin", ObjectBillingState, "*"},
		{"role:admin", ObjectBillingAccount, "*"},
		{"role:admin", ObjectPlan, "*"},
		{"role:admin", ObjectQuota, "*"},
		{"role:admin", ObjectUsage, "*"},
		{"role:admin", ObjectSupportBundle, "*"},

		{"role:billing_admin", ObjectBillingState, ActionBillingEventApply},
		{"role:billing_admin", ObjectBillingAccount, ActionBillingAccountCreate},
		{"role:billing_admin", ObjectBillingAccount, ActionBillingLinkSchedule},
		{"role:billing_admin", ObjectBillingAccount, ActionBillingLinkCancel},
		{"role:billing_admin", ObjectPlan, ActionPlanSchedule},
		{"role:billing_admin", ObjectPlan, ActionPlanCancel},
		{"role:billing_admin", ObjectQuota, ActionQuotaOverride},

		{"role:support", ObjectSupportBundle, ActionSupportBundleExport},

		{"role:service", ObjectUsage, ActionUsageWrite},
		{"role:service", ObjectProject, ActionProjectCreate},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
