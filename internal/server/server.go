package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	anomalydomain "github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/cloudmetrics"
	"github.com/smallbiznis/gatekeeper/internal/config"
	entitlementdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	healthdomain "github.com/smallbiznis/gatekeeper/internal/health/domain"
	"github.com/smallbiznis/gatekeeper/internal/observability"
	obslogger "github.com/smallbiznis/gatekeeper/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	obstracing "github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"github.com/smallbiznis/gatekeeper/internal/usage/liveevents"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, accounting *cloudmetrics.Accounting) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Correlation())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if registry := accounting.Registry(); registry != nil {
		gatherers = append(gatherers, registry)
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, s *Server, log *zap.Logger) {
	s.RegisterRoutes()

	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	clock          clock.Clock
	authzSvc       authorization.Service
	auditSvc       auditdomain.Service
	projectSvc     projectdomain.Service
	billingSvc     billingdomain.Service
	planSvc        plandomain.Service
	quotaSvc       quotadomain.Service
	usageSvc       usagedomain.Service
	entitlementSvc entitlementdomain.Service
	anomalySvc     anomalydomain.Service
	healthSvc      healthdomain.Service
	liveEvents     *liveevents.Hub
	obsMetrics     *obsmetrics.Metrics
	usageLimiter   *ratelimit.UsageWriteLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Clock          clock.Clock
	AuthzSvc       authorization.Service
	AuditSvc       auditdomain.Service
	ProjectSvc     projectdomain.Service
	BillingSvc     billingdomain.Service
	PlanSvc        plandomain.Service
	QuotaSvc       quotadomain.Service
	UsageSvc       usagedomain.Service
	EntitlementSvc entitlementdomain.Service
	AnomalySvc     anomalydomain.Service
	HealthSvc      healthdomain.Service
	LiveEvents     *liveevents.Hub              `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics          `optional:"true"`
	UsageLimiter   *ratelimit.UsageWriteLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		clock:          p.Clock,
		authzSvc:       p.AuthzSvc,
		auditSvc:       p.AuditSvc,
		projectSvc:     p.ProjectSvc,
		billingSvc:     p.BillingSvc,
		planSvc:        p.PlanSvc,
		quotaSvc:       p.QuotaSvc,
		usageSvc:       p.UsageSvc,
		entitlementSvc: p.EntitlementSvc,
		anomalySvc:     p.AnomalySvc,
		healthSvc:      p.HealthSvc,
		liveEvents:     p.LiveEvents,
		obsMetrics:     p.ObsMetrics,
		usageLimiter:   p.UsageLimiter,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/", TenantContext(), ActorContext())

	api.POST("/projects", s.authorize(authorization.ObjectProject, authorization.ActionProjectCreate), s.CreateProject)
	api.POST("/billing-accounts", s.authorize(authorization.ObjectBillingAccount, authorization.ActionBillingAccountCreate), s.CreateBillingAccount)

	// -------- Plans --------
	api.GET("/plans", s.ListPlans)
	api.POST("/plans", s.authorize(authorization.ObjectPlan, authorization.ActionPlanUpsert), s.UpsertPlan)

	project := api.Group("/projects/:id")
	{
		project.GET("", s.GetProject)

		// -------- Billing --------
		project.GET("/billing-state", s.GetBillingState)
		project.POST("/billing-state/events", s.authorize(authorization.ObjectBillingState, authorization.ActionBillingEventApply), s.ApplyBillingEvent)
		project.GET("/billing-account/schedule", s.ListBillingAccountSchedule)
		project.POST("/billing-account/schedule", s.authorize(authorization.ObjectBillingAccount, authorization.ActionBillingLinkSchedule), s.ScheduleBillingAccount)
		project.DELETE("/billing-account/schedule/:linkId", s.authorize(authorization.ObjectBillingAccount, authorization.ActionBillingLinkCancel), s.CancelBillingAccountSchedule)

		// -------- Plan assignments --------
		project.GET("/plan/schedule", s.ListPlanSchedule)
		project.POST("/plan/schedule", s.authorize(authorization.ObjectPlan, authorization.ActionPlanSchedule), s.SchedulePlan)
		project.DELETE("/plan/schedule/:assignmentId", s.authorize(authorization.ObjectPlan, authorization.ActionPlanCancel), s.CancelPlanSchedule)

		// -------- Entitlements & quotas --------
		project.GET("/entitlements", s.GetEntitlements)
		project.GET("/quotas", s.ListQuotas)
		project.PUT("/quotas/:meterKey", s.authorize(authorization.ObjectQuota, authorization.ActionQuotaOverride), s.OverrideQuota)

		// -------- Usage --------
		project.POST("/usage",
			s.authorize(authorization.ObjectUsage, authorization.ActionUsageWrite),
			s.UsageWriteRateLimit(),
			s.RecordUsage,
		)
		project.GET("/usage/events", s.ListUsageEvents)
		project.GET("/usage/rollups", s.ListUsageRollups)
		project.GET("/usage/cost-preview", s.GetCostPreview)
		project.GET("/usage/live", s.StreamUsageLiveEvents)

		// -------- Health & support --------
		project.GET("/health", s.GetProjectHealth)
		project.GET("/anomalies", s.ListAnomalies)
		project.GET("/timeline", s.GetTimeline)
		project.GET("/audit-logs", s.ListAuditLogs)
		project.GET("/support-bundle", s.authorize(authorization.ObjectSupportBundle, authorization.ActionSupportBundleExport), s.GetSupportBundle)
	}
}

// respond wraps a payload with the request's correlation id.
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data, "correlation_id": correlationIDFrom(c)})
}
