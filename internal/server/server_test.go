package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/enginetest"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	stack  *enginetest.Stack
	engine *gin.Engine
}

type serverOption func(*ServerParams)

func withUsageLimiter(l *ratelimit.UsageWriteLimiter) serverOption {
	return func(p *ServerParams) { p.UsageLimiter = l }
}

func newTestServer(t *testing.T, stack *enginetest.Stack, opts ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	enforcer, err := authorization.NewEnforcer(stack.DB)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{
		Log:      zap.NewNop(),
		Enforcer: enforcer,
		AuditSvc: stack.Audit,
	})

	r := gin.New()
	r.Use(Correlation())
	r.Use(ErrorHandlingMiddleware())

	params := ServerParams{
		Gin:            r,
		Log:            zap.NewNop(),
		Clock:          stack.Clock,
		AuthzSvc:       authz,
		AuditSvc:       stack.Audit,
		ProjectSvc:     stack.Projects,
		BillingSvc:     stack.Billing,
		PlanSvc:        stack.Plans,
		QuotaSvc:       stack.Quotas,
		UsageSvc:       stack.Usage,
		EntitlementSvc: stack.Entitlements,
		AnomalySvc:     stack.Anomalies,
		HealthSvc:      stack.Health,
		LiveEvents:     stack.Hub,
	}
	for _, opt := range opts {
		opt(&params)
	}
	NewServer(params).RegisterRoutes()
	return &testServer{stack: stack, engine: r}
}

func (ts *testServer) do(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenant, enginetest.TenantID.String())
	if role != "" {
		req.Header.Set(HeaderActorID, "actor-"+role)
		req.Header.Set(HeaderActorRole, role)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Type          string `json:"type"`
		Code          string `json:"code"`
		MeterKey      string `json:"meter_key"`
		Used          *int64 `json:"used"`
		Limit         *int64 `json:"limit"`
		BillingStatus string `json:"billing_status"`
		Capability    string `json:"capability"`
	} `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

type usageBody struct {
	Data struct {
		Duplicate bool `json:"duplicate"`
		Event     struct {
			ID        string `json:"id"`
			EventType string `json:"event_type"`
		} `json:"event"`
		Decision struct {
			Allowed  bool     `json:"allowed"`
			Warnings []string `json:"warnings"`
		} `json:"decision"`
	} `json:"data"`
	CorrelationID string `json:"correlation_id"`
}

func projectPath(id snowflake.ID, suffix string) string {
	return "/projects/" + id.String() + suffix
}

func TestMissingTenantIsUnauthorized(t *testing.T) {
	ts := newTestServer(t, enginetest.New(t))

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))
}

func TestCreateAndGetProject(t *testing.T) {
	ts := newTestServer(t, enginetest.New(t))

	w := ts.do(t, http.MethodPost, "/projects", authorization.RoleService, gin.H{"name": "Prover Fleet"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Data struct {
			ID   string `json:"id"`
			Slug string `json:"slug"`
		} `json:"data"`
		CorrelationID string `json:"correlation_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "prover-fleet", created.Data.Slug)
	assert.NotEmpty(t, created.CorrelationID)

	w = ts.do(t, http.MethodGet, "/projects/"+created.Data.ID, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/projects/12345", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/projects/not-a-number", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoleGatesMutations(t *testing.T) {
	stack := enginetest.New(t)
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Gated")

	w := ts.do(t, http.MethodPost, projectPath(project.ID, "/billing-state/events"), "", gin.H{"event": "payment_failed"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, projectPath(project.ID, "/billing-state/events"), authorization.RoleSupport, gin.H{"event": "payment_failed"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, projectPath(project.ID, "/billing-state/events"), "intern", gin.H{"event": "payment_failed"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, projectPath(project.ID, "/billing-state/events"), authorization.RoleBillingAdmin, gin.H{"event": "payment_failed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result struct {
		Data struct {
			Status         string `json:"status"`
			PreviousStatus string `json:"previous_status"`
			Transitioned   bool   `json:"transitioned"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "past_due", result.Data.Status)
	assert.Equal(t, "active", result.Data.PreviousStatus)
	assert.True(t, result.Data.Transitioned)
}

func TestRecordUsageAdmitsAndRejectsOverQuota(t *testing.T) {
	stack := enginetest.New(t, enginetest.WithConfig(func(cfg *config.EnforcementConfig) {
		cfg.DefaultPlan.QuotaLimits = []config.QuotaLimitTemplate{
			{MeterKey: "job_submit", Limit: 2, Period: "monthly", HardLimit: true},
		}
	}))
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Quota")
	path := projectPath(project.ID, "/usage")

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodPost, path, authorization.RoleService, gin.H{"event_type": "job_submit"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var body usageBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.True(t, body.Data.Decision.Allowed)
		assert.Equal(t, "job_submit", body.Data.Event.EventType)
	}

	w := ts.do(t, http.MethodPost, path, authorization.RoleService, gin.H{"event_type": "job_submit"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "QUOTA_EXCEEDED", body.Error.Code)
	assert.Equal(t, "job_submit", body.Error.MeterKey)
	require.NotNil(t, body.Error.Used)
	require.NotNil(t, body.Error.Limit)
	assert.Equal(t, int64(2), *body.Error.Used)
	assert.Equal(t, int64(2), *body.Error.Limit)
	assert.NotEmpty(t, body.CorrelationID)

	w = ts.do(t, http.MethodGet, projectPath(project.ID, "/usage/events"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events.Data, 2)
}

func TestRecordUsageDeduplicatesByIdempotencyKey(t *testing.T) {
	stack := enginetest.New(t)
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Dedup")
	path := projectPath(project.ID, "/usage")
	payload := gin.H{"event_type": "job_submit", "idempotency_key": "retry-1"}

	first := ts.do(t, http.MethodPost, path, authorization.RoleService, payload)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := ts.do(t, http.MethodPost, path, authorization.RoleService, payload)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	var a, b usageBody
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.False(t, a.Data.Duplicate)
	assert.True(t, b.Data.Duplicate)
	assert.Equal(t, a.Data.Event.ID, b.Data.Event.ID)

	third := ts.do(t, http.MethodPost, path, authorization.RoleService, payload)
	require.Equal(t, http.StatusOK, third.Code, third.Body.String())

	assert.Equal(t, int64(1), quotaUsed(t, ts, project.ID, "job_submit"))
}

func TestRecordUsageRetryAtHardLimitReturnsStoredEvent(t *testing.T) {
	stack := enginetest.New(t, enginetest.WithConfig(func(cfg *config.EnforcementConfig) {
		cfg.DefaultPlan.QuotaLimits = []config.QuotaLimitTemplate{
			{MeterKey: "job_submit", Limit: 1, Period: "monthly", HardLimit: true},
		}
	}))
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Retry")
	path := projectPath(project.ID, "/usage")

	first := ts.do(t, http.MethodPost, path, authorization.RoleService, gin.H{"event_type": "job_submit", "idempotency_key": "retry-1"})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	var a usageBody
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))

	retry := ts.do(t, http.MethodPost, path, authorization.RoleService, gin.H{"event_type": "job_submit", "idempotency_key": "retry-1"})
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	var b usageBody
	require.NoError(t, json.Unmarshal(retry.Body.Bytes(), &b))
	assert.True(t, b.Data.Duplicate)
	assert.Equal(t, a.Data.Event.ID, b.Data.Event.ID)

	byID := ts.do(t, http.MethodPost, path, authorization.RoleService, gin.H{"id": a.Data.Event.ID, "event_type": "job_submit"})
	require.Equal(t, http.StatusOK, byID.Code, byID.Body.String())

	fresh := ts.do(t, http.MethodPost, path, authorization.RoleService, gin.H{"event_type": "job_submit", "idempotency_key": "retry-2"})
	require.Equal(t, http.StatusTooManyRequests, fresh.Code, fresh.Body.String())
	body := decodeError(t, fresh)
	require.NotNil(t, body.Error.Used)
	assert.Equal(t, int64(1), *body.Error.Used)

	assert.Equal(t, int64(1), quotaUsed(t, ts, project.ID, "job_submit"))
}

func quotaUsed(t *testing.T, ts *testServer, projectID snowflake.ID, meterKey string) int64 {
	t.Helper()
	w := ts.do(t, http.MethodGet, projectPath(projectID, "/quotas"), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Data []struct {
			MeterKey string `json:"meter_key"`
			Used     int64  `json:"used"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	for _, q := range body.Data {
		if q.MeterKey == meterKey {
			return q.Used
		}
	}
	t.Fatalf("no quota for %s", meterKey)
	return 0
}

func TestRecordUsageBlockedByCapability(t *testing.T) {
	stack := enginetest.New(t)
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Capability")

	w := ts.do(t, http.MethodPost, projectPath(project.ID, "/usage"), authorization.RoleService, gin.H{"event_type": "proof_generate"})
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "CAPABILITY_NOT_ALLOWED", body.Error.Code)
	assert.Equal(t, "generate_proofs", body.Error.Capability)
}

func TestRecordUsageBlockedWhenSuspended(t *testing.T) {
	stack := enginetest.New(t)
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Suspended")

	w := ts.do(t, http.MethodPost, projectPath(project.ID, "/billing-state/events"), authorization.RoleAdmin, gin.H{"event": "manual_suspend"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, projectPath(project.ID, "/usage"), authorization.RoleService, gin.H{"event_type": "job_submit"})
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "BILLING_SUSPENDED", body.Error.Code)
	assert.Equal(t, "suspended", body.Error.BillingStatus)

	// Reads stay available while writes are blocked.
	w = ts.do(t, http.MethodGet, projectPath(project.ID, "/entitlements"), "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, projectPath(project.ID, "/billing-state"), "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchedulePlanRejectsOverlap(t *testing.T) {
	stack := enginetest.New(t)
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Schedule")

	w := ts.do(t, http.MethodPost, "/plans", authorization.RoleAdmin, gin.H{
		"key":          "pro",
		"name":         "Pro",
		"tier":         2,
		"capabilities": gin.H{"submit_jobs": true, "generate_proofs": true},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	start := enginetest.Start.Add(24 * time.Hour)
	w = ts.do(t, http.MethodPost, projectPath(project.ID, "/plan/schedule"), authorization.RoleBillingAdmin, gin.H{
		"plan_key":           "pro",
		"effective_from_utc": start,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, projectPath(project.ID, "/plan/schedule"), authorization.RoleBillingAdmin, gin.H{
		"plan_key":           "pro",
		"effective_from_utc": start,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "overlapping_schedule", decodeError(t, w).Error.Code)

	w = ts.do(t, http.MethodGet, projectPath(project.ID, "/plan/schedule"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Data, 1)
}

func TestSupportBundleWithoutSignerIsUnavailable(t *testing.T) {
	stack := enginetest.New(t)
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Bundle")

	w := ts.do(t, http.MethodGet, projectPath(project.ID, "/support-bundle"), authorization.RoleSupport, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ts.do(t, http.MethodGet, projectPath(project.ID, "/support-bundle"), authorization.RoleService, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUsageWriteRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewUsageWriteLimiter(config.Config{UsageRateLimitPerSecond: 1, UsageRateLimitBurst: 1}, client)
	require.True(t, limiter.Enabled())

	stack := enginetest.New(t)
	ts := newTestServer(t, stack, withUsageLimiter(limiter))
	project := stack.Project(t, "Throttled")
	path := projectPath(project.ID, "/usage")

	w := ts.do(t, http.MethodPost, path, authorization.RoleService, gin.H{"event_type": "job_submit"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, path, authorization.RoleService, gin.H{"event_type": "job_submit"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decodeError(t, w).Error.Type)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestListAuditLogsRecordsDenials(t *testing.T) {
	stack := enginetest.New(t)
	ts := newTestServer(t, stack)
	project := stack.Project(t, "Audited")

	w := ts.do(t, http.MethodPut, projectPath(project.ID, "/quotas/job_submit"), authorization.RoleService, gin.H{"limit": 10})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, projectPath(project.ID, "/audit-logs?action=authorization_denied"), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var logs struct {
		Data []struct {
			Action string `json:"action"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs.Data, 1)
	assert.Equal(t, "authorization_denied", logs.Data[0].Action)
}
