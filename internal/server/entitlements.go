package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
)

const defaultCostPreviewSpan = 30 * 24 * time.Hour

type overrideQuotaRequest struct {
	Limit     *int64 `json:"limit"`
	Period    string `json:"period"`
	HardLimit *bool  `json:"hard_limit"`
}

// atQuery reads ?at=, defaulting to now.
func atQuery(c *gin.Context, now time.Time) (time.Time, error) {
	at, err := parseOptionalTime(c.Query("at"), false)
	if err != nil {
		return time.Time{}, newValidationError("at", "invalid_at", "invalid at")
	}
	return optionalTime(at, now), nil
}

func (s *Server) GetEntitlements(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	at, err := atQuery(c, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ent, err := s.entitlementSvc.Resolve(c.Request.Context(), projectID, at)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ent})
}

func (s *Server) ListQuotas(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	at, err := atQuery(c, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	quotas, err := s.quotaSvc.List(c.Request.Context(), projectID, at)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": quotas})
}

func (s *Server) OverrideQuota(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req overrideQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Limit == nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit is required"))
		return
	}
	period := plandomain.Period(strings.ToLower(strings.TrimSpace(req.Period)))
	if period == "" {
		period = plandomain.PeriodMonthly
	}
	hardLimit := true
	if req.HardLimit != nil {
		hardLimit = *req.HardLimit
	}

	quota, err := s.quotaSvc.Override(c.Request.Context(), quotadomain.OverrideRequest{
		ProjectID: projectID,
		MeterKey:  strings.TrimSpace(c.Param("meterKey")),
		Limit:     *req.Limit,
		Period:    period,
		HardLimit: hardLimit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, quota)
}

func (s *Server) GetCostPreview(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	from, to, err := timeRange(c, s.clock.Now(), defaultCostPreviewSpan)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	preview, err := s.entitlementSvc.CostPreview(c.Request.Context(), projectID, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": preview})
}
