package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
)

type createBillingAccountRequest struct {
	ExternalCustomerRef *string `json:"external_customer_ref"`
	Status              string  `json:"status"`
	GraceWindowDays     *int    `json:"grace_window_days"`
}

type applyBillingEventRequest struct {
	Event           string  `json:"event"`
	ActorID         *string `json:"actor_id"`
	GraceWindowDays *int    `json:"grace_window_days"`
}

type scheduleBillingAccountRequest struct {
	BillingAccountID string     `json:"billing_account_id"`
	EffectiveFrom    *time.Time `json:"effective_from_utc"`
	EffectiveTo      *time.Time `json:"effective_to_utc"`
}

func (s *Server) CreateBillingAccount(c *gin.Context) {
	var req createBillingAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenantID, ok := tenantctx.TenantID(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	account, err := s.billingSvc.CreateAccount(c.Request.Context(), billingdomain.CreateAccountRequest{
		TenantID:            tenantID,
		ExternalCustomerRef: req.ExternalCustomerRef,
		Status:              billingdomain.Status(strings.TrimSpace(req.Status)),
		GraceWindowDays:     req.GraceWindowDays,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, account)
}

// GetBillingState returns the effective status, derived from elapsed time when needed.
func (s *Server) GetBillingState(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view, err := s.billingSvc.CurrentStatus(c.Request.Context(), projectID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) ApplyBillingEvent(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req applyBillingEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	actorID := req.ActorID
	if actorID == nil || strings.TrimSpace(*actorID) == "" {
		if actor := actorFrom(c); actor.ID != "" {
			id := actor.ID
			actorID = &id
		}
	}

	result, err := s.billingSvc.ApplyEvent(c.Request.Context(), billingdomain.ApplyEventRequest{
		ProjectID:       projectID,
		Event:           billingdomain.Event(strings.TrimSpace(req.Event)),
		ActorID:         actorID,
		GraceWindowDays: req.GraceWindowDays,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, result)
}

func (s *Server) ListBillingAccountSchedule(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	links, err := s.billingSvc.ListLinks(c.Request.Context(), projectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": links})
}

func (s *Server) ScheduleBillingAccount(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req scheduleBillingAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	accountID, err := parseOptionalSnowflakeID(req.BillingAccountID)
	if err != nil || accountID == nil {
		AbortWithError(c, newValidationError("billing_account_id", "invalid_billing_account_id", "invalid billing account id"))
		return
	}

	link, err := s.billingSvc.LinkAccount(c.Request.Context(), billingdomain.ScheduleLinkRequest{
		ProjectID:        projectID,
		BillingAccountID: *accountID,
		EffectiveFrom:    optionalTime(req.EffectiveFrom, s.clock.Now()),
		EffectiveTo:      req.EffectiveTo,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, link)
}

func (s *Server) CancelBillingAccountSchedule(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	linkID, err := idParam(c, "linkId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	link, err := s.billingSvc.CancelScheduledLink(c.Request.Context(), projectID, linkID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, link)
}
