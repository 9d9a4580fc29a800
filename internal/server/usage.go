package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
)

const defaultRollupSpan = 30 * 24 * time.Hour

type recordUsageRequest struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	OccurredAt     *time.Time     `json:"occurred_at"`
	IdempotencyKey *string        `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type recordUsageResponse struct {
	Event     usagedomain.UsageEvent      `json:"event"`
	Duplicate bool                        `json:"duplicate"`
	Decision  *entitlementdomain.Decision `json:"decision"`
}

type listUsageEventsQuery struct {
	pagination.Pagination
	EventType string `form:"event_type"`
}

// RecordUsage admits the write against billing, capability and quota before
// persisting it. Rejections never reach the usage log, and a retry of a stored
// event is answered from the log without being admitted again.
func (s *Server) RecordUsage(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	eventID, err := parseOptionalSnowflakeID(req.ID)
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		AbortWithError(c, usagedomain.ErrInvalidEventType)
		return
	}

	ctx := c.Request.Context()
	now := s.clock.Now()
	record := usagedomain.RecordRequest{
		ProjectID:      projectID,
		EventType:      eventType,
		OccurredAt:     optionalTime(req.OccurredAt, now),
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	if eventID != nil {
		record.ID = *eventID
	}

	// A retry of a stored event was already admitted once.
	replayed, err := s.usageSvc.LookupDuplicate(ctx, record)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if replayed != nil {
		respond(c, http.StatusOK, recordUsageResponse{
			Event:     replayed.Event,
			Duplicate: true,
		})
		return
	}

	decision, err := s.entitlementSvc.Authorize(ctx, entitlementdomain.AuthorizeRequest{
		ProjectID: projectID,
		MeterKey:  eventType,
		At:        now,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.usageSvc.Record(ctx, record)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	respond(c, status, recordUsageResponse{
		Event:     result.Event,
		Duplicate: result.Duplicate,
		Decision:  decision,
	})
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query listUsageEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if _, err := s.projectSvc.Get(c.Request.Context(), projectID); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.usageSvc.ListEvents(c.Request.Context(), usagedomain.ListEventsRequest{
		Pagination: query.Pagination,
		ProjectID:  projectID,
		EventType:  strings.TrimSpace(query.EventType),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.UsageEvents, "page_info": resp.PageInfo})
}

func (s *Server) ListUsageRollups(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	from, to, err := timeRange(c, s.clock.Now(), defaultRollupSpan)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if _, err := s.projectSvc.Get(c.Request.Context(), projectID); err != nil {
		AbortWithError(c, err)
		return
	}

	rollups, err := s.usageSvc.ListRollups(c.Request.Context(), projectID, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rollups})
}
