package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
)

type schedulePlanRequest struct {
	PlanKey       string     `json:"plan_key"`
	EffectiveFrom *time.Time `json:"effective_from_utc"`
	EffectiveTo   *time.Time `json:"effective_to_utc"`
}

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.planSvc.ListPlans(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plans})
}

func (s *Server) UpsertPlan(c *gin.Context) {
	var req plandomain.UpsertPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := s.planSvc.UpsertPlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, plan)
}

func (s *Server) ListPlanSchedule(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	assignments, err := s.planSvc.ListAssignments(c.Request.Context(), projectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": assignments})
}

func (s *Server) SchedulePlan(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req schedulePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	assignment, err := s.planSvc.ScheduleAssignment(c.Request.Context(), plandomain.ScheduleAssignmentRequest{
		ProjectID:     projectID,
		PlanKey:       strings.TrimSpace(req.PlanKey),
		EffectiveFrom: optionalTime(req.EffectiveFrom, s.clock.Now()),
		EffectiveTo:   req.EffectiveTo,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, assignment)
}

func (s *Server) CancelPlanSchedule(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	assignmentID, err := idParam(c, "assignmentId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	assignment, err := s.planSvc.CancelScheduledAssignment(c.Request.Context(), projectID, assignmentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, assignment)
}
