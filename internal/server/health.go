package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	anomalydomain "github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
)

const defaultTimelineSpan = 7 * 24 * time.Hour

func (s *Server) GetProjectHealth(c *gin.Context) {
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

	snapshot, err := s.healthSvc.Snapshot(c.Request.Context(), projectID, at)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

func (s *Server) ListAnomalies(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	page.PageToken = strings.TrimSpace(page.PageToken)

	resp, err := s.anomalySvc.List(c.Request.Context(), anomalydomain.ListRequest{
		Pagination: page,
		ProjectID:  projectID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Anomalies, "page_info": resp.PageInfo})
}

func (s *Server) GetTimeline(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	from, to, err := timeRange(c, s.clock.Now(), defaultTimelineSpan)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	timeline, err := s.healthSvc.Timeline(c.Request.Context(), projectID, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": timeline})
}

// GetSupportBundle exports a signed diagnostic bundle for the project.
func (s *Server) GetSupportBundle(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	bundle, err := s.healthSvc.SupportBundle(c.Request.Context(), projectID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, bundle)
}
