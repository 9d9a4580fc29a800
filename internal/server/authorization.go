package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
	contextActorKey = "actor"
)

// ActorContext trusts the identity headers set by the gateway in front of the engine.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := authorization.Actor{
			ID:   strings.TrimSpace(c.GetHeader(HeaderActorID)),
			Role: strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))),
		}
		if actor.ID != "" {
			actorType := auditdomain.ActorTypeUser
			if actor.Role == authorization.RoleService {
				actorType = auditdomain.ActorTypeService
			}
			ctx := obscontext.WithActor(c.Request.Context(), string(actorType), actor.ID, actor.Role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) authorization.Actor {
	if actor, ok := c.Get(contextActorKey); ok {
		if typed, ok := actor.(authorization.Actor); ok {
			return typed
		}
	}
	return authorization.Actor{}
}

// authorize gates a mutating route on the actor's role within the tenant.
func (s *Server) authorize(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		actor := actorFrom(c)
		if actor.ID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		tenantID, ok := tenantctx.TenantID(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		var projectID *snowflake.ID
		if raw := strings.TrimSpace(c.Param("id")); raw != "" {
			if id, err := snowflake.ParseString(raw); err == nil && id > 0 {
				projectID = &id
			}
		}

		if err := s.authzSvc.Authorize(c.Request.Context(), actor, tenantID, projectID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
