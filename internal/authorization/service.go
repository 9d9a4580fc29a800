package authorization

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Actor is the caller as identified by the gateway headers.
type Actor struct {
	ID   string
	Role string
}

type Service interface {
	// Authorize checks the actor's role within the tenant. Denials are audited
	// against projectID when one is given.
	Authorize(ctx context.Context, actor Actor, tenantID snowflake.ID, projectID *snowflake.ID, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrUnknownRole   = errors.New("unknown_role")
	ErrForbidden     = errors.New("forbidden")
)
