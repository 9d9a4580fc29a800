package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
)

type Service interface {
	Resolve(ctx context.Context, projectID snowflake.ID, at time.Time) (*Entitlements, error)
	// Authorize runs the write-path checks in order: billing, capability, quota.
	// A rejection returns the decision together with a typed error.
	Authorize(ctx context.Context, req AuthorizeRequest) (*Decision, error)
	CostPreview(ctx context.Context, projectID snowflake.ID, from, to time.Time) (*CostPreview, error)
	// CapabilityFor maps a usage event type to the capability that gates it.
	CapabilityFor(eventType string) (plandomain.Capability, bool)
}

var (
	ErrCapabilityNotAllowed = errors.New("capability_not_allowed")
	ErrInvalidTimeRange     = errors.New("invalid_time_range")
	// ErrStateUnavailable wraps read failures; authorization fails closed on it.
	ErrStateUnavailable = errors.New("enforcement_state_unavailable")
)

type CapabilityError struct {
	Capability plandomain.Capability
	PlanKey    string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability_not_allowed: %s on plan %s", e.Capability, e.PlanKey)
}

func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityNotAllowed
}
