package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Signer produces and checks detached signatures over support bundle payloads.
type Signer interface {
	Sign(payload []byte) (string, error)
	Verify(payload []byte, signature string, key []byte) bool
}

type Service interface {
	Snapshot(ctx context.Context, projectID snowflake.ID, at time.Time) (*Snapshot, error)
	Timeline(ctx context.Context, projectID snowflake.ID, from, to time.Time) (*Timeline, error)
	SupportBundle(ctx context.Context, projectID snowflake.ID, at time.Time) (*SupportBundle, error)
}

var (
	ErrInvalidTimeRange   = errors.New("invalid_time_range")
	ErrSigningUnavailable = errors.New("support_bundle_signing_unavailable")
)
