// Package context carries request-scoped identifiers used by logging and audit.
package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey     ctxKey = "request_id"
	correlationIDKey ctxKey = "correlation_id"
	projectIDKey     ctxKey = "project_id"
	actorTypeKey     ctxKey = "actor_type"
	actorIDKey       ctxKey = "actor_id"
	actorRoleKey     ctxKey = "actor_role"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withString(ctx, correlationIDKey, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, correlationIDKey)
}

func WithProjectID(ctx context.Context, projectID string) context.Context {
	return withString(ctx, projectIDKey, projectID)
}

func ProjectIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, projectIDKey)
}

// WithActor records who is acting; role is optional.
func WithActor(ctx context.Context, actorType, actorID, role string) context.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	ctx = withString(ctx, actorIDKey, actorID)
	return withString(ctx, actorRoleKey, role)
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func ActorRoleFromContext(ctx context.Context) string {
	return stringFrom(ctx, actorRoleKey)
}

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if ctx == nil || value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
