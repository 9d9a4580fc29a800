package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	anomalydomain "github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	entitlementdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	healthdomain "github.com/smallbiznis/gatekeeper/internal/health/domain"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	projectdomain "github.com/smallbiznis/gatekeeper/internal/project/domain"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
	"github.com/smallbiznis/gatekeeper/internal/temporal"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	// Quota rejections carry the counter so clients can back off sensibly.
	MeterKey string `json:"meter_key,omitempty"`
	Used     *int64 `json:"used,omitempty"`
	Limit    *int64 `json:"limit,omitempty"`
	// Billing and capability rejections name what blocked the write.
	BillingStatus string `json:"billing_status,omitempty"`
	Capability    string `json:"capability,omitempty"`
	PlanKey       string `json:"plan_key,omitempty"`
}

type errorResponse struct {
	Error         errorPayload `json:"error"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{
			Error:         payload,
			CorrelationID: correlationIDFrom(c),
		})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var exceeded *quotadomain.ExceededError
	if errors.As(err, &exceeded) {
		used, limit := exceeded.Used, exceeded.Limit
		return http.StatusTooManyRequests, errorPayload{
			Type:     "quota_exceeded",
			Code:     "QUOTA_EXCEEDED",
			Message:  "quota exceeded",
			MeterKey: exceeded.MeterKey,
			Used:     &used,
			Limit:    &limit,
		}
	}

	var suspended *billingdomain.SuspendedError
	if errors.As(err, &suspended) {
		return http.StatusForbidden, errorPayload{
			Type:          "billing_suspended",
			Code:          "BILLING_SUSPENDED",
			Message:       "billing suspended",
			BillingStatus: string(suspended.Status),
		}
	}

	var capErr *entitlementdomain.CapabilityError
	if errors.As(err, &capErr) {
		return http.StatusForbidden, errorPayload{
			Type:       "capability_not_allowed",
			Code:       "CAPABILITY_NOT_ALLOWED",
			Message:    "capability not allowed",
			Capability: string(capErr.Capability),
			PlanKey:    capErr.PlanKey,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrUnknownRole):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, quotadomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Code:    "QUOTA_EXCEEDED",
			Message: "quota exceeded",
		}
	case errors.Is(err, billingdomain.ErrBillingSuspended):
		return http.StatusForbidden, errorPayload{
			Type:    "billing_suspended",
			Code:    "BILLING_SUSPENDED",
			Message: "billing suspended",
		}
	case errors.Is(err, entitlementdomain.ErrCapabilityNotAllowed):
		return http.StatusForbidden, errorPayload{
			Type:    "capability_not_allowed",
			Code:    "CAPABILITY_NOT_ALLOWED",
			Message: "capability not allowed",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, entitlementdomain.ErrStateUnavailable):
		// Checked before not-found: the wrapped read error must not leak as a 404.
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    conflictCode(err),
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, healthdomain.ErrSigningUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type/code the client sees.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationErrors = []error{
	ErrInvalidRequest,
	projectdomain.ErrInvalidName,
	projectdomain.ErrInvalidTenant,
	billingdomain.ErrInvalidEvent,
	billingdomain.ErrInvalidStatus,
	billingdomain.ErrInvalidGraceWindow,
	billingdomain.ErrInvalidTenant,
	plandomain.ErrInvalidPlanKey,
	plandomain.ErrInvalidQuotaLimit,
	plandomain.ErrDuplicateMeterKey,
	quotadomain.ErrInvalidMeterKey,
	quotadomain.ErrInvalidLimit,
	quotadomain.ErrInvalidPeriod,
	usagedomain.ErrInvalidProject,
	usagedomain.ErrInvalidEventType,
	usagedomain.ErrInvalidOccurredAt,
	usagedomain.ErrInvalidIdempotencyKey,
	usagedomain.ErrInvalidTimeRange,
	usagedomain.ErrInvalidPageToken,
	entitlementdomain.ErrInvalidTimeRange,
	anomalydomain.ErrInvalidProject,
	anomalydomain.ErrInvalidPageToken,
	healthdomain.ErrInvalidTimeRange,
	auditdomain.ErrInvalidTimeRange,
	auditdomain.ErrInvalidPageToken,
	temporal.ErrInvalidInterval,
	temporal.ErrInvalidTermination,
	authorization.ErrInvalidActor,
	authorization.ErrInvalidTenant,
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, temporal.ErrOverlappingSchedule),
		errors.Is(err, temporal.ErrScheduleNotCancelable),
		errors.Is(err, projectdomain.ErrDuplicateSlug),
		errors.Is(err, billingdomain.ErrAccountTenantMismatch),
		errors.Is(err, billingdomain.ErrConcurrentModification),
		errors.Is(err, usagedomain.ErrEventIDConflict):
		return true
	default:
		return false
	}
}

func conflictCode(err error) string {
	for _, target := range []error{
		temporal.ErrOverlappingSchedule,
		temporal.ErrScheduleNotCancelable,
		projectdomain.ErrDuplicateSlug,
		billingdomain.ErrAccountTenantMismatch,
		billingdomain.ErrConcurrentModification,
		usagedomain.ErrEventIDConflict,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, projectdomain.ErrNotFound),
		errors.Is(err, billingdomain.ErrAccountNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, temporal.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
