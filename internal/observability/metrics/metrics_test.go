package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("meter_key", "job_submit"),
		attribute.String("project_id", "456"),
		attribute.String("outcome", "admit"),
	)
	assert.Len(t, attrs, 2)
	for _, attr := range attrs {
		assert.NotEqual(t, attribute.Key("project_id"), attr.Key)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUsage(context.Background(), "job_submit", false)
		m.RecordAdmission(context.Background(), "job_submit", "admit")
		m.RecordBillingTransition(context.Background(), "active", "past_due", "payment_failed")
	})

	noop := NewNoop()
	assert.NotPanics(t, func() {
		noop.RecordAnomaly(context.Background(), "usage_spike", "high")
	})
}
