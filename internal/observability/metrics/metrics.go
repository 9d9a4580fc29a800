package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes enforcement instruments.
type Metrics struct {
	usageRecorded      metric.Int64Counter
	usageDuplicates    metric.Int64Counter
	admissions         metric.Int64Counter
	billingTransitions metric.Int64Counter
	billingCASRetries  metric.Int64Counter
	anomalies          metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "gatekeeper"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
	}{
		{&m.usageRecorded, "gatekeeper_usage_recorded_total"},
		{&m.usageDuplicates, "gatekeeper_usage_duplicates_total"},
		{&m.admissions, "gatekeeper_admission_decisions_total"},
		{&m.billingTransitions, "gatekeeper_billing_transitions_total"},
		{&m.billingCASRetries, "gatekeeper_billing_cas_retries_total"},
		{&m.anomalies, "gatekeeper_anomalies_detected_total"},
		{&m.rateLimitDenied, "gatekeeper_rate_limit_denied_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return m, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordUsage(ctx context.Context, eventType string, duplicate bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	if duplicate {
		m.usageDuplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAdmission counts one admission decision; outcome is admit, warning or a block reason.
func (m *Metrics) RecordAdmission(ctx context.Context, meterKey, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("meter_key", strings.TrimSpace(meterKey)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.admissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordBillingTransition(ctx context.Context, from, to, event string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("event_type", event),
	)
	m.billingTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordBillingCASRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.billingCASRetries.Add(ctx, 1)
}

func (m *Metrics) RecordAnomaly(ctx context.Context, reason, severity string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", reason),
		attribute.String("severity", severity),
	)
	m.anomalies.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Project ids are deliberately absent: they are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"meter_key":   {},
	"event_type":  {},
	"outcome":     {},
	"from":        {},
	"to":          {},
	"reason":      {},
	"severity":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
