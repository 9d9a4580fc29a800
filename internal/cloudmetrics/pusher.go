package cloudmetrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "remote_write"
	ExporterPushgateway = "pushgateway"

	pushTimeout = 5 * time.Second
)

// Pusher ships one accounting collection, stamped with the time it was taken.
type Pusher interface {
	Push(ctx context.Context, registry *prometheus.Registry, collectedAt time.Time) error
}

// NewPusher returns nil when pushing is off or misconfigured; accounting is
// best-effort and never blocks startup.
func NewPusher(cfg config.Config, logger *zap.Logger) Pusher {
	if !cfg.Metrics.Enabled {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pusher, err := pusherFor(cfg)
	if err != nil {
		logger.Warn("accounting push disabled", zap.Error(err))
		return nil
	}
	return pusher
}

func pusherFor(cfg config.Config) (Pusher, error) {
	endpoint := strings.TrimSpace(cfg.Metrics.Endpoint)
	if endpoint == "" {
		return nil, errors.New("metrics push endpoint is required")
	}
	switch exporter := strings.ToLower(strings.TrimSpace(cfg.Metrics.Exporter)); exporter {
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return nil, fmt.Errorf("metrics push endpoint: %w", err)
		}
		return NewRemoteWritePusher(endpoint, cfg.Metrics.AuthToken), nil
	case ExporterPushgateway:
		return NewPushgatewayPusher(endpoint, cfg.AppName, cfg.Environment), nil
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", exporter)
	}
}

type RemoteWritePusher struct {
	endpoint  string
	authToken string
	client    *http.Client
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		client:    &http.Client{Timeout: pushTimeout},
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, registry *prometheus.Registry, collectedAt time.Time) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	body, err := encodeWriteRequest(families, collectedAt)
	if err != nil || body == nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// encodeWriteRequest returns nil when the registry holds nothing pushable.
func encodeWriteRequest(families []*dto.MetricFamily, collectedAt time.Time) ([]byte, error) {
	ts := collectedAt.UnixMilli()
	var series []prompb.TimeSeries
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			value, ok := sampleValue(family.GetType(), metric)
			if !ok {
				continue
			}
			series = append(series, prompb.TimeSeries{
				Labels:  seriesLabels(family.GetName(), metric.GetLabel()),
				Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
			})
		}
	}
	if len(series) == 0 {
		return nil, nil
	}
	raw, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// Accounting only exports gauges and counters; other types are skipped.
func sampleValue(kind dto.MetricType, metric *dto.Metric) (float64, bool) {
	switch {
	case kind == dto.MetricType_GAUGE && metric.GetGauge() != nil:
		return metric.GetGauge().GetValue(), true
	case kind == dto.MetricType_COUNTER && metric.GetCounter() != nil:
		return metric.GetCounter().GetValue(), true
	}
	return 0, false
}

// Remote write requires labels sorted by name.
func seriesLabels(name string, pairs []*dto.LabelPair) []prompb.Label {
	labels := make([]prompb.Label, 0, len(pairs)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	for _, pair := range pairs {
		labels = append(labels, prompb.Label{Name: pair.GetName(), Value: pair.GetValue()})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

// PushgatewayPusher replaces the accounting group for this service and environment.
// The gateway stamps samples itself, so collectedAt is unused.
type PushgatewayPusher struct {
	endpoint    string
	job         string
	environment string
}

func NewPushgatewayPusher(endpoint, appName, environment string) *PushgatewayPusher {
	job := strings.TrimSpace(appName)
	if job == "" {
		job = "gatekeeper"
	}
	return &PushgatewayPusher{
		endpoint:    endpoint,
		job:         job + "_accounting",
		environment: strings.TrimSpace(environment),
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context, registry *prometheus.Registry, _ time.Time) error {
	pusher := push.New(p.endpoint, p.job).Gatherer(registry)
	if p.environment != "" {
		pusher = pusher.Grouping("environment", p.environment)
	}
	return pusher.PushContext(ctx)
}
