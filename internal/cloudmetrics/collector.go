package cloudmetrics

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"gorm.io/gorm"
)

// Accounting holds the enforcement accounting gauges pushed to the external sink.
// The gauges are recomputed from the database on every collection.
type Accounting struct {
	registry *prometheus.Registry

	projects       prometheus.Gauge
	usageToday     *prometheus.GaugeVec
	billingStatus  *prometheus.GaugeVec
	anomalies      *prometheus.GaugeVec
	memoryBytes    prometheus.Gauge
	lastCollection prometheus.Gauge
}

func NewAccounting(registry *prometheus.Registry) *Accounting {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	a := &Accounting{
		registry: registry,
		projects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_accounting_projects",
			Help: "Projects known to the engine.",
		}),
		usageToday: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_accounting_usage_events_today",
			Help: "Usage events recorded in the current UTC day, by event type.",
		}, []string{"event_type"}),
		billingStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_accounting_billing_status",
			Help: "Stored billing lifecycles by status.",
		}, []string{"status"}),
		anomalies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_accounting_anomalies",
			Help: "Recorded anomalies by reason.",
		}, []string{"reason"}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_accounting_process_memory_bytes",
			Help: "Bytes of memory obtained from the OS.",
		}),
		lastCollection: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_accounting_last_collection_timestamp_seconds",
			Help: "Unix time of the last successful collection.",
		}),
	}
	registry.MustRegister(a.projects, a.usageToday, a.billingStatus, a.anomalies, a.memoryBytes, a.lastCollection)
	return a
}

func (a *Accounting) Registry() *prometheus.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

type groupCount struct {
	Label string `gorm:"column:label"`
	Total int64  `gorm:"column:total"`
}

// Collect refreshes every gauge. Partial failures leave the affected gauge at its
// previous value.
func (a *Accounting) Collect(ctx context.Context, db *gorm.DB, now time.Time) error {
	if a == nil || db == nil {
		return nil
	}
	var errs []error

	var projects int64
	if err := db.WithContext(ctx).Table("projects").Count(&projects).Error; err != nil {
		errs = append(errs, err)
	} else {
		a.projects.Set(float64(projects))
	}

	var usage []groupCount
	if err := db.WithContext(ctx).Raw(
		`SELECT event_type AS label, SUM(count) AS total
		 FROM usage_rollups
		 WHERE day_utc = ?
		 GROUP BY event_type`,
		usagedomain.Day(now),
	).Scan(&usage).Error; err != nil {
		errs = append(errs, err)
	} else {
		a.usageToday.Reset()
		for _, row := range usage {
			a.usageToday.WithLabelValues(normalizeLabel(row.Label)).Set(float64(row.Total))
		}
	}

	var statuses []groupCount
	if err := db.WithContext(ctx).Raw(
		`SELECT status AS label, COUNT(*) AS total FROM (
		   SELECT status FROM billing_accounts
		   UNION ALL
		   SELECT status FROM billing_profiles
		 ) lifecycles
		 GROUP BY status`,
	).Scan(&statuses).Error; err != nil {
		errs = append(errs, err)
	} else {
		a.billingStatus.Reset()
		for _, row := range statuses {
			a.billingStatus.WithLabelValues(normalizeLabel(row.Label)).Set(float64(row.Total))
		}
	}

	var anomalies []groupCount
	if err := db.WithContext(ctx).Raw(
		`SELECT reason AS label, COUNT(*) AS total FROM anomalies GROUP BY reason`,
	).Scan(&anomalies).Error; err != nil {
		errs = append(errs, err)
	} else {
		a.anomalies.Reset()
		for _, row := range anomalies {
			a.anomalies.WithLabelValues(normalizeLabel(row.Label)).Set(float64(row.Total))
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	a.memoryBytes.Set(float64(mem.Sys))

	if len(errs) == 0 {
		a.lastCollection.Set(float64(now.Unix()))
	}
	return errors.Join(errs...)
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
