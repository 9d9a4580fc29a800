package service

import (
	"sort"
	"time"

	"github.com/smallbiznis/gatekeeper/internal/config"
	usagedomain "github.com/smallbiznis/gatekeeper/internal/usage/domain"
)

type spike struct {
	EventType         string
	Recent            int64
	HistoricalAverage float64
}

// detectSpikes compares the scan day's bucket of each event type with the mean of
// the preceding HistoryDays buckets. Missing days count as zero.
func detectSpikes(rollups []usagedomain.UsageRollup, scanDay time.Time, cfg config.AnomalyConfig) []spike {
	day := usagedomain.Day(scanDay)
	historyStart := usagedomain.Day(scanDay.AddDate(0, 0, -cfg.HistoryDays))

	recent := map[string]int64{}
	history := map[string]int64{}
	for _, r := range rollups {
		switch {
		case r.DayUTC == day:
			recent[r.EventType] += r.Count
		case r.DayUTC >= historyStart && r.DayUTC < day:
			history[r.EventType] += r.Count
		}
	}

	var out []spike
	for eventType, count := range recent {
		avg := float64(history[eventType]) / float64(cfg.HistoryDays)
		if avg < cfg.MinSampleThreshold {
			continue
		}
		if float64(count) >= cfg.SpikeMultiplier*avg {
			out = append(out, spike{EventType: eventType, Recent: count, HistoricalAverage: avg})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// warningWindow returns where the repeated-warning count starts: the trailing
// window, cut short by a later plan upgrade.
func warningWindow(now time.Time, window time.Duration, lastUpgrade *time.Time) time.Time {
	start := now.Add(-window)
	if lastUpgrade != nil && lastUpgrade.After(start) {
		start = *lastUpgrade
	}
	return start
}

// windowKey buckets now into fixed windows of the given length.
func windowKey(now time.Time, window time.Duration) string {
	return now.UTC().Truncate(window).Format("2006-01-02T15:04Z")
}
