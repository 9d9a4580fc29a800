package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
)

type Source string

const (
	SourcePlan     Source = "plan"
	SourceOverride Source = "override"
)

// Quota is the single counter row for a project's meter key. PeriodKey names the
// bucket Used belongs to; a different bucket means Used is stale and reads as zero.
type Quota struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	ProjectID   snowflake.ID      `gorm:"not null;uniqueIndex:ux_quotas_project_meter,priority:1" json:"project_id"`
	MeterKey    string            `gorm:"type:text;not null;uniqueIndex:ux_quotas_project_meter,priority:2" json:"meter_key"`
	Period      plandomain.Period `gorm:"type:text;not null" json:"period"`
	QuotaLimit  int64             `gorm:"column:quota_limit;not null" json:"limit"`
	Used        int64             `gorm:"not null;default:0" json:"used"`
	HardLimit   bool              `gorm:"not null" json:"hard_limit"`
	PeriodStart time.Time         `gorm:"not null" json:"period_start_utc"`
	PeriodKey   string            `gorm:"type:text;not null" json:"period_key"`
	Source      Source            `gorm:"type:text;not null" json:"source"`
	UpdatedAt   time.Time         `gorm:"not null" json:"updated_at"`
}

func (Quota) TableName() string { return "quotas" }

// UsedIn returns the counter value as seen from bucket key.
func (q Quota) UsedIn(key string) int64 {
	if q.PeriodKey != key {
		return 0
	}
	return q.Used
}

// Bucket returns the UTC-aligned period containing t: the day, the ISO week
// starting Monday, or the calendar month.
func Bucket(period plandomain.Period, t time.Time) (string, time.Time) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case plandomain.PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		year, week := start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), start
	case plandomain.PeriodMonthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.Format("2006-01"), start
	default:
		return day.Format("2006-01-02"), day
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	MeterKey    string            `json:"meter_key"`
	Allowed     bool              `json:"allowed"`
	Used        int64             `json:"used"`
	Limit       int64             `json:"limit"`
	HardLimit   bool              `json:"hard_limit"`
	Warning     bool              `json:"warning"`
	Unlimited   bool              `json:"unlimited"`
	Period      plandomain.Period `json:"period,omitempty"`
	PeriodStart *time.Time        `json:"period_start_utc,omitempty"`
}
