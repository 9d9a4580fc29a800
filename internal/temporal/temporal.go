// Package temporal resolves effective-dated records: configuration valid over a
// half-open interval [EffectiveFrom, EffectiveTo) per subject. Billing account
// links and plan assignments both embed EffectiveDated and share one Store.
package temporal

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound              = errors.New("effective_record_not_found")
	ErrOverlappingSchedule   = errors.New("overlapping_schedule")
	ErrScheduleNotCancelable = errors.New("schedule_not_cancelable")
	ErrInvalidInterval       = errors.New("invalid_interval")
	ErrInvalidTermination    = errors.New("invalid_termination")
)

type EffectiveDated struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	ProjectID     snowflake.ID `gorm:"not null;index" json:"project_id"`
	EffectiveFrom time.Time    `gorm:"not null" json:"effective_from_utc"`
	EffectiveTo   *time.Time   `json:"effective_to_utc,omitempty"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
}

func (e *EffectiveDated) Dated() *EffectiveDated { return e }

func (e *EffectiveDated) Window() Window {
	return Window{From: e.EffectiveFrom, To: e.EffectiveTo}
}

// Record is implemented by pointers to structs embedding EffectiveDated.
type Record interface {
	Dated() *EffectiveDated
}

// Window is a half-open interval; a nil To is open-ended.
type Window struct {
	From time.Time
	To   *time.Time
}

func (w Window) Valid() bool {
	if w.From.IsZero() {
		return false
	}
	return w.To == nil || w.To.After(w.From)
}

func (w Window) Contains(t time.Time) bool {
	if t.Before(w.From) {
		return false
	}
	return w.To == nil || t.Before(*w.To)
}

func (w Window) Overlaps(other Window) bool {
	if w.To != nil && !other.From.Before(*w.To) {
		return false
	}
	if other.To != nil && !w.From.Before(*other.To) {
		return false
	}
	return true
}

// Resolve picks, among records starting at or before at, the one with the latest
// start, and reports it only if at falls before its end.
func Resolve[T Record](records []T, at time.Time) (T, bool) {
	var (
		best  T
		found bool
	)
	for _, rec := range records {
		d := rec.Dated()
		if d.EffectiveFrom.After(at) {
			continue
		}
		if !found || d.EffectiveFrom.After(best.Dated().EffectiveFrom) {
			best = rec
			found = true
		}
	}
	if !found || !best.Dated().Window().Contains(at) {
		var zero T
		return zero, false
	}
	return best, true
}

// FindOverlap returns the first record whose interval intersects candidate.
func FindOverlap[T Record](records []T, candidate Window) (T, bool) {
	for _, rec := range records {
		if rec.Dated().Window().Overlaps(candidate) {
			return rec, true
		}
	}
	var zero T
	return zero, false
}
