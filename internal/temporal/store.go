package temporal

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"github.com/smallbiznis/gatekeeper/pkg/rls"
	"github.com/smallbiznis/gatekeeper/pkg/tenantctx"
	"gorm.io/gorm"
)

// SubjectLocker serializes scheduling for one subject inside tx.
// It returns an error when the subject does not exist.
type SubjectLocker interface {
	LockSubject(ctx context.Context, tx *gorm.DB, subjectID snowflake.ID) error
}

// Store persists one effective-dated entity type. T must be a pointer to a gorm
// model embedding EffectiveDated.
type Store[T Record] struct {
	db     *gorm.DB
	locker SubjectLocker
	clock  clock.Clock
}

func NewStore[T Record](conn *gorm.DB, locker SubjectLocker, clk clock.Clock) *Store[T] {
	return &Store[T]{db: conn, locker: locker, clock: clk}
}

// List returns the subject's records ordered by EffectiveFrom.
func (s *Store[T]) List(ctx context.Context, subjectID snowflake.ID) ([]T, error) {
	return s.list(ctx, s.db, subjectID)
}

func (s *Store[T]) ResolveAt(ctx context.Context, subjectID snowflake.ID, at time.Time) (T, error) {
	records, err := s.List(ctx, subjectID)
	if err != nil {
		var zero T
		return zero, err
	}
	rec, ok := Resolve(records, at.UTC())
	if !ok {
		return rec, ErrNotFound
	}
	return rec, nil
}

// Schedule inserts record unless its interval overlaps an existing one for the same subject.
// The check and the insert happen under the subject lock, so racing schedulers see each
// other's rows.
func (s *Store[T]) Schedule(ctx context.Context, record T) error {
	d := record.Dated()
	d.EffectiveFrom = d.EffectiveFrom.UTC()
	if d.EffectiveTo != nil {
		to := d.EffectiveTo.UTC()
		d.EffectiveTo = &to
	}
	if !d.Window().Valid() || d.ProjectID == 0 {
		return ErrInvalidInterval
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now().UTC()
	}

	return s.withSubjectLock(ctx, d.ProjectID, func(tx *gorm.DB) error {
		existing, err := s.list(ctx, tx, d.ProjectID)
		if err != nil {
			return err
		}
		if _, overlaps := FindOverlap(existing, d.Window()); overlaps {
			return ErrOverlappingSchedule
		}
		return tx.WithContext(ctx).Create(record).Error
	})
}

// Terminate closes a record at at, shortening it. It never lengthens an interval.
func (s *Store[T]) Terminate(ctx context.Context, subjectID, recordID snowflake.ID, at time.Time) (T, error) {
	at = at.UTC()
	var result T
	err := s.withSubjectLock(ctx, subjectID, func(tx *gorm.DB) error {
		rec, err := s.find(ctx, tx, subjectID, recordID)
		if err != nil {
			return err
		}
		d := rec.Dated()
		if !at.After(d.EffectiveFrom) {
			return ErrInvalidTermination
		}
		if d.EffectiveTo != nil && !at.Before(*d.EffectiveTo) {
			return ErrInvalidTermination
		}
		if err := tx.WithContext(ctx).Model(rec).Update("effective_to", at).Error; err != nil {
			return err
		}
		d.EffectiveTo = &at
		result = rec
		return nil
	})
	return result, err
}

// CancelFuture deletes a record that has not started yet.
func (s *Store[T]) CancelFuture(ctx context.Context, subjectID, recordID snowflake.ID) (T, error) {
	now := s.clock.Now().UTC()
	var result T
	err := s.withSubjectLock(ctx, subjectID, func(tx *gorm.DB) error {
		rec, err := s.find(ctx, tx, subjectID, recordID)
		if err != nil {
			return err
		}
		if !rec.Dated().EffectiveFrom.After(now) {
			return ErrScheduleNotCancelable
		}
		if err := tx.WithContext(ctx).Delete(rec).Error; err != nil {
			return err
		}
		result = rec
		return nil
	})
	return result, err
}

func (s *Store[T]) withSubjectLock(ctx context.Context, subjectID snowflake.ID, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tenantID, ok := tenantctx.TenantID(ctx); ok && db.IsPostgres(tx) {
			if err := rls.WithTenant(tx, int64(tenantID)); err != nil {
				return err
			}
		}
		if err := s.locker.LockSubject(ctx, tx, subjectID); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (s *Store[T]) list(ctx context.Context, conn *gorm.DB, subjectID snowflake.ID) ([]T, error) {
	var records []T
	if err := conn.WithContext(ctx).
		Where("project_id = ?", subjectID).
		Find(&records).Error; err != nil {
		return nil, err
	}
	// Ordering happens here rather than in SQL because sqlite stores times as text.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Dated().EffectiveFrom.Before(records[j].Dated().EffectiveFrom)
	})
	return records, nil
}

func (s *Store[T]) find(ctx context.Context, conn *gorm.DB, subjectID, recordID snowflake.ID) (T, error) {
	var records []T
	var zero T
	if err := conn.WithContext(ctx).
		Where("id = ? AND project_id = ?", recordID, subjectID).
		Limit(1).
		Find(&records).Error; err != nil {
		return zero, err
	}
	if len(records) == 0 {
		return zero, ErrNotFound
	}
	return records[0], nil
}
