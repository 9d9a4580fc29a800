package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/gatekeeper/internal/plan/domain"
	"github.com/smallbiznis/gatekeeper/internal/quota/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const incrementSQL = `UPDATE quotas SET
	used = CASE WHEN period_key = ? THEN used + 1 ELSE 1 END,
	period_key = ?,
	period_start = ?,
	updated_at = ?
WHERE id = ?
	AND (hard_limit = false OR (CASE WHEN period_key = ? THEN used ELSE 0 END) < quota_limit)`

type usedRow struct {
	Used int64
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, projectID snowflake.ID, meterKey string) (*domain.Quota, error) {
	var rows []domain.Quota
	err := db.WithContext(ctx).
		Where("project_id = ? AND meter_key = ?", projectID, meterKey).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, projectID snowflake.ID) ([]domain.Quota, error) {
	var rows []domain.Quota
	err := db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("meter_key ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListAfter(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]domain.Quota, error) {
	var rows []domain.Quota
	stmt := db.WithContext(ctx).Where("id > ?", after).Order("id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Find(&rows).Error
	return rows, err
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, q *domain.Quota) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO quotas (
			id, project_id, meter_key, period, quota_limit, used, hard_limit,
			period_start, period_key, source, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, meter_key) DO NOTHING`,
		q.ID, q.ProjectID, q.MeterKey, q.Period, q.QuotaLimit, q.Used, q.HardLimit,
		q.PeriodStart, q.PeriodKey, q.Source, q.UpdatedAt,
	).Error
}

func (r *repo) SyncPlanLimit(ctx context.Context, db *gorm.DB, id snowflake.ID, limit plandomain.QuotaLimit, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE quotas SET quota_limit = ?, period = ?, hard_limit = ?, updated_at = ?
		WHERE id = ? AND source = ?`,
		limit.Limit, limit.Period, limit.HardLimit, now, id, domain.SourcePlan,
	).Error
}

func (r *repo) UpsertOverride(ctx context.Context, db *gorm.DB, q *domain.Quota) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO quotas (
			id, project_id, meter_key, period, quota_limit, used, hard_limit,
			period_start, period_key, source, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, meter_key) DO UPDATE SET
			period = excluded.period,
			quota_limit = excluded.quota_limit,
			hard_limit = excluded.hard_limit,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		q.ID, q.ProjectID, q.MeterKey, q.Period, q.QuotaLimit, q.Used, q.HardLimit,
		q.PeriodStart, q.PeriodKey, domain.SourceOverride, q.UpdatedAt,
	).Error
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, id snowflake.ID, bucketKey string, periodStart, now time.Time) (int64, bool, error) {
	args := []any{bucketKey, bucketKey, periodStart, now, id, bucketKey}

	// MySQL has no RETURNING; the row lock taken by the update covers the read-back.
	if strings.EqualFold(db.Dialector.Name(), "mysql") {
		var (
			used int64
			ok   bool
		)
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Exec(incrementSQL, args...)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			ok = true
			return tx.Raw(`SELECT used FROM quotas WHERE id = ?`, id).Scan(&used).Error
		})
		return used, ok, err
	}

	var rows []usedRow
	if err := db.WithContext(ctx).Raw(incrementSQL+` RETURNING used`, args...).Scan(&rows).Error; err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Used, true, nil
}

func (r *repo) ResetStale(ctx context.Context, db *gorm.DB, id snowflake.ID, staleKey, bucketKey string, periodStart, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE quotas SET used = 0, period_key = ?, period_start = ?, updated_at = ?
		WHERE id = ? AND period_key = ?`,
		bucketKey, periodStart, now, id, staleKey,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
