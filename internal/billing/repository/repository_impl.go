package repository

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

var lifecycleTables = map[string]struct{}{
	"billing_accounts": {},
	"billing_profiles": {},
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.BillingAccount) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_accounts (
			id, tenant_id, external_customer_ref, status, trial_ends_at, status_changed_at,
			past_due_since, grace_window_days, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.TenantID,
		account.ExternalCustomerRef,
		account.Status,
		account.TrialEndsAt,
		account.StatusChangedAt,
		account.PastDueSince,
		account.GraceWindowDays,
		account.Version,
		account.CreatedAt,
	).Error
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.BillingAccount, error) {
	var rows []domain.BillingAccount
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) InsertProfile(ctx context.Context, db *gorm.DB, profile *domain.BillingProfile) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_profiles (
			id, project_id, status, trial_ends_at, status_changed_at, past_due_since,
			grace_window_days, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO NOTHING`,
		profile.ID,
		profile.ProjectID,
		profile.Status,
		profile.TrialEndsAt,
		profile.StatusChangedAt,
		profile.PastDueSince,
		profile.GraceWindowDays,
		profile.Version,
		profile.CreatedAt,
	).Error
}

func (r *repo) FindProfile(ctx context.Context, db *gorm.DB, projectID snowflake.ID) (*domain.BillingProfile, error) {
	var rows []domain.BillingProfile
	if err := db.WithContext(ctx).Where("project_id = ?", projectID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) CompareAndSwap(ctx context.Context, db *gorm.DB, table string, id snowflake.ID, expectedVersion int64, next domain.Lifecycle) (bool, error) {
	if _, ok := lifecycleTables[table]; !ok {
		return false, fmt.Errorf("unknown lifecycle table %q", table)
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE `+table+` SET
			status = ?,
			trial_ends_at = ?,
			status_changed_at = ?,
			past_due_since = ?,
			grace_window_days = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		next.Status,
		next.TrialEndsAt,
		next.StatusChangedAt,
		next.PastDueSince,
		next.GraceWindowDays,
		id,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListDelinquent(ctx context.Context, db *gorm.DB, table string, after snowflake.ID, limit int) ([]domain.LifecycleRow, error) {
	if _, ok := lifecycleTables[table]; !ok {
		return nil, fmt.Errorf("unknown lifecycle table %q", table)
	}
	var rows []domain.LifecycleRow
	stmt := db.WithContext(ctx).Table(table).
		Select("id, status, trial_ends_at, status_changed_at, past_due_since, grace_window_days, version").
		Where("status IN ?", []domain.Status{domain.StatusPastDue, domain.StatusGrace}).
		Where("id > ?", after).
		Order("id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
