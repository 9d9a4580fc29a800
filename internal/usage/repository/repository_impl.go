package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const rollupUpsertSQL = `INSERT INTO usage_rollups (
	project_id, event_type, day_utc, count, first_event_at, last_event_at
) VALUES (?, ?, ?, 1, ?, ?)
ON CONFLICT (project_id, event_type, day_utc) DO UPDATE SET
	count = usage_rollups.count + 1,
	first_event_at = CASE WHEN excluded.first_event_at < usage_rollups.first_event_at
		THEN excluded.first_event_at ELSE usage_rollups.first_event_at END,
	last_event_at = CASE WHEN excluded.last_event_at > usage_rollups.last_event_at
		THEN excluded.last_event_at ELSE usage_rollups.last_event_at END`

const rollupUpsertMySQL = `INSERT INTO usage_rollups (
	project_id, event_type, day_utc, count, first_event_at, last_event_at
) VALUES (?, ?, ?, 1, ?, ?)
ON DUPLICATE KEY UPDATE
	count = count + 1,
	first_event_at = LEAST(first_event_at, VALUES(first_event_at)),
	last_event_at = GREATEST(last_event_at, VALUES(last_event_at))`

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.UsageEvent) (bool, error) {
	// No conflict target: a clash on the primary key or on the idempotency index is a duplicate.
	result := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindDuplicate(ctx context.Context, db *gorm.DB, projectID, id snowflake.ID, idempotencyKey *string) (*domain.UsageEvent, error) {
	var rows []domain.UsageEvent
	stmt := db.WithContext(ctx).Model(&domain.UsageEvent{})
	if idempotencyKey != nil {
		stmt = stmt.Where("id = ? OR (project_id = ? AND idempotency_key = ?)", id, projectID, *idempotencyKey)
	} else {
		stmt = stmt.Where("id = ?", id)
	}
	if err := stmt.Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) UpsertRollup(ctx context.Context, db *gorm.DB, event *domain.UsageEvent) error {
	query := rollupUpsertSQL
	if strings.EqualFold(db.Dialector.Name(), "mysql") {
		query = rollupUpsertMySQL
	}
	at := event.OccurredAt.UTC()
	return db.WithContext(ctx).Exec(query,
		event.ProjectID,
		event.EventType,
		domain.Day(at),
		at,
		at,
	).Error
}

func (r *repo) ListRollups(ctx context.Context, db *gorm.DB, projectID snowflake.ID, fromDay, toDay string) ([]domain.UsageRollup, error) {
	var rows []domain.UsageRollup
	err := db.WithContext(ctx).
		Where("project_id = ? AND day_utc >= ? AND day_utc <= ?", projectID, fromDay, toDay).
		Order("day_utc ASC, event_type ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, filter domain.EventFilter) ([]*domain.UsageEvent, error) {
	var rows []*domain.UsageEvent
	stmt := db.WithContext(ctx).Model(&domain.UsageEvent{}).
		Where("project_id = ?", filter.ProjectID)
	if filter.EventType != "" {
		stmt = stmt.Where("event_type = ?", filter.EventType)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
