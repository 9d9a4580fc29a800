package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, anomaly *domain.Anomaly) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "reason"}, {Name: "window_key"}},
			DoNothing: true,
		}).
		Create(anomaly)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, projectID snowflake.ID, cursor *domain.Cursor, limit int) ([]*domain.Anomaly, error) {
	var rows []*domain.Anomaly
	stmt := db.WithContext(ctx).Model(&domain.Anomaly{}).Where("project_id = ?", projectID)
	if cursor != nil {
		stmt = stmt.Where("(detected_at < ?) OR (detected_at = ? AND id < ?)",
			cursor.DetectedAt,
			cursor.DetectedAt,
			cursor.ID,
		)
	}
	stmt = stmt.Order("detected_at desc, id desc")
	if limit > 0 {
		stmt = stmt.Limit(limit + 1)
	}
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
