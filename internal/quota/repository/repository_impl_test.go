package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, DriverName: "postgres"}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db, mock
}

func TestIncrementIsOneConditionalStatement(t *testing.T) {
	db, mock := openMock(t)
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(time.Hour)

	query := regexp.QuoteMeta(`UPDATE quotas SET`) + `(.|\n)*` +
		regexp.QuoteMeta(`(hard_limit = false OR (CASE WHEN period_key = $6 THEN used ELSE 0 END) < quota_limit) RETURNING used`)

	mock.ExpectQuery(query).
		WithArgs("2025-03", "2025-03", start, now, int64(9), "2025-03").
		WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(100))

	used, ok, err := Provide().Increment(context.Background(), db, snowflake.ID(9), "2025-03", start, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), used)

	mock.ExpectQuery(query).
		WithArgs("2025-03", "2025-03", start, now, int64(9), "2025-03").
		WillReturnRows(sqlmock.NewRows([]string{"used"}))

	_, ok, err = Provide().Increment(context.Background(), db, snowflake.ID(9), "2025-03", start, now)
	require.NoError(t, err)
	assert.False(t, ok, "no returned row means the hard limit held")

	require.NoError(t, mock.ExpectationsWereMet())
}
