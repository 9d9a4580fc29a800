package server

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

// parseOptionalTime accepts RFC3339 or a bare date. Bare dates expand to the start
// or the last instant of the UTC day.
func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		} else {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

// timeRange reads ?from=&to=. Missing bounds default to [now-span, now].
func timeRange(c *gin.Context, now time.Time, span time.Duration) (time.Time, time.Time, error) {
	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		return time.Time{}, time.Time{}, newValidationError("from", "invalid_from", "invalid from")
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		return time.Time{}, time.Time{}, newValidationError("to", "invalid_to", "invalid to")
	}
	end := now.UTC()
	if to != nil {
		end = *to
	}
	start := end.Add(-span)
	if from != nil {
		start = *from
	}
	return start, end, nil
}

// optionalTime parses a body timestamp, defaulting to now.
func optionalTime(value *time.Time, now time.Time) time.Time {
	if value == nil || value.IsZero() {
		return now.UTC()
	}
	return value.UTC()
}
