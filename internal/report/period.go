package report

import (
	"time"

	"github.com/lox/klima/internal/models"
)

// bucketBounds returns the full period containing d: the day itself, its
// ISO week (Monday to Sunday) or its calendar month. d must be UTC midnight.
func bucketBounds(g models.Granularity, d time.Time) (start, end time.Time) {
	switch g {
	case models.GranularityWeek:
		offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
		start = d.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 6)
	case models.GranularityMonth:
		start = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, -1)
	default:
		return d, d
	}
}

// dayIndex is the number of days from start to d.
func dayIndex(start, d time.Time) int {
	return int(d.Sub(start).Hours() / 24)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
