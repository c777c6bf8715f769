package core

import (
	"errors"
	"strings"
	"time"
)

const (
	AllTime   Period = "all"
	ThisMonth Period = "month"
	ThisWeek  Period = "week"
)

var ErrInvalidPeriod = errors.New("period must be all, month or week")

type Period string

// Interval is the half-open time range [Start, End). A zero Start is unbounded.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	if !iv.Start.IsZero() && t.Before(iv.Start) {
		return false
	}
	return t.Before(iv.End)
}

func (p Period) Validate() error {
	switch p {
	case AllTime, ThisMonth, ThisWeek:
		return nil
	}
	return ErrInvalidPeriod
}

// Label is the human wording used in rendered reports.
func (p Period) Label() string {
	switch p {
	case ThisMonth:
		return "this month"
	case ThisWeek:
		return "this week"
	}
	return "all time"
}

// ParsePeriod accepts "all", "month", "week" and the choice names shown to
// users ("All Time", "This Month", "This Week"). Empty input yields def.
func ParsePeriod(s string, def Period) (Period, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return def, nil
	case "all", "all time", "alltime", "all_time":
		return AllTime, nil
	case "month", "this month", "this_month":
		return ThisMonth, nil
	case "week", "this week", "this_week":
		return ThisWeek, nil
	}
	return "", NewValidationError("period", ErrInvalidPeriod)
}

// Resolve maps a period onto a concrete interval ending at now.
//
// Boundaries are computed in UTC: weeks start Monday 00:00, months start on
// day 1 at 00:00.
func Resolve(p Period, now time.Time) (Interval, error) {
	now = now.UTC()
	switch p {
	case AllTime:
		return Interval{End: now}, nil
	case ThisMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Interval{Start: start, End: now}, nil
	case ThisWeek:
		day := StartOfDay(now)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return Interval{Start: day.AddDate(0, 0, -offset), End: now}, nil
	}
	return Interval{}, NewValidationError("period", ErrInvalidPeriod)
}

// StartOfDay truncates t to 00:00 UTC of the same calendar day.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
