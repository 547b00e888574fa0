package ratelimit

import "time"

// Period names one rate-limit tier.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodWeek   Period = "week"
	PeriodMonth  Period = "month"
)

// Periods returns every tier in check order, shortest window first.
func Periods() []Period {
	return []Period{PeriodMinute, PeriodHour, PeriodDay, PeriodWeek, PeriodMonth}
}

// Strategy selects how window boundaries are computed.
type Strategy string

const (
	// StrategyRolling bounds each window to the trailing period ending now.
	StrategyRolling Strategy = "rolling"
	// StrategyFixed aligns windows to calendar boundaries in UTC.
	StrategyFixed Strategy = "fixed"
)

// periodDuration is the nominal window length per tier. Month is a flat
// 30 days for the rolling strategy; the fixed strategy uses real calendar
// months.
func periodDuration(p Period) time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	}
	return 0
}

// windowBounds returns the active [start, end) window for a tier at the
// given instant.
func windowBounds(s Strategy, p Period, now time.Time) (time.Time, time.Time) {
	if s == StrategyRolling {
		return rollingBounds(p, now)
	}
	return fixedBounds(p, now)
}

func rollingBounds(p Period, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	return now.Add(-periodDuration(p)), now
}

func fixedBounds(p Period, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch p {
	case PeriodMinute:
		start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, time.UTC)
		return start, start.Add(time.Minute)
	case PeriodHour:
		start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
		return start, start.Add(time.Hour)
	case PeriodDay:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case PeriodWeek:
		// Weeks start Monday 00:00 UTC. Go counts Sunday as 0.
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		start := time.Date(now.Year(), now.Month(), now.Day()-daysSinceMonday, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 7)
	case PeriodMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
	return now, now
}
