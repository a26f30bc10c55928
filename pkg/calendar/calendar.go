// Package calendar provides the trading-calendar abstraction used by the
// Scheduler (to skip cron triggers on non-trading days) and by
// MissingDataDetector (to compute the expected date set for a daily plugin).
package calendar

import "time"

// Calendar answers trading-day questions for a single market. It has no
// third-party backing anywhere in the example pack's dependency surface —
// see DESIGN.md for why this stays on the standard library.
type Calendar interface {
	IsTradingDay(d time.Time) bool
	// TradingDays returns every trading day in [from, to], inclusive, sorted
	// ascending.
	TradingDays(from, to time.Time) []time.Time
}

// WeekdayCalendar treats every weekday as a trading day except an explicit
// holiday set, which is the common approximation used when a market's full
// holiday calendar is supplied out of band (e.g. loaded from an exchange
// feed at startup).
type WeekdayCalendar struct {
	holidays map[string]struct{} // keyed by "2006-01-02"
}

// NewWeekdayCalendar builds a calendar from an explicit holiday list.
func NewWeekdayCalendar(holidays []time.Time) *WeekdayCalendar {
	set := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		set[dateKey(h)] = struct{}{}
	}
	return &WeekdayCalendar{holidays: set}
}

func dateKey(d time.Time) string {
	return d.Format("2006-01-02")
}

// IsTradingDay reports whether d is a weekday and not a declared holiday.
func (c *WeekdayCalendar) IsTradingDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[dateKey(d)]
	return !holiday
}

// TradingDays enumerates every trading day between from and to, inclusive.
func (c *WeekdayCalendar) TradingDays(from, to time.Time) []time.Time {
	from = truncateToDay(from)
	to = truncateToDay(to)

	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
