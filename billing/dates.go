package billing

import (
	"fmt"
	"time"
)

// DateLayout is the ISO day format used for next_charge_date.
const DateLayout = "2006-01-02"

// Day formats t in loc as YYYY-MM-DD.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// NextMonthlyDate returns the charge date one month after today, keeping the
// anchor's day-of-month and clamping it to the length of the target month.
// Jan 31 becomes Feb 28 (or 29), never Mar 3.
func NextMonthlyDate(anchor, today string) (string, error) {
	a, err := time.Parse(DateLayout, anchor)
	if err != nil {
		return "", fmt.Errorf("billing: bad anchor date %q: %w", anchor, err)
	}
	t, err := time.Parse(DateLayout, today)
	if err != nil {
		return "", fmt.Errorf("billing: bad date %q: %w", today, err)
	}
	return AddMonthClamped(t.Year(), t.Month(), a.Day()).Format(DateLayout), nil
}

// AddMonthClamped is the date in the month after (year, month) on day,
// or on that month's last day when it is shorter.
func AddMonthClamped(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}
