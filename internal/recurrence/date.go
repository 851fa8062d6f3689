package recurrence

import "time"

// Date truncates t to its calendar date, expressed as midnight UTC.
// The calendar fields are taken from t's own location.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StoredDate reads a calendar date loaded from the database. Drivers may hand back the
// stored midnight UTC in the process location, so the fields are read in UTC.
func StoredDate(t time.Time) time.Time {
	return Date(t.UTC())
}

// Today returns the calendar date of now as seen in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Date(now.In(loc))
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	return Date(t), nil
}

func daysInMonth(year int, month time.Month) int {
	// Move to next month, roll back a day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
}

// addMonthsClamped moves d by n months keeping the day of month, clamped to the month's last day.
func addMonthsClamped(d time.Time, n int, day int) time.Time {
	first := time.Date(d.Year(), d.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}
