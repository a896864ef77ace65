package config

import "time"

// Contains reports whether now falls inside the quiet window in the given
// location, and when it does, the instant the window ends. Windows may
// span midnight.
func (q *QuietHours) Contains(now time.Time, loc *time.Location) (bool, time.Time) {
	if q == nil {
		return false, time.Time{}
	}
	start, err1 := time.Parse("15:04", q.Start)
	end, err2 := time.Parse("15:04", q.End)
	if err1 != nil || err2 != nil {
		return false, time.Time{}
	}

	local := now.In(loc)
	todayStart := time.Date(local.Year(), local.Month(), local.Day(), start.Hour(), start.Minute(), 0, 0, loc)
	todayEnd := time.Date(local.Year(), local.Month(), local.Day(), end.Hour(), end.Minute(), 0, 0, loc)

	if !todayEnd.After(todayStart) {
		// Window spans midnight (e.g. 22:00-08:00)
		if local.Before(todayEnd) {
			return true, todayEnd
		}
		if !local.Before(todayStart) {
			return true, todayEnd.Add(24 * time.Hour)
		}
		return false, time.Time{}
	}

	if !local.Before(todayStart) && local.Before(todayEnd) {
		return true, todayEnd
	}
	return false, time.Time{}
}

// Location resolves the team timezone, defaulting to UTC
func (c *TeamConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
