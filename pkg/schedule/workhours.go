package schedule

import (
	"strings"
	"time"

	"github.com/hookline/hookline/pkg/config"
)

var dayNames = map[time.Weekday]string{
	time.Monday:    "monday",
	time.Tuesday:   "tuesday",
	time.Wednesday: "wednesday",
	time.Thursday:  "thursday",
	time.Friday:    "friday",
	time.Saturday:  "saturday",
	time.Sunday:    "sunday",
}

// defaultIntervals is the schedule assumed when a recipient has no
// configured days: weekdays nine to five
var defaultIntervals = []config.Interval{{Start: "09:00", End: "17:00"}}

func intervalsFor(wh config.WorkHours, day time.Weekday, weekendPolicy string) []config.Interval {
	name := dayNames[day]
	if ivs, ok := wh.Days[name]; ok {
		return ivs
	}
	weekend := day == time.Saturday || day == time.Sunday
	if weekend && weekendPolicy != "deliver" {
		return nil
	}
	if len(wh.Days) > 0 {
		// Explicit schedules leave unlisted weekdays off
		if !weekend {
			return nil
		}
	}
	return defaultIntervals
}

func isHoliday(wh config.WorkHours, day time.Time) bool {
	date := day.Format("2006-01-02")
	for _, h := range wh.Holidays {
		if h == date {
			return true
		}
	}
	for _, r := range wh.PTO {
		if date >= r.From && date <= r.To {
			return true
		}
	}
	return false
}

func parseClock(day time.Time, clock string, loc *time.Location) (time.Time, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
}

// InWorkHours reports whether now falls inside the recipient's schedule
func InWorkHours(wh config.WorkHours, weekendPolicy string, now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	if isHoliday(wh, local) {
		return false
	}
	for _, iv := range intervalsFor(wh, local.Weekday(), weekendPolicy) {
		start, ok1 := parseClock(local, iv.Start, loc)
		end, ok2 := parseClock(local, iv.End, loc)
		if !ok1 || !ok2 {
			continue
		}
		if !local.Before(start) && local.Before(end) {
			return true
		}
	}
	return false
}

// NextWorkInstant returns the first instant at or after `after` inside the
// recipient's schedule, honouring timezone, weekly intervals, holidays and
// PTO. The zero time is returned when no work window exists in the next 60
// days.
func NextWorkInstant(wh config.WorkHours, weekendPolicy string, after time.Time, loc *time.Location) time.Time {
	local := after.In(loc)
	for offset := 0; offset < 60; offset++ {
		day := local.AddDate(0, 0, offset)
		if isHoliday(wh, day) {
			continue
		}
		for _, iv := range intervalsFor(wh, day.Weekday(), weekendPolicy) {
			start, ok1 := parseClock(day, iv.Start, loc)
			end, ok2 := parseClock(day, iv.End, loc)
			if !ok1 || !ok2 {
				continue
			}
			if offset == 0 && local.After(start) {
				if local.Before(end) {
					return local
				}
				continue
			}
			return start
		}
	}
	return time.Time{}
}
