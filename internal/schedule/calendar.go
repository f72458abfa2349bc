package schedule

import "time"

// The calendar-gap rule requires at least one full empty calendar day between
// two measurement days: Mon -> Wed -> Fri is legal, Mon -> Tue is not.
// A day counts as a measurement day once at least one measurement completed
// on it.

// CalendarGapOK reports whether starting a new measurement day on today is
// allowed given the recorded measurement days (ascending, last element is the
// most recent).
func CalendarGapOK(measurementDays []time.Time, today time.Time) bool {
	if len(measurementDays) == 0 {
		return true
	}
	last := measurementDays[len(measurementDays)-1]
	return DaysBetween(last, today) >= 2
}

// NextAllowedDay returns the earliest day a new measurement day may start
// after lastMeasuredDay. With the rule relaxed the next calendar day is fine.
func NextAllowedDay(lastMeasuredDay time.Time, enforced bool) time.Time {
	if enforced {
		return DayOf(lastMeasuredDay).AddDate(0, 0, 2)
	}
	return DayOf(lastMeasuredDay).AddDate(0, 0, 1)
}
