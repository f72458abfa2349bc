// Package state holds the persisted campaign progress record and its
// day-rollover normalization. The record is a flat JSON document replaced
// atomically on every mutation; a crash never leaves a partial file behind.
package state

import (
	"fmt"
	"time"

	"bbmess/internal/schedule"
)

// Defaults used when no persisted state exists yet.
const (
	DefaultDayGoal      = 10
	DefaultCampaignGoal = 30
)

// Campaign is the persisted progress record of a measurement campaign.
//
// Field names are the wire format; do not rename tags.
type Campaign struct {
	DayGoal      int    `json:"dayGoal"`
	CampaignGoal int    `json:"campaignGoal"`
	CampaignDone int    `json:"campaignDone"`
	CurrentDay   string `json:"currentDay"` // YYYY-MM-DD the dayDone counter applies to
	DayDone      int    `json:"dayDone"`

	// Timestamps of the most recent completed measurement. Unset whenever
	// DayDone is zero.
	LastStart *time.Time `json:"lastStart"`
	LastEnd   *time.Time `json:"lastEnd"`

	// Every distinct calendar day with at least one completed measurement,
	// ascending, no duplicates. The last element is the reference point for
	// the calendar-gap rule.
	MeasurementDays []string `json:"measurementDays"`

	// Full campaigns finished; only advances when the engine is configured
	// to restart automatically.
	CampaignCyclesCompleted int `json:"campaignCyclesCompleted"`
}

// New returns a fresh campaign record for the given day.
func New(today time.Time) *Campaign {
	return &Campaign{
		DayGoal:         DefaultDayGoal,
		CampaignGoal:    DefaultCampaignGoal,
		CurrentDay:      schedule.DayOf(today).Format(schedule.DateFormat),
		MeasurementDays: []string{},
	}
}

// CurrentDayTime parses CurrentDay in loc. Falls back to today when the
// stored value is unparseable (repair happens on the next Normalize).
func (c *Campaign) CurrentDayTime(loc *time.Location, now time.Time) time.Time {
	d, err := time.ParseInLocation(schedule.DateFormat, c.CurrentDay, loc)
	if err != nil {
		return schedule.DayOf(now)
	}
	return d
}

// MeasurementDayTimes parses the recorded measurement days in loc, skipping
// unparseable entries.
func (c *Campaign) MeasurementDayTimes(loc *time.Location) []time.Time {
	out := make([]time.Time, 0, len(c.MeasurementDays))
	for _, s := range c.MeasurementDays {
		d, err := time.ParseInLocation(schedule.DateFormat, s, loc)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// LastMeasurementDay returns the most recent recorded measurement day.
func (c *Campaign) LastMeasurementDay(loc *time.Location) (time.Time, bool) {
	days := c.MeasurementDayTimes(loc)
	if len(days) == 0 {
		return time.Time{}, false
	}
	return days[len(days)-1], true
}

// RecordMeasurementDay appends CurrentDay to the measurement-day list if it
// is not already the most recent entry.
func (c *Campaign) RecordMeasurementDay() {
	if c.CurrentDay == "" {
		return
	}
	for _, d := range c.MeasurementDays {
		if d == c.CurrentDay {
			return
		}
	}
	c.MeasurementDays = append(c.MeasurementDays, c.CurrentDay)
}

// RecordSuccess applies one completed measurement.
func (c *Campaign) RecordSuccess(start, end time.Time) {
	s, e := start, end
	c.LastStart = &s
	c.LastEnd = &e
	c.DayDone++
	c.CampaignDone++
	c.RecordMeasurementDay()
}

// StartNextCycle resets campaign progress for a new automatic cycle.
// Measurement days are kept: the calendar-gap rule spans cycles.
func (c *Campaign) StartNextCycle() {
	c.CampaignCyclesCompleted++
	c.CampaignDone = 0
}

func (c *Campaign) DayQuotaReached() bool    { return c.DayDone >= c.DayGoal }
func (c *Campaign) CampaignComplete() bool   { return c.CampaignDone >= c.CampaignGoal }
func (c *Campaign) Progress() (string, string) {
	return fmt.Sprintf("%d/%d", c.DayDone, c.DayGoal), fmt.Sprintf("%d/%d", c.CampaignDone, c.CampaignGoal)
}

// Normalize repairs the record against the actual current date. It returns
// true when anything changed (callers persist on change).
//
// Rules:
//   - On a date change the day counters and timestamps reset. The stale
//     CurrentDay entry is pruned from the measurement-day list only when the
//     day saw no completed measurement, so the calendar-gap reference tracks
//     actual measurements rather than elapsed midnights.
//   - Progress whose latest activity timestamp falls on a different calendar
//     day than CurrentDay is a stale carry-over and resets as well: a
//     measurement that straddled midnight must not count toward a new day.
//   - Timestamps are always unset while DayDone is zero.
func (c *Campaign) Normalize(now time.Time) bool {
	today := schedule.DayOf(now).Format(schedule.DateFormat)
	changed := false

	if c.CurrentDay != today {
		if c.DayDone == 0 {
			c.pruneMeasurementDay(c.CurrentDay)
		}
		c.CurrentDay = today
		c.DayDone = 0
		c.LastStart, c.LastEnd = nil, nil
		return true
	}

	if c.DayDone > 0 {
		latest := c.LastEnd
		if latest == nil {
			latest = c.LastStart
		}
		if latest != nil && latest.Format(schedule.DateFormat) != c.CurrentDay {
			c.DayDone = 0
			c.LastStart, c.LastEnd = nil, nil
			changed = true
		}
	}
	if c.DayDone == 0 && (c.LastStart != nil || c.LastEnd != nil) {
		c.LastStart, c.LastEnd = nil, nil
		changed = true
	}
	return changed
}

func (c *Campaign) pruneMeasurementDay(day string) {
	n := 0
	for _, d := range c.MeasurementDays {
		if d == day {
			continue
		}
		c.MeasurementDays[n] = d
		n++
	}
	c.MeasurementDays = c.MeasurementDays[:n]
}
