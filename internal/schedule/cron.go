package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser validates raw expressions with the same grammar the rest of the
// ecosystem uses before we extract the value sets ourselves.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// searchBoundDays bounds the forward scan in NextOnOrAfter. With non-empty
// minute and hour sets a match exists within two days; the bound only guards
// against internal corruption.
const searchBoundDays = 370

// CronSchedule is a restricted minute+hour cron schedule.
//
// Syntax: "<minute> <hour> * * *"
//   - minute: 0-59, supports "*", "*/n", "a,b,c", "a-b", "a-b/n"
//   - hour:   0-23, same operators as minute
//
// The day-of-month, month and day-of-week fields must be "*".
type CronSchedule struct {
	minutes []int
	hours   []int
	raw     string
}

// ParseCron parses a restricted cron expression. All parse failures are
// configuration errors: the expression comes from config or flags.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields '<min> <hour> * * *'", expr)
	}
	if fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return nil, fmt.Errorf("cron %q: only minute+hour are supported; day/month/dow must be '*'", expr)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}

	minutes, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron %q minute field: %w", expr, err)
	}
	hours, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("cron %q hour field: %w", expr, err)
	}
	return &CronSchedule{minutes: minutes, hours: hours, raw: expr}, nil
}

func (s *CronSchedule) String() string { return s.raw }

// Minutes returns the permitted minutes, ascending.
func (s *CronSchedule) Minutes() []int { return append([]int(nil), s.minutes...) }

// Hours returns the permitted hours, ascending.
func (s *CronSchedule) Hours() []int { return append([]int(nil), s.hours...) }

// NextOnOrAfter returns the first schedule instant at or after t. Instants
// are exact to the minute: t is rounded up to the next whole minute if it has
// sub-minute precision. The scan is bounded; exceeding the bound cannot
// happen with non-empty value sets and is reported as an error.
func (s *CronSchedule) NextOnOrAfter(t time.Time) (time.Time, error) {
	base := t.Truncate(time.Minute)
	if t.After(base) {
		base = base.Add(time.Minute)
	}

	day := DayOf(base)
	for offset := 0; offset < searchBoundDays; offset++ {
		d := day.AddDate(0, 0, offset)
		first := offset == 0
		for _, h := range s.hours {
			if first && h < base.Hour() {
				continue
			}
			startMinute := 0
			if first && h == base.Hour() {
				startMinute = base.Minute()
			}
			for _, m := range s.minutes {
				if m >= startMinute {
					return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, base.Location()), nil
				}
			}
		}
	}
	return time.Time{}, fmt.Errorf("cron %q: no instant within %d days of %s", s.raw, searchBoundDays, t.Format(time.RFC3339))
}

// HasInstantWithin reports whether any schedule instant falls in [start, end)
// anchored on start's calendar day. Used to validate that a configured
// schedule can produce starts inside the effective daily window.
func (s *CronSchedule) HasInstantWithin(start, end time.Time) bool {
	cand, err := s.NextOnOrAfter(start)
	if err != nil {
		return false
	}
	return cand.Before(end)
}

func parseCronField(field string, min, max int) ([]int, error) {
	field = strings.TrimSpace(field)
	set := map[int]bool{}

	if field == "*" {
		for v := min; v <= max; v++ {
			set[v] = true
		}
		return sortedValues(set), nil
	}

	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(part, "*/"); ok {
			step, err := strconv.Atoi(rest)
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step %q", part)
			}
			for v := min; v <= max; v += step {
				set[v] = true
			}
			continue
		}

		base, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			var err error
			step, err = strconv.Atoi(part[i+1:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step %q", part)
			}
			base = part[:i]
		}

		if i := strings.IndexByte(base, '-'); i >= 0 {
			a, errA := strconv.Atoi(base[:i])
			b, errB := strconv.Atoi(base[i+1:])
			if errA != nil || errB != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			if a > b {
				return nil, fmt.Errorf("inverted range %q", part)
			}
			for v := a; v <= b; v += step {
				set[v] = true
			}
			continue
		}

		v, err := strconv.Atoi(base)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		set[v] = true
	}

	for v := range set {
		if v < min || v > max {
			delete(set, v)
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no values in range %d-%d: %q", min, max, field)
	}
	return sortedValues(set), nil
}

func sortedValues(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
