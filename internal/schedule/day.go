package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateFormat is the wire format for calendar days in state and config.
const DateFormat = "2006-01-02"

// DayOf truncates an instant to midnight of its calendar day, keeping the
// location.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether two instants fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DaysBetween returns the number of whole calendar days from a to b
// (negative when b is before a). Both are interpreted in their own location.
func DaysBetween(a, b time.Time) int {
	return int(DayOf(b).Sub(DayOf(a)).Hours() / 24)
}

// WallClock is a time of day without a date, e.g. the configured start of the
// daily measurement window.
type WallClock struct {
	Hour   int
	Minute int
}

// ParseWallClock parses "HH:MM".
func ParseWallClock(s string) (WallClock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return WallClock{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return WallClock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return WallClock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return WallClock{Hour: h, Minute: m}, nil
}

// At anchors the wall-clock time on the given calendar day.
func (w WallClock) At(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, w.Hour, w.Minute, 0, 0, day.Location())
}

// Before reports whether w is earlier in the day than other.
func (w WallClock) Before(other WallClock) bool {
	if w.Hour != other.Hour {
		return w.Hour < other.Hour
	}
	return w.Minute < other.Minute
}

func (w WallClock) String() string {
	return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute)
}
