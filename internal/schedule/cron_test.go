package schedule

import (
	"testing"
	"time"
)

func TestParseCronValueSets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		expr    string
		minutes []int
		hours   []int
	}{
		{name: "list hours", expr: "0 7,10,20 * * *", minutes: []int{0}, hours: []int{7, 10, 20}},
		{name: "step minutes", expr: "*/20 * * * *", minutes: []int{0, 20, 40}, hours: nil},
		{name: "range with step", expr: "0 8-18/5 * * *", minutes: []int{0}, hours: []int{8, 13, 18}},
		{name: "range", expr: "15 9-11 * * *", minutes: []int{15}, hours: []int{9, 10, 11}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			sch, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatalf("ParseCron(%q) error: %v", tt.expr, err)
			}
			if tt.minutes != nil && !equalInts(sch.Minutes(), tt.minutes) {
				t.Fatalf("minutes = %v, want %v", sch.Minutes(), tt.minutes)
			}
			if tt.hours != nil && !equalInts(sch.Hours(), tt.hours) {
				t.Fatalf("hours = %v, want %v", sch.Hours(), tt.hours)
			}
		})
	}
}

func TestParseCronRejectsInvalid(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"",
		"0 7",
		"0 7 * *",
		"0 7 1 * *",   // day-of-month restricted
		"0 7 * 2 *",   // month restricted
		"0 7 * * mon", // day-of-week restricted
		"*/0 * * * *", // zero step
		"10-5 * * * *",
		"0 25 * * *",
		"61 * * * *",
		"x 7 * * *",
	}
	for _, expr := range exprs {
		if _, err := ParseCron(expr); err == nil {
			t.Fatalf("ParseCron(%q): expected error", expr)
		}
	}
}

func TestNextOnOrAfterRoundsUpToNextMinute(t *testing.T) {
	t.Parallel()
	sch := mustCron(t, "0 * * * *")
	got, err := sch.NextOnOrAfter(time.Date(2026, 1, 7, 10, 0, 1, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextOnOrAfter error: %v", err)
	}
	want := time.Date(2026, 1, 7, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextOnOrAfter = %v, want %v", got, want)
	}
}

func TestNextOnOrAfterExactMatchIsOnOrAfter(t *testing.T) {
	t.Parallel()
	sch := mustCron(t, "30 14 * * *")
	at := time.Date(2026, 1, 7, 14, 30, 0, 0, time.UTC)
	got, err := sch.NextOnOrAfter(at)
	if err != nil {
		t.Fatalf("NextOnOrAfter error: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("NextOnOrAfter = %v, want the exact matching instant %v", got, at)
	}
}

func TestNextOnOrAfterCrossesToNextDay(t *testing.T) {
	t.Parallel()
	sch := mustCron(t, "0 12 * * *")
	got, err := sch.NextOnOrAfter(time.Date(2026, 1, 7, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextOnOrAfter error: %v", err)
	}
	want := time.Date(2026, 1, 8, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextOnOrAfter = %v, want next day noon %v", got, want)
	}
}

func TestHasInstantWithin(t *testing.T) {
	t.Parallel()
	sch := mustCron(t, "0 12 * * *")
	day := time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)

	start := day.Add(7 * time.Hour)
	end := day.Add(23 * time.Hour)
	if !sch.HasInstantWithin(start, end) {
		t.Fatal("expected noon inside 07:00-23:00")
	}
	if sch.HasInstantWithin(day.Add(13*time.Hour), end) {
		t.Fatal("expected no instant inside 13:00-23:00")
	}
}

func mustCron(t *testing.T, expr string) *CronSchedule {
	t.Helper()
	sch, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("ParseCron(%q): %v", expr, err)
	}
	return sch
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
