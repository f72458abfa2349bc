package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bbmess/pkg/logx"
)

func TestStoreLoadFreshDefaults(t *testing.T) {
	t.Parallel()
	s := NewStore(filepath.Join(t.TempDir(), "state.json"), logx.Nop())
	now := time.Date(2026, 1, 7, 8, 0, 0, 0, time.UTC)

	c, err := s.Load(now)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DayGoal != DefaultDayGoal || c.CampaignGoal != DefaultCampaignGoal {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.CurrentDay != "2026-01-07" || c.DayDone != 0 || c.CampaignDone != 0 {
		t.Fatalf("unexpected fresh state: %+v", c)
	}
	if c.MeasurementDays == nil || len(c.MeasurementDays) != 0 {
		t.Fatalf("measurement days must be an empty list: %v", c.MeasurementDays)
	}
}

func TestStoreRoundTripAndNoTempFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := NewStore(path, logx.Nop())
	now := time.Date(2026, 1, 7, 8, 0, 0, 0, time.UTC)

	start := time.Date(2026, 1, 7, 9, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	c := New(now)
	c.RecordSuccess(start, end)

	if err := s.Save(c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved state: %v", err)
	}

	loaded, err := s.Load(now)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Save(loaded); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read re-saved state: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("save/load/save not byte-identical:\n%s\n---\n%s", first, second)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" {
			t.Fatalf("leftover file after save: %s", e.Name())
		}
	}
}

func TestStoreLoadRejectsGarbage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, logx.Nop())
	if _, err := s.Load(time.Now()); err == nil {
		t.Fatal("expected decode error")
	}
}
