// Package config defines the on-disk configuration, its validation and the
// live-reload watcher. Files may be YAML or JSON; both go through the same
// strict decoder so unknown fields are rejected either way.
package config

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"bbmess/internal/history"
	"bbmess/internal/notify"
	"bbmess/internal/schedule"
	"bbmess/pkg/logx"
)

// Config is the wire format of the configuration file. Durations are strings
// in Go syntax ("45m", "120s"); wall clocks are "HH:MM".
type Config struct {
	StatePath string `json:"statePath"`
	Timezone  string `json:"timezone"`

	Window struct {
		DayStart       string `json:"dayStart"`
		DayEnd         string `json:"dayEnd"`
		DayEndBuffer   string `json:"dayEndBuffer"`
		DayStartJitter string `json:"dayStartJitter"`
	} `json:"window"`

	Gaps struct {
		MinGapBuffer string `json:"minGapBuffer"`
		Settle       string `json:"settle"`
	} `json:"gaps"`

	Quotas struct {
		DayGoal      int `json:"dayGoal"`
		CampaignGoal int `json:"campaignGoal"`
	} `json:"quotas"`

	Schedule struct {
		Cron       string `json:"cron"`
		RandomSeed int64  `json:"randomSeed"`
	} `json:"schedule"`

	Policy struct {
		EnforceCalendarGap   *bool `json:"enforceCalendarGap"`
		WaitCalendarGap      bool  `json:"waitCalendarGap"`
		Force                bool  `json:"force"`
		RunUntilCampaignDone bool  `json:"runUntilCampaignDone"`
		RunForever           bool  `json:"runForever"`
		SkipInitialWait      bool  `json:"skipInitialWait"`
		SyncProgress         bool  `json:"syncProgress"`
	} `json:"policy"`

	Executor struct {
		Kind    string `json:"kind"` // "speedtest" (default) or "command"
		Timeout string `json:"timeout"`

		Command struct {
			Path string   `json:"path"`
			Args []string `json:"args"`
		} `json:"command"`

		Speedtest struct {
			ServerCount    int  `json:"serverCount"`
			MaxConnections int  `json:"maxConnections"`
			SavingMode     bool `json:"savingMode"`
		} `json:"speedtest"`

		Progress struct {
			Path    string   `json:"path"`
			Args    []string `json:"args"`
			Timeout string   `json:"timeout"`
		} `json:"progress"`
	} `json:"executor"`

	History struct {
		Driver      string `json:"driver"` // "none", "file" or "sqlite"
		Path        string `json:"path"`
		BusyTimeout string `json:"busyTimeout"`
	} `json:"history"`

	Log struct {
		Level   string `json:"level"`
		Console *bool  `json:"console"`
		File    string `json:"file"`
	} `json:"log"`

	Notify struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chatId"`
		Prefix string `json:"prefix"`
	} `json:"notify"`
}

// Settings is the resolved, validated form of a Config: parsed durations and
// wall clocks, a loaded timezone and a seeded RNG for the planner.
type Settings struct {
	StatePath string
	Location  *time.Location

	Planner *schedule.Planner
	Seed    int64

	DayGoal      int
	CampaignGoal int

	EnforceCalendarGap   bool
	WaitCalendarGap      bool
	Force                bool
	RunUntilCampaignDone bool
	RunForever           bool
	SkipInitialWait      bool
	SyncProgress         bool

	ExecutorKind    string
	ExecutorTimeout time.Duration
	CommandPath     string
	CommandArgs     []string
	SpeedtestCount  int
	SpeedtestConns  int
	SpeedtestSaving bool
	ProgressPath    string
	ProgressArgs    []string
	ProgressTimeout time.Duration

	History history.Config
	Log     logx.Config
	Notify  notify.Config
}

// Default values for everything the file may omit.
const (
	defaultStatePath    = "bbmess-state.json"
	defaultDayStart     = "07:00"
	defaultDayEnd       = "23:59"
	defaultDayEndBuffer = 10 * time.Minute
	defaultJitterCap    = 45 * time.Minute
	defaultGapBuffer    = 120 * time.Second
	defaultSettle       = 30 * time.Second
	defaultExecTimeout  = 20 * time.Minute
)

// Resolve validates cfg and turns it into runtime settings. A nil cfg
// resolves to pure defaults.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Settings{}

	s.StatePath = cfg.StatePath
	if s.StatePath == "" {
		s.StatePath = defaultStatePath
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
		loc = l
	}
	s.Location = loc

	dayStart, err := wallClock("window.dayStart", cfg.Window.DayStart, defaultDayStart)
	if err != nil {
		return nil, err
	}
	dayEnd, err := wallClock("window.dayEnd", cfg.Window.DayEnd, defaultDayEnd)
	if err != nil {
		return nil, err
	}
	if !dayStart.Before(dayEnd) {
		return nil, fmt.Errorf("window: dayEnd %s must be after dayStart %s", dayEnd, dayStart)
	}

	endBuffer, err := duration("window.dayEndBuffer", cfg.Window.DayEndBuffer, defaultDayEndBuffer)
	if err != nil {
		return nil, err
	}
	jitterCap, err := duration("window.dayStartJitter", cfg.Window.DayStartJitter, defaultJitterCap)
	if err != nil {
		return nil, err
	}
	gapBuffer, err := duration("gaps.minGapBuffer", cfg.Gaps.MinGapBuffer, defaultGapBuffer)
	if err != nil {
		return nil, err
	}
	settle, err := duration("gaps.settle", cfg.Gaps.Settle, defaultSettle)
	if err != nil {
		return nil, err
	}

	// The buffered window end must still leave room to measure.
	ref := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	windowLen := dayEnd.At(ref).Sub(dayStart.At(ref))
	if endBuffer >= windowLen {
		return nil, fmt.Errorf("window.dayEndBuffer %s swallows the whole %s window", endBuffer, windowLen)
	}

	s.DayGoal = cfg.Quotas.DayGoal
	s.CampaignGoal = cfg.Quotas.CampaignGoal
	if s.DayGoal < 0 || s.CampaignGoal < 0 {
		return nil, fmt.Errorf("quotas must not be negative")
	}

	s.Seed = cfg.Schedule.RandomSeed
	seed := s.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s.Planner = &schedule.Planner{
		DayStart:     dayStart,
		DayEnd:       dayEnd,
		DayEndBuffer: endBuffer,
		GapBuffer:    gapBuffer,
		Settle:       settle,
		JitterCap:    jitterCap,
		Rand:         rand.New(rand.NewSource(seed)),
	}

	if expr := strings.TrimSpace(cfg.Schedule.Cron); expr != "" {
		cs, err := schedule.ParseCron(expr)
		if err != nil {
			return nil, fmt.Errorf("schedule.cron: %w", err)
		}
		start := dayStart.At(ref)
		end := schedule.LatestAllowedStart(dayEnd.At(ref), endBuffer)
		if !cs.HasInstantWithin(start, end) {
			return nil, fmt.Errorf("schedule.cron %q never fires inside the %s-%s window", expr, dayStart, dayEnd)
		}
		s.Planner.Cron = cs
	}

	s.EnforceCalendarGap = cfg.Policy.EnforceCalendarGap == nil || *cfg.Policy.EnforceCalendarGap
	s.WaitCalendarGap = cfg.Policy.WaitCalendarGap
	s.Force = cfg.Policy.Force
	s.RunUntilCampaignDone = cfg.Policy.RunUntilCampaignDone
	s.RunForever = cfg.Policy.RunForever
	s.SkipInitialWait = cfg.Policy.SkipInitialWait
	s.SyncProgress = cfg.Policy.SyncProgress
	if s.RunForever {
		s.RunUntilCampaignDone = true
	}

	s.ExecutorKind = strings.TrimSpace(cfg.Executor.Kind)
	if s.ExecutorKind == "" {
		s.ExecutorKind = "speedtest"
	}
	switch s.ExecutorKind {
	case "speedtest":
		s.SpeedtestCount = cfg.Executor.Speedtest.ServerCount
		s.SpeedtestConns = cfg.Executor.Speedtest.MaxConnections
		s.SpeedtestSaving = cfg.Executor.Speedtest.SavingMode
	case "command":
		if strings.TrimSpace(cfg.Executor.Command.Path) == "" {
			return nil, fmt.Errorf("executor.command.path is required for kind \"command\"")
		}
		s.CommandPath = cfg.Executor.Command.Path
		s.CommandArgs = cfg.Executor.Command.Args
	default:
		return nil, fmt.Errorf("executor.kind: unknown kind %q", s.ExecutorKind)
	}
	s.ExecutorTimeout, err = duration("executor.timeout", cfg.Executor.Timeout, defaultExecTimeout)
	if err != nil {
		return nil, err
	}
	if p := strings.TrimSpace(cfg.Executor.Progress.Path); p != "" {
		s.ProgressPath = p
		s.ProgressArgs = cfg.Executor.Progress.Args
		s.ProgressTimeout, err = duration("executor.progress.timeout", cfg.Executor.Progress.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
	}

	busy, err := duration("history.busyTimeout", cfg.History.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	s.History = history.Config{Driver: cfg.History.Driver, Path: cfg.History.Path, BusyTimeout: busy}

	s.Log = logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console == nil || *cfg.Log.Console,
		File:    logx.FileConfig{Enabled: cfg.Log.File != "", Path: cfg.Log.File},
	}
	s.Notify = notify.Config{Token: cfg.Notify.Token, ChatID: cfg.Notify.ChatID, Prefix: cfg.Notify.Prefix}

	return s, nil
}

func wallClock(field, raw, def string) (schedule.WallClock, error) {
	if strings.TrimSpace(raw) == "" {
		raw = def
	}
	wc, err := schedule.ParseWallClock(raw)
	if err != nil {
		return schedule.WallClock{}, fmt.Errorf("%s: %w", field, err)
	}
	return wc, nil
}

func duration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}

// ParseNextStart parses a requested next-start instant. Accepted forms:
// "HH:MM" (today, or tomorrow when already past), RFC 3339, or
// "YYYY-MM-DD HH:MM[:SS]" in the configured timezone.
func ParseNextStart(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	if wc, err := schedule.ParseWallClock(s); err == nil {
		at := wc.At(schedule.DayOf(now.In(loc)))
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized next-start %q", raw)
}
