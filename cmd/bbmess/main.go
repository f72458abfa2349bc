package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"bbmess/internal/config"
	"bbmess/internal/engine"
	"bbmess/internal/executor"
	"bbmess/internal/history"
	"bbmess/internal/notify"
	"bbmess/internal/state"
	"bbmess/pkg/logx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	watchConfig bool

	statePath      string
	dayStart       string
	dayEnd         string
	dayEndBuffer   string
	dayStartJitter string
	minGapBuffer   string
	settle         string
	scheduleCron   string
	randomSeed     int64
	dayGoal        int
	campaignGoal   int
	logLevel       string

	nextStart        string
	seedDayDone      int
	seedCampaignDone int

	enforceCalendarGap   bool
	waitCalendarGap      bool
	force                bool
	runUntilCampaignDone bool
	runForever           bool
	skipInitialWait      bool
	syncProgress         bool
}

func parseFlags() (*flags, map[string]bool) {
	var f flags
	flag.StringVar(&f.configPath, "config", "./bbmess.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&f.watchConfig, "watch-config", false, "reload the config file on change (log level only)")

	flag.StringVar(&f.statePath, "state", "", "state file path")
	flag.StringVar(&f.dayStart, "day-start", "", `window start, "HH:MM"`)
	flag.StringVar(&f.dayEnd, "day-end", "", `window end, "HH:MM"`)
	flag.StringVar(&f.dayEndBuffer, "day-end-buffer", "", "safety margin before the window end")
	flag.StringVar(&f.dayStartJitter, "day-start-jitter", "", "max random delay of a day's first start")
	flag.StringVar(&f.minGapBuffer, "min-gap-buffer", "", "extra spacing on top of the required gaps")
	flag.StringVar(&f.settle, "settle", "", "pause after each measurement")
	flag.StringVar(&f.scheduleCron, "schedule-cron", "", "cron expression restricting start instants (minute and hour fields)")
	flag.Int64Var(&f.randomSeed, "random-seed", 0, "RNG seed for reproducible schedules (0 = time-based)")
	flag.IntVar(&f.dayGoal, "day-goal", 0, "measurements per day")
	flag.IntVar(&f.campaignGoal, "campaign-goal", 0, "measurements per campaign")
	flag.StringVar(&f.logLevel, "log-level", "", "log level (trace..error)")

	flag.StringVar(&f.nextStart, "next-start", "", `one-shot start override: "HH:MM", RFC 3339 or "YYYY-MM-DD HH:MM"`)
	flag.IntVar(&f.seedDayDone, "seed-day-done", -1, "adopt this day counter instead of the persisted one")
	flag.IntVar(&f.seedCampaignDone, "seed-campaign-done", -1, "adopt this campaign counter instead of the persisted one")

	flag.BoolVar(&f.enforceCalendarGap, "enforce-calendar-gap", true, "require two free days between measurement days")
	flag.BoolVar(&f.waitCalendarGap, "wait-calendar-gap", false, "sleep through calendar-gap blocks instead of exiting")
	flag.BoolVar(&f.force, "force", false, "ignore the calendar-gap rule entirely")
	flag.BoolVar(&f.runUntilCampaignDone, "run-until-campaign-done", false, "keep running across days until the campaign completes")
	flag.BoolVar(&f.runForever, "run-forever", false, "start a new campaign cycle whenever one completes")
	flag.BoolVar(&f.skipInitialWait, "skip-initial-wait", false, "do not honor the gap left by a previous run on startup")
	flag.BoolVar(&f.syncProgress, "sync-progress", false, "adopt externally observed progress when ahead")
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return &f, set
}

// applyFlags overlays explicitly set flags onto the file config so one
// resolution path validates both.
func applyFlags(cfg *config.Config, f *flags, set map[string]bool) {
	if set["state"] {
		cfg.StatePath = f.statePath
	}
	if set["day-start"] {
		cfg.Window.DayStart = f.dayStart
	}
	if set["day-end"] {
		cfg.Window.DayEnd = f.dayEnd
	}
	if set["day-end-buffer"] {
		cfg.Window.DayEndBuffer = f.dayEndBuffer
	}
	if set["day-start-jitter"] {
		cfg.Window.DayStartJitter = f.dayStartJitter
	}
	if set["min-gap-buffer"] {
		cfg.Gaps.MinGapBuffer = f.minGapBuffer
	}
	if set["settle"] {
		cfg.Gaps.Settle = f.settle
	}
	if set["schedule-cron"] {
		cfg.Schedule.Cron = f.scheduleCron
	}
	if set["random-seed"] {
		cfg.Schedule.RandomSeed = f.randomSeed
	}
	if set["day-goal"] {
		cfg.Quotas.DayGoal = f.dayGoal
	}
	if set["campaign-goal"] {
		cfg.Quotas.CampaignGoal = f.campaignGoal
	}
	if set["log-level"] {
		cfg.Log.Level = f.logLevel
	}
	if set["enforce-calendar-gap"] {
		v := f.enforceCalendarGap
		cfg.Policy.EnforceCalendarGap = &v
	}
	if set["wait-calendar-gap"] {
		cfg.Policy.WaitCalendarGap = f.waitCalendarGap
	}
	if set["force"] {
		cfg.Policy.Force = f.force
	}
	if set["run-until-campaign-done"] {
		cfg.Policy.RunUntilCampaignDone = f.runUntilCampaignDone
	}
	if set["run-forever"] {
		cfg.Policy.RunForever = f.runForever
	}
	if set["skip-initial-wait"] {
		cfg.Policy.SkipInitialWait = f.skipInitialWait
	}
	if set["sync-progress"] {
		cfg.Policy.SyncProgress = f.syncProgress
	}
}

func run() error {
	f, set := parseFlags()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	boot := logx.NewConsole("info")
	mgr := config.NewManager(f.configPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	applyFlags(cfg, f, set)
	settings, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	log, closeLog, err := logx.New(settings.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	if f.watchConfig {
		mgr.OnReload(func(c *config.Config) {
			if s, err := config.Resolve(c); err == nil {
				logx.SetGlobalLevel(s.Log.Level)
			}
		})
		go func() { _ = mgr.Watch(ctx) }()
	}

	nextStart, err := config.ParseNextStart(f.nextStart, time.Now().In(settings.Location), settings.Location)
	if err != nil {
		return err
	}

	store := state.NewStore(settings.StatePath, log)

	hist, err := history.Open(settings.History, log)
	if err != nil {
		return err
	}
	if hist != nil {
		defer func() { _ = hist.Close() }()
	}

	notifier, err := notify.New(settings.Notify, log)
	if err != nil {
		return err
	}

	var exec engine.Executor
	switch settings.ExecutorKind {
	case "command":
		// The engine bounds each run via Options.ExecTimeout.
		exec = executor.NewCommand(executor.CommandConfig{
			Path: settings.CommandPath,
			Args: settings.CommandArgs,
		}, log)
	default:
		exec = executor.NewSpeedtest(executor.SpeedtestConfig{
			ServerCount:    settings.SpeedtestCount,
			MaxConnections: settings.SpeedtestConns,
			SavingMode:     settings.SpeedtestSaving,
		}, log)
	}

	opts := engine.Options{
		Planner:            settings.Planner,
		Location:           settings.Location,
		EnforceCalendarGap: settings.EnforceCalendarGap,
		Force:              settings.Force,
		WaitOnBlock:        settings.WaitCalendarGap,
		RunAcrossDays:      settings.RunUntilCampaignDone,
		RunForever:         settings.RunForever,
		NextStartOverride:  nextStart,
		SkipInitialWait:    settings.SkipInitialWait,
		SyncProgress:       settings.SyncProgress,
		DayGoal:            settings.DayGoal,
		CampaignGoal:       settings.CampaignGoal,
		ExecTimeout:        settings.ExecutorTimeout,
	}
	if f.seedDayDone >= 0 {
		v := f.seedDayDone
		opts.SeedDayDone = &v
	}
	if f.seedCampaignDone >= 0 {
		v := f.seedCampaignDone
		opts.SeedCampaignDone = &v
	}

	deps := engine.Deps{Store: store, Executor: exec, Log: log}
	if hist != nil {
		deps.History = hist
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	if settings.ProgressPath != "" {
		deps.Progress = executor.NewCommandProgress(settings.ProgressPath, settings.ProgressArgs, settings.ProgressTimeout, log)
	}

	eng, err := engine.New(opts, deps)
	if err != nil {
		return err
	}

	log.Info("bbmess starting",
		logx.String("state", settings.StatePath),
		logx.String("executor", settings.ExecutorKind),
		logx.String("window", settings.Planner.DayStart.String()+"-"+settings.Planner.DayEnd.String()))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason, err := eng.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("bbmess stopped", logx.String("reason", string(reason)))
	return nil
}
