// Package engine drives the measurement campaign: it decides when the next
// measurement may start, invokes the executor, persists progress and handles
// failures. All timing decisions are delegated to the schedule planner; the
// engine only sequences them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"bbmess/internal/history"
	"bbmess/internal/schedule"
	"bbmess/internal/state"
	"bbmess/pkg/logx"
)

const (
	backoffStep = 30 * time.Second
	backoffMax  = 10 * time.Minute

	// Extra settle time on top of an externally reported calendar-gap wait,
	// so the retry lands safely past the block.
	gapRetryMargin = 30 * time.Second
)

// Deps are the engine's collaborators. Store and Executor are required;
// everything else is optional.
type Deps struct {
	Store    *state.Store
	Executor Executor
	Progress ProgressReader
	History  history.Store
	Notifier Notifier
	Clock    Clock
	Log      logx.Logger
}

type Engine struct {
	opts    Options
	planner *schedule.Planner
	loc     *time.Location

	store  *state.Store
	exec   Executor
	prog   ProgressReader
	hist   history.Store
	notify Notifier

	clock   Clock
	waitLog *rate.Limiter
	log     logx.Logger
}

func New(opts Options, deps Deps) (*Engine, error) {
	if opts.Planner == nil {
		return nil, errors.New("engine: planner is required")
	}
	if deps.Store == nil {
		return nil, errors.New("engine: state store is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("engine: executor is required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	clk := deps.Clock
	if clk == nil {
		clk = realClock{}
	}
	return &Engine{
		opts:    opts,
		planner: opts.Planner,
		loc:     loc,
		store:   deps.Store,
		exec:    deps.Executor,
		prog:    deps.Progress,
		hist:    deps.History,
		notify:  deps.Notifier,
		clock:   clk,
		waitLog: newWaitLimiter(),
		log:     deps.Log,
	}, nil
}

func (e *Engine) now() time.Time { return e.clock.Now().In(e.loc) }

// Run executes the campaign until a stop condition is reached or ctx is
// canceled. The returned StopReason says why it stopped; the error is non-nil
// only for cancellation and hard failures (state persistence, load).
func (e *Engine) Run(ctx context.Context) (StopReason, error) {
	now := e.now()
	c, err := e.store.Load(now)
	if err != nil {
		return "", err
	}
	if e.opts.DayGoal > 0 {
		c.DayGoal = e.opts.DayGoal
	}
	if e.opts.CampaignGoal > 0 {
		c.CampaignGoal = e.opts.CampaignGoal
	}
	c.Normalize(now)

	seeded := e.opts.SeedDayDone != nil || e.opts.SeedCampaignDone != nil
	if seeded {
		if e.opts.SeedDayDone != nil {
			c.DayDone = *e.opts.SeedDayDone
		}
		if e.opts.SeedCampaignDone != nil {
			c.CampaignDone = *e.opts.SeedCampaignDone
		}
		day, camp := c.Progress()
		e.log.Info("progress seeded", logx.String("day", day), logx.String("campaign", camp))
	} else if e.opts.SyncProgress {
		e.syncProgress(ctx, c)
	}
	if c.DayDone > 0 {
		c.RecordMeasurementDay()
	}
	if err := e.store.Save(c); err != nil {
		return "", err
	}

	// Resuming mid-day: honor the gap the previous run already opened, so a
	// restart cannot violate the spacing rules.
	if c.DayDone > 0 && !e.opts.SkipInitialWait && c.LastStart != nil {
		earliest := c.LastStart.Add(schedule.MinGap(c.DayDone, e.planner.GapBuffer))
		if c.LastEnd != nil {
			if settled := c.LastEnd.Add(e.planner.Settle); settled.After(earliest) {
				earliest = settled
			}
		}
		if earliest.After(e.now()) {
			e.log.Info("resuming, honoring gap from previous run", logx.Time("until", earliest))
			if err := e.sleepUntil(ctx, earliest); err != nil {
				return StopCanceled, err
			}
		}
	}

	override := e.opts.NextStartOverride
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return StopCanceled, err
		}
		now = e.now()
		if c.Normalize(now) {
			if err := e.store.Save(c); err != nil {
				return "", err
			}
		}

		if c.CampaignComplete() {
			_, camp := c.Progress()
			if !e.opts.RunForever {
				e.log.Info("campaign complete", logx.String("campaign", camp))
				e.notifyText(ctx, "campaign complete: "+camp)
				return StopCampaignComplete, nil
			}
			c.StartNextCycle()
			if err := e.store.Save(c); err != nil {
				return "", err
			}
			e.log.Info("campaign complete, starting next cycle", logx.Int("cycle", c.CampaignCyclesCompleted+1))
			e.notifyText(ctx, fmt.Sprintf("campaign complete, starting cycle %d", c.CampaignCyclesCompleted+1))
			continue
		}

		today := c.CurrentDayTime(e.loc, now)
		dayStartT, dayEndT := e.planner.Window(today)

		if c.DayQuotaReached() {
			day, _ := c.Progress()
			if !e.opts.RunAcrossDays {
				e.log.Info("day quota reached, stopping for today", logx.String("day", day))
				return StopDayQuotaReached, nil
			}
			ref := today
			if last, ok := c.LastMeasurementDay(e.loc); ok {
				ref = last
			}
			nextDay := schedule.NextAllowedDay(ref, e.opts.gapEnforced())
			target := e.planner.FirstStartOfDay(nextDay, c.DayGoal)
			e.log.Info("day quota reached, continuing next day", logx.String("day", day), logx.Time("next_start", target))
			if err := e.sleepUntil(ctx, target); err != nil {
				return StopCanceled, err
			}
			continue
		}

		// Fresh day: the calendar-gap rule must hold before the first
		// measurement.
		if e.opts.gapEnforced() && c.DayDone == 0 && !schedule.CalendarGapOK(c.MeasurementDayTimes(e.loc), today) {
			if !seeded && e.opts.SyncProgress && e.syncProgress(ctx, c) {
				if c.DayDone > 0 {
					c.RecordMeasurementDay()
				}
				if err := e.store.Save(c); err != nil {
					return "", err
				}
				continue
			}
			last, _ := c.LastMeasurementDay(e.loc)
			nextDay := schedule.NextAllowedDay(last, true)
			target := e.planner.FirstStartOfDay(nextDay, c.DayGoal)
			e.log.Warn("calendar gap not yet satisfied", logx.Time("next_allowed", target))
			if !(e.opts.WaitOnBlock && e.opts.RunAcrossDays) {
				return StopCalendarGap, nil
			}
			if err := e.sleepUntil(ctx, target); err != nil {
				return StopCanceled, err
			}
			continue
		}

		// Whether the remaining day quota still fits before the cutoff.
		latestNext := schedule.LatestAllowedStart(dayEndT, e.planner.DayEndBuffer).
			Add(-schedule.MinRemainingGapTotal(c.DayDone+1, c.DayGoal, e.planner.GapBuffer))
		if !now.Before(dayStartT) && now.After(latestNext) {
			windowClosed := !now.Before(dayEndT)
			if windowClosed {
				e.log.Warn("day window closed", logx.Int("day_done", c.DayDone))
			} else {
				e.log.Warn("remaining day quota not feasible today", logx.Int("day_done", c.DayDone))
			}
			if !e.opts.RunAcrossDays {
				if windowClosed {
					return StopWindowClosed, nil
				}
				return StopInfeasibleDay, nil
			}
			nextDay := schedule.NextAllowedDay(today, c.DayDone > 0 && e.opts.gapEnforced())
			target := e.planner.FirstStartOfDay(nextDay, c.DayGoal)
			e.log.Info("continuing next day", logx.Time("next_start", target))
			if err := e.sleepUntil(ctx, target); err != nil {
				return StopCanceled, err
			}
			continue
		}

		// Align the upcoming start: a one-shot override wins; otherwise a day
		// not yet begun waits for its (possibly jittered or cron-determined)
		// first start. After the wait the measurement runs immediately, the
		// instant is not re-derived.
		var target time.Time
		switch {
		case !override.IsZero():
			target = override
			override = time.Time{}
			// An override never starts the day before its first planned start.
			first := dayStartT
			if c.DayDone == 0 {
				first = e.planner.FirstStartOfDay(today, c.DayGoal)
			}
			if target.Before(first) {
				target = first
			}
		case now.Before(dayStartT):
			if c.DayDone == 0 {
				target = e.planner.FirstStartOfDay(today, c.DayGoal)
			} else {
				target = dayStartT
			}
		case e.planner.Cron != nil:
			// Only honored while the remaining quota stays feasible;
			// otherwise the attempt starts right away.
			cand, err := e.planner.Cron.NextOnOrAfter(now)
			if err == nil && !cand.After(latestNext) {
				target = cand
			}
		}
		if target.After(now) {
			e.log.Info("next start planned", logx.Time("at", target))
			if err := e.sleepUntil(ctx, target); err != nil {
				return StopCanceled, err
			}
		}

		day, camp := c.Progress()
		e.log.Info("starting measurement", logx.String("day", day), logx.String("campaign", camp))
		res, err := e.execute(ctx)
		now = e.now()
		if err != nil {
			var gap *CalendarGapBlockedError
			switch {
			case errors.As(err, &gap):
				failures = 0
				wait := gap.RemainingWait
				if wait < 0 {
					wait = 0
				}
				retry := e.gapRetryTarget(now.Add(wait+gapRetryMargin), c.DayGoal)
				e.log.Warn("measurement refused, calendar gap enforced externally",
					logx.Duration("reported_wait", gap.RemainingWait), logx.Time("retry_at", retry))
				e.recordAttempt(ctx, c, history.Entry{At: now, Outcome: history.OutcomeGapBlocked, Error: err.Error()})
				if !e.opts.WaitOnBlock {
					return StopCalendarGap, nil
				}
				if err := e.sleepUntil(ctx, retry); err != nil {
					return StopCanceled, err
				}
				continue
			case ctx.Err() != nil:
				return StopCanceled, ctx.Err()
			default:
				failures++
				delay := backoffStep * time.Duration(failures)
				if delay > backoffMax {
					delay = backoffMax
				}
				e.log.Error("measurement failed", logx.Err(err),
					logx.Int("consecutive_failures", failures), logx.Duration("retry_in", delay))
				e.recordAttempt(ctx, c, history.Entry{At: now, Outcome: history.OutcomeTransient, Error: err.Error()})
				if err := e.sleepUntil(ctx, now.Add(delay)); err != nil {
					return StopCanceled, err
				}
				continue
			}
		}

		failures = 0
		start, end := res.Start, res.End
		if start.IsZero() {
			start = now
		}
		if end.IsZero() {
			end = now
		}
		c.RecordSuccess(start, end)
		if err := e.store.Save(c); err != nil {
			return "", err
		}
		day, camp = c.Progress()
		e.log.Info("measurement complete", logx.String("day", day), logx.String("campaign", camp),
			logx.Duration("took", end.Sub(start)))
		e.recordAttempt(ctx, c, history.Entry{
			At: now, Start: start, End: end,
			TookMS:  end.Sub(start).Milliseconds(),
			Outcome: history.OutcomeOK,
		})
		e.notifyText(ctx, fmt.Sprintf("measurement done (day %s, campaign %s)", day, camp))

		if c.CampaignComplete() || c.DayQuotaReached() {
			continue
		}
		next, ok := e.planner.ChooseNextStart(start, end, c.DayDone, c.DayGoal, today)
		if !ok {
			// The feasibility branch at the loop top decides what happens.
			e.log.Warn("no feasible start remains today")
			continue
		}
		e.log.Info("next measurement planned", logx.Time("at", next))
		if err := e.sleepUntil(ctx, next); err != nil {
			return StopCanceled, err
		}
	}
}

func (e *Engine) execute(ctx context.Context) (Result, error) {
	if e.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ExecTimeout)
		defer cancel()
	}
	return e.exec.Execute(ctx)
}

// gapRetryTarget clamps a retry instant into a day window: too late for its
// day rolls over to the next day's first start, too early waits for the
// day's first start.
func (e *Engine) gapRetryTarget(earliest time.Time, dayGoal int) time.Time {
	day := schedule.DayOf(earliest)
	_, dayEndT := e.planner.Window(day)
	if earliest.After(schedule.LatestAllowedStart(dayEndT, e.planner.DayEndBuffer)) {
		return e.planner.FirstStartOfDay(day.AddDate(0, 0, 1), dayGoal)
	}
	if first := e.planner.FirstStartOfDay(day, dayGoal); earliest.Before(first) {
		return first
	}
	return earliest
}

// syncProgress adopts externally observed counters when they are ahead of
// the local record. Counters never move backwards. Reports whether anything
// was adopted.
func (e *Engine) syncProgress(ctx context.Context, c *state.Campaign) bool {
	if e.prog == nil {
		return false
	}
	p, ok, err := e.prog.Read(ctx)
	if err != nil {
		e.log.Warn("progress read failed", logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	changed := false
	if p.DayDone > c.DayDone {
		c.DayDone = p.DayDone
		changed = true
	}
	if p.CampaignDone > c.CampaignDone {
		c.CampaignDone = p.CampaignDone
		changed = true
	}
	if changed {
		day, camp := c.Progress()
		e.log.Info("adopted externally observed progress", logx.String("day", day), logx.String("campaign", camp))
	}
	return changed
}

func (e *Engine) recordAttempt(ctx context.Context, c *state.Campaign, entry history.Entry) {
	if e.hist == nil {
		return
	}
	entry.DayDone, entry.DayGoal = c.DayDone, c.DayGoal
	entry.CampaignDone, entry.CampaignGoal = c.CampaignDone, c.CampaignGoal
	entry.Cycle = c.CampaignCyclesCompleted
	if err := e.hist.Append(ctx, entry); err != nil {
		e.log.Warn("history append failed", logx.Err(err))
	}
}

func (e *Engine) notifyText(ctx context.Context, text string) {
	if e.notify == nil {
		return
	}
	e.notify.Notify(ctx, text)
}
