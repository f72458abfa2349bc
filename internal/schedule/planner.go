package schedule

import (
	"math/rand"
	"time"
)

// Planner turns the configured daily window, the gap rules and a seeded RNG
// into concrete start instants. It is transient and never persisted; the
// caller supplies every input explicitly so decisions are reproducible.
type Planner struct {
	DayStart     WallClock
	DayEnd       WallClock
	DayEndBuffer time.Duration // safety margin before the window end
	GapBuffer    time.Duration // safety margin on top of required gaps
	Settle       time.Duration // post-measurement settle time
	JitterCap    time.Duration // max random delay for a day's first start
	Rand         *rand.Rand
	Cron         *CronSchedule // optional; overrides jitter-based planning
}

// LatestAllowedStart is the last instant a measurement may start relative to
// the day's window end. The extra second guards against scheduling exactly on
// the cutoff when jitter rounds.
func LatestAllowedStart(dayEnd time.Time, buffer time.Duration) time.Time {
	return dayEnd.Add(-buffer - time.Second)
}

// Window returns the configured window anchored on day.
func (p *Planner) Window(day time.Time) (start, end time.Time) {
	return p.DayStart.At(day), p.DayEnd.At(day)
}

// FirstStartOfDay plans the first measurement of day. With a cron schedule
// configured it is the first schedule instant on or after the window start
// (or the window start itself if that instant would already be past the
// cutoff). Otherwise the window start is delayed by a uniform random jitter,
// capped so the full day quota stays feasible, so consecutive days do not
// all start at the same clock time.
func (p *Planner) FirstStartOfDay(day time.Time, dayGoal int) time.Time {
	dayStart, dayEnd := p.Window(day)
	latestFirst := LatestAllowedStart(dayEnd, p.DayEndBuffer).
		Add(-MinRemainingGapTotal(1, dayGoal, p.GapBuffer))

	if p.Cron != nil {
		cand, err := p.Cron.NextOnOrAfter(dayStart)
		if err != nil || !cand.Before(LatestAllowedStart(dayEnd, p.DayEndBuffer)) {
			return dayStart
		}
		return cand
	}

	room := latestFirst.Sub(dayStart)
	if room <= 0 {
		return dayStart
	}
	maxJitter := p.JitterCap
	if maxJitter > room {
		maxJitter = room
	}
	if maxJitter <= 0 {
		return dayStart
	}
	return dayStart.Add(time.Duration(p.Rand.Float64() * float64(maxJitter)))
}

// ChooseNextStart plans the start of the next measurement after one just
// completed. It returns ok=false when no instant today satisfies the gap
// rules and still lets the remaining day quota finish before the cutoff.
func (p *Planner) ChooseNextStart(lastStart, lastEnd time.Time, completedInDay, dayGoal int, day time.Time) (time.Time, bool) {
	_, dayEnd := p.Window(day)

	earliest := lastStart.Add(MinGap(completedInDay, p.GapBuffer))
	if settled := lastEnd.Add(p.Settle); settled.After(earliest) {
		earliest = settled
	}
	latest := LatestAllowedStart(dayEnd, p.DayEndBuffer).
		Add(-MinRemainingGapTotal(completedInDay+1, dayGoal, p.GapBuffer))

	if earliest.After(latest) {
		return time.Time{}, false
	}

	if p.Cron != nil {
		cand, err := p.Cron.NextOnOrAfter(earliest)
		if err != nil || cand.After(latest) {
			return time.Time{}, false
		}
		return cand, true
	}

	slack := latest.Sub(earliest)
	if slack <= time.Second {
		return earliest, true
	}

	// Spend only a fair share of the remaining slack on the current gap so
	// later gaps still have room to vary; this spreads measurements across
	// the day instead of front-loading them.
	gapsLeft := dayGoal - completedInDay
	if gapsLeft < 1 {
		gapsLeft = 1
	}
	avgSlack := float64(slack) / float64(gapsLeft)
	extra := time.Duration(uniform(p.Rand, 0.20*avgSlack, 1.80*avgSlack))
	if extra < 0 {
		extra = 0
	}
	if extra > slack {
		extra = slack
	}
	return earliest.Add(extra), true
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}
