package engine

import (
	"context"
	"fmt"
	"time"

	"bbmess/internal/schedule"
)

// Result is the outcome of one completed measurement.
type Result struct {
	Start time.Time
	End   time.Time
}

// Executor performs one timed measurement and reports when it actually
// started and finished. A failure is either a *CalendarGapBlockedError (the
// external system enforced the calendar-gap rule and reported the remaining
// wait) or a transient error; transient failures are retried indefinitely
// with capped backoff.
type Executor interface {
	Execute(ctx context.Context) (Result, error)
}

// Progress is an externally observed counter pair.
type Progress struct {
	DayDone      int
	CampaignDone int
}

// ProgressReader optionally reports externally observed progress. ok=false
// means no reading was available; that is not an error.
type ProgressReader interface {
	Read(ctx context.Context) (p Progress, ok bool, err error)
}

// Notifier receives human-readable progress events. Implementations must be
// best-effort; the engine ignores delivery failures.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// CalendarGapBlockedError signals that the measurement system itself refused
// to start because the calendar-gap rule is not yet satisfied. It carries the
// remaining wait the system reported, which takes precedence over the local
// rule.
type CalendarGapBlockedError struct {
	RemainingWait time.Duration
}

func (e *CalendarGapBlockedError) Error() string {
	return fmt.Sprintf("calendar-gap blocked, %s remaining", e.RemainingWait)
}

// StopReason explains why Run returned.
type StopReason string

const (
	StopCampaignComplete StopReason = "campaign_complete"
	StopDayQuotaReached  StopReason = "day_quota_reached"
	StopCalendarGap      StopReason = "calendar_gap"
	StopWindowClosed     StopReason = "window_closed"
	StopInfeasibleDay    StopReason = "infeasible_day"
	StopCanceled         StopReason = "canceled"
)

// Options is the full policy surface of the control loop. The planner
// carries the timing parameters; everything here decides when to wait, when
// to stop and what to trust.
type Options struct {
	Planner  *schedule.Planner
	Location *time.Location

	// Calendar-gap policy.
	EnforceCalendarGap bool
	Force              bool // ignore calendar-gap blocks entirely
	WaitOnBlock        bool // sleep through blocks instead of stopping

	// Run extent.
	RunAcrossDays bool // keep going after today's quota
	RunForever    bool // restart a new campaign cycle on completion

	// One-shot override of the very next start instant (zero = none).
	NextStartOverride time.Time

	// Resume behavior.
	SkipInitialWait bool

	// Progress seeding/sync. Seeds are manual truth and suppress sync.
	SeedDayDone      *int
	SeedCampaignDone *int
	SyncProgress     bool

	// Quota overrides (0 = keep persisted/default values).
	DayGoal      int
	CampaignGoal int

	// Upper bound for one Executor.Execute call (0 = no bound).
	ExecTimeout time.Duration
}

func (o *Options) gapEnforced() bool {
	return o.EnforceCalendarGap && !o.Force
}
