package history

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the measurement-history store.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcomes recorded per measurement attempt.
const (
	OutcomeOK         = "ok"
	OutcomeTransient  = "transient_failure"
	OutcomeGapBlocked = "calendar_gap_blocked"
)

// Entry records one measurement attempt.
// Keep it compact and schema-stable.
type Entry struct {
	At           time.Time `json:"at"`
	Start        time.Time `json:"start,omitzero"`
	End          time.Time `json:"end,omitzero"`
	TookMS       int64     `json:"took_ms"`
	DayDone      int       `json:"day_done"`
	DayGoal      int       `json:"day_goal"`
	CampaignDone int       `json:"campaign_done"`
	CampaignGoal int       `json:"campaign_goal"`
	Cycle        int       `json:"cycle"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
}
