// Package schedule contains the timing arithmetic for measurement campaigns:
// a restricted minute+hour cron evaluator, the inter-measurement gap rules,
// the calendar-gap rule between measurement days, and the day-window planner
// that turns all of it into concrete start instants.
//
// Everything here is pure: callers supply instants, a seeded RNG and the
// planning parameters; nothing reads the wall clock or global state.
package schedule
