package schedule

import "time"

// The measurement rules require a long pause once per day: after the 5th
// completed measurement the next one may not start for 3 hours. Every other
// consecutive pair only needs 5 minutes between starts.
const (
	shortGap        = 5 * time.Minute
	longGap         = 3 * time.Hour
	longGapAfterNth = 5
)

// RequiredGap returns the minimum gap that must elapse after completing the
// given number of measurements in a day before the next one may start.
// completedInDay is the count after increment, i.e. RequiredGap(5) is the gap
// between the 5th and 6th start.
func RequiredGap(completedInDay int) time.Duration {
	if completedInDay == longGapAfterNth {
		return longGap
	}
	return shortGap
}

// MinGap is RequiredGap plus a safety buffer so we never schedule at the
// exact legal minimum.
func MinGap(completedInDay int, buffer time.Duration) time.Duration {
	return RequiredGap(completedInDay) + buffer
}

// MinRemainingGapTotal sums the minimum gaps after completions
// nextCompletedInDay .. dayGoal-1: the time that must still elapse in the day
// to fit all remaining measurements.
func MinRemainingGapTotal(nextCompletedInDay, dayGoal int, buffer time.Duration) time.Duration {
	var total time.Duration
	for completed := nextCompletedInDay; completed < dayGoal; completed++ {
		total += MinGap(completed, buffer)
	}
	return total
}
