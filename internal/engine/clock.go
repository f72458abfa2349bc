package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"bbmess/pkg/logx"
)

// maxSleepChunk bounds a single sleep so the loop stays responsive to
// termination and wall-clock changes instead of issuing one uninterruptible
// long sleep.
const maxSleepChunk = time.Minute

// Clock abstracts the wall clock so scheduling decisions are testable.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer func() {
		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// sleepUntil sleeps in bounded chunks until the clock reaches target,
// re-checking the current time after every chunk. Progress is logged at most
// once per minute.
func (e *Engine) sleepUntil(ctx context.Context, target time.Time) error {
	for {
		remaining := target.Sub(e.clock.Now())
		if remaining <= 0 {
			return ctx.Err()
		}
		if e.waitLog.Allow() {
			e.log.Debug("waiting", logx.Time("until", target), logx.Duration("remaining", remaining))
		}
		chunk := remaining
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		if err := e.clock.Sleep(ctx, chunk); err != nil {
			return err
		}
	}
}

func newWaitLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute), 1)
}
