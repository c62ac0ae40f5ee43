package services

import (
	"context"
	"time"
)

// Poller re-checks an operation a bounded number of times with a fixed delay
// before each attempt.
type Poller struct {
	MaxAttempts int
	Delay       time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poll calls fn until it reports done, fails, or attempts run out. It reports
// whether fn finished.
func (p Poller) Poll(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := sleep(ctx, p.Delay); err != nil {
			return false, err
		}
		done, err := fn(ctx)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
