package scheduler

import (
	"context"
	"time"

	"goldflow/logger"
)

// Clock abstracts wall-clock access so loop timing is testable.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NextFire returns the first instant strictly after now that lies on the
// period grid anchored at the Unix epoch. Successive fires stay on the grid
// regardless of how long each task run takes, so the schedule never drifts.
func NextFire(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period).Add(period)
}

// Scheduler runs named periodic tasks on epoch-aligned boundaries.
type Scheduler struct {
	clock Clock
	log   *logger.Log
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{clock: clock, log: logger.GetLogger()}
}

// Run executes task once per period boundary until ctx is cancelled. The
// task is invoked synchronously: while a run is in flight no new run starts,
// and boundaries that pass during an overrun are skipped, not queued. The
// next fire is always recomputed from the current clock after the task
// returns.
func (s *Scheduler) Run(ctx context.Context, name string, period time.Duration, task func(ctx context.Context, tick time.Time)) {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"task":   name,
		"period": period.String(),
	})
	log.Info("task scheduled")

	for {
		now := s.clock.Now()
		next := NextFire(now, period)

		select {
		case <-ctx.Done():
			log.Info("task stopped")
			return
		case <-s.clock.After(next.Sub(now)):
		}

		// The timer can fire concurrently with cancellation; never start a
		// new tick once shutdown has begun.
		if ctx.Err() != nil {
			log.Info("task stopped")
			return
		}

		start := s.clock.Now()
		task(ctx, next)
		elapsed := s.clock.Now().Sub(start)

		if elapsed > period {
			log.WithFields(logger.Fields{
				"tick":    next.UTC().Format(time.RFC3339),
				"elapsed": elapsed.String(),
				"skipped": int(elapsed / period),
			}).Warn("task overran its period, skipping missed boundaries")
		}
	}
}
