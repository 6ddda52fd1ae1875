package autosave

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs interval jobs for every session on one cron instance.
// A job that is still running when its next activation comes is skipped.
type Scheduler struct {
	c *cron.Cron
}

// JobID identifies a scheduled job.
type JobID = cron.EntryID

// NewScheduler creates a stopped scheduler logging through logger.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	l := logger.With().Str("component", "scheduler").Logger()
	cl := cron.PrintfLogger(&l)
	return &Scheduler{
		c: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts activations and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every runs fn each interval. Intervals under a second round up to one.
func (s *Scheduler) Every(interval time.Duration, fn func()) JobID {
	return s.c.Schedule(cron.Every(interval), cron.FuncJob(fn))
}

// Cancel removes a job. Activations already running are not interrupted.
func (s *Scheduler) Cancel(id JobID) {
	s.c.Remove(id)
}

// Next returns the next activation of a job, or zero if it is unknown.
func (s *Scheduler) Next(id JobID) time.Time {
	return s.c.Entry(id).Next
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.c.Entries())
}
