// Package scheduler wraps robfig/cron for the calendar-anchored jobs —
// the UTC-midnight daily-loss reset and the strategy validity-window
// monitor tick — leaving tight polling loops (the Dead-Man's Switch,
// the strategy file debounce watcher) on raw time.Ticker. Schedules run
// in UTC, since every cron-driven job here is anchored to the UTC daily
// boundary, not wall-clock local time.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named, schedulable unit of work.
type Job interface {
	Run() error
	Name() string
}

// FuncJob adapts a plain function to Job, for jobs with no state of
// their own beyond a closure over an existing collaborator.
type FuncJob struct {
	JobName string
	Fn      func() error
}

func (f FuncJob) Run() error   { return f.Fn() }
func (f FuncJob) Name() string { return f.JobName }

// Scheduler manages cron-triggered background jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a Scheduler whose schedules are evaluated in UTC.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins evaluating registered schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop waits for any in-flight job to finish, then halts the scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job on schedule. Schedule examples:
// - "@daily" - every day at UTC midnight
// - "@every 30s" - every 30 seconds
// - "0 0 * * * *" - every hour on the hour
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("running scheduled job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("scheduled job failed")
		}
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}
