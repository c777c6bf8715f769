// Package scheduler runs the daemon's periodic jobs on cron schedules.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"

	"ledgerbot/internal/log"
)

// Job is a named unit of periodic work.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }
func (j JobFunc) Name() string                  { return j.JobName }

// Scheduler manages background jobs
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
}

// New creates a scheduler. Options are passed to cron, typically a parser.
func New(logger *log.Logger, opts ...cron.Option) *Scheduler {
	if logger == nil {
		logger = log.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(opts...),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithComponent(log.ComponentScheduler),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// AddJob registers job on schedule. A job still running when its next
// tick fires is skipped for that tick.
//
// Schedule examples:
//   - "*/5 * * * *"  every 5 minutes
//   - "@hourly"      every hour
//   - "@every 30s"   every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		s.RunNow(job)
	}))
	if _, err := s.cron.AddJob(schedule, wrapped); err != nil {
		return err
	}
	s.logger.Info("Job registered", "schedule", schedule, "job", job.Name())
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) {
	s.logger.Debug("Running job", "job", job.Name())
	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("Job failed", "job", job.Name(), log.FieldError, err.Error())
		return
	}
	s.logger.Debug("Job completed", "job", job.Name())
}
