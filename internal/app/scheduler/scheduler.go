// Package scheduler runs the background jobs on cron schedules.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stellarbeauty/relatorios/internal/app/system"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Job is one named unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner behind the service lifecycle.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger

	jobTimeout time.Duration
}

// New creates an empty scheduler. Specs use the robfig/cron syntax, including
// @every and @daily descriptors.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		cron:       cron.New(),
		log:        log,
		jobTimeout: 30 * time.Minute,
	}
}

// Add schedules a job. An empty spec disables the job silently so callers can
// pass configuration through unconditionally.
func (s *Scheduler) Add(spec, name string, job Job) error {
	if spec == "" {
		s.log.WithField("job", name).Info("job disabled, no schedule configured")
		return nil
	}

	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
		defer cancel()

		started := time.Now()
		if err := job(ctx); err != nil {
			s.log.WithError(err).WithField("job", name).Warn("scheduled job failed")
			return
		}
		s.log.WithField("job", name).
			WithField("duration", time.Since(started).Round(time.Millisecond).String()).
			Info("scheduled job finished")
	})
	if err != nil {
		return err
	}

	s.log.WithField("job", name).WithField("spec", spec).Info("job scheduled")
	return nil
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Start(context.Context) error {
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
