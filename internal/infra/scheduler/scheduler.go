package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Job is one periodic run. Errors are logged and the schedule continues.
type Job func(ctx context.Context) error

// Scheduler runs a Job immediately on Start and then every interval.
type Scheduler struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	job      Job
	log      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler defaults interval to one minute. Each run is bounded by
// the interval.
func NewScheduler(name string, interval time.Duration, job Job, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	l := logger.With().Str("job", name).Logger()
	return &Scheduler{
		name:     name,
		interval: interval,
		timeout:  interval,
		job:      job,
		log:      &l,
		done:     make(chan struct{}),
	}
}

// Start is a no-op when already started.
func (s *Scheduler) Start(parentCtx context.Context) {
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(parentCtx)
	go s.loop()
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.log.Debug().Dur("interval", s.interval).Msg("scheduler started")
	for {
		s.runOnce()
		select {
		case <-s.ctx.Done():
			s.log.Debug().Msg("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce() {
	runCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Msg("scheduled job panic")
		}
	}()
	if err := s.job(runCtx); err != nil {
		s.log.Warn().Err(err).Msg("scheduled job failed")
	}
}

// Stop cancels the loop and waits for it to finish. It is idempotent.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
}
