// Package scheduler drives the recurring jobs: analysis passes, maintenance
// sweeps and rate-limit adaptation. Jobs honor the bypass switch at dispatch
// time, so an engaged bypass takes effect before the next tick rather than
// after a restart.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Gate checks whether a component may act.
type Gate interface {
	Allowed(component, feature string) bool
}

// Job is one scheduled unit of work.
type Job struct {
	Name      string
	Component string // bypass component key
	Spec      string // cron spec
	Run       func(ctx context.Context) error
}

// Scheduler wraps the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	gate   Gate
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Jobs run sequentially per schedule; a slow job
// skips its overlapping ticks instead of piling up.
func New(gate Gate, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DiscardLogger),
		)),
		gate:   gate,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job.
func (s *Scheduler) Register(job Job) error {
	_, err := s.cron.AddFunc(job.Spec, func() {
		if s.gate != nil && !s.gate.Allowed(job.Component, "") {
			s.log.Debug().Str("job", job.Name).Msg("Job skipped by bypass")
			return
		}
		started := time.Now()
		if err := job.Run(s.ctx); err != nil {
			s.log.Warn().Err(err).Str("job", job.Name).Msg("Scheduled job failed")
			return
		}
		s.log.Debug().Str("job", job.Name).Dur("took", time.Since(started)).Msg("Scheduled job complete")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("job", job.Name).Str("spec", job.Spec).Msg("Job registered")
	return nil
}

// Start begins dispatching.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop cancels running jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
