/**
 * @description
 * Cron scheduler setup for the reward jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/Phillboard/mobul-sub001/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same job are skipped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns how many jobs were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	if _, err := s.cron.AddFunc(s.config.TimeDelaySweepSchedule, s.jobs.SweepTimeDelayedConditions); err != nil {
		s.logger.Error("failed to schedule time-delayed condition sweep", "error", err)
	} else {
		scheduled++
		s.logger.Info("scheduled time-delayed condition sweep", "schedule", s.config.TimeDelaySweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.StalledRetrySchedule, s.jobs.RetryStalledConditions); err != nil {
		s.logger.Error("failed to schedule stalled condition retry", "error", err)
	} else {
		scheduled++
		s.logger.Info("scheduled stalled condition retry", "schedule", s.config.StalledRetrySchedule)
	}

	if _, err := s.cron.AddFunc(s.config.DeliveryReconcileSchedule, s.jobs.ReconcileDeliveries); err != nil {
		s.logger.Error("failed to schedule delivery reconciliation job", "error", err)
	} else {
		scheduled++
		s.logger.Info("scheduled delivery reconciliation job", "schedule", s.config.DeliveryReconcileSchedule)
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
