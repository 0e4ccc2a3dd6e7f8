/**
 * @description
 * Cron scheduler setup for the refund payout and abandoned intent jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/bloom/payment-intent-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
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

// Start registers the jobs and starts the cron scheduler. Refund payouts are only
// scheduled when AUTO_REFUND_PAYOUT is enabled.
func (s *Scheduler) Start() {
	if s.config.AutoRefundPayout {
		if _, err := s.cron.AddFunc(s.config.RefundPayoutSchedule, s.jobs.ProcessRefundPayouts); err != nil {
			s.logger.Error("failed to schedule refund payout job", "error", err)
		} else {
			s.logger.Info("scheduled refund payout job", "schedule", s.config.RefundPayoutSchedule)
		}
	}

	if _, err := s.cron.AddFunc(s.config.AbandonedIntentSchedule, s.jobs.ReportAbandonedIntents); err != nil {
		s.logger.Error("failed to schedule abandoned intent job", "error", err)
	} else {
		s.logger.Info("scheduled abandoned intent job", "schedule", s.config.AbandonedIntentSchedule)
	}

	s.cron.Start()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
