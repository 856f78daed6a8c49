// Package scheduler runs the periodic maintenance tasks of the relay
// server: pruning expired refresh tokens and long-expired agent tokens so
// the credential tables do not grow without bound. It wraps gocron; jobs
// run in singleton mode so a slow sweep never overlaps the next tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/repositories"
)

// DefaultSweepInterval is how often the token sweep runs.
const DefaultSweepInterval = time.Hour

// sweepTimeout bounds a single maintenance pass.
const sweepTimeout = time.Minute

// Scheduler wraps gocron and owns the maintenance jobs.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron          gocron.Scheduler
	refreshTokens repositories.RefreshTokenRepository
	agentTokens   repositories.AgentTokenRepository
	interval      time.Duration
	logger        *zap.Logger
}

// New creates a Scheduler. interval <= 0 selects DefaultSweepInterval.
// Call Start to begin processing.
func New(
	refreshTokens repositories.RefreshTokenRepository,
	agentTokens repositories.AgentTokenRepository,
	interval time.Duration,
	logger *zap.Logger,
) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Scheduler{
		cron:          s,
		refreshTokens: refreshTokens,
		agentTokens:   agentTokens,
		interval:      interval,
		logger:        logger.Named("scheduler"),
	}, nil
}

// Start registers the maintenance jobs and starts the underlying gocron
// scheduler. Called once at server startup after the database connection is
// established.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.sweepTokens),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for token sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}

// sweepTokens removes expired refresh tokens and long-expired agent tokens.
func (s *Scheduler) sweepTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	refresh, err := s.refreshTokens.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error("pruning refresh tokens", zap.Error(err))
	}

	agent, err := s.agentTokens.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error("pruning agent tokens", zap.Error(err))
	}

	if refresh > 0 || agent > 0 {
		s.logger.Info("token sweep complete",
			zap.Int64("refresh_tokens_removed", refresh),
			zap.Int64("agent_tokens_removed", agent))
	}
}
