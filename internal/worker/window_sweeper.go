package worker

import (
	"context"
	"time"

	"custody-service/internal/domain"
	"custody-service/internal/usecase"

	"go.uber.org/zap"
)

const sweepBatchSize = 100

// WindowSweeper advances individual withdrawals whose anti-fraud wait window
// has elapsed. Deadlines are durable rows, not in-process timers, so a
// restart never loses a scheduled advancement; the sweep just picks up where
// the dead process left off.
type WindowSweeper struct {
	withdrawalUC *usecase.WithdrawalUsecase
	interval     time.Duration
	logger       *zap.Logger
}

func NewWindowSweeper(withdrawalUC *usecase.WithdrawalUsecase, interval time.Duration, logger *zap.Logger) *WindowSweeper {
	return &WindowSweeper{
		withdrawalUC: withdrawalUC,
		interval:     interval,
		logger:       logger,
	}
}

// Run sweeps until the context is cancelled.
func (s *WindowSweeper) Run(ctx context.Context) {
	s.logger.Info("window sweeper started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("window sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
			s.rescreen(ctx)
		}
	}
}

func (s *WindowSweeper) sweep(ctx context.Context) {
	overdue, err := s.withdrawalUC.OverdueWindows(ctx, sweepBatchSize)
	if err != nil {
		s.logger.Error("overdue window listing failed", zap.Error(err))
		return
	}
	if len(overdue) == 0 {
		return
	}

	// Oldest deadline first, so backlog drains in order after downtime.
	advanced := 0
	for _, w := range overdue {
		if err := s.withdrawalUC.AdvanceWindow(ctx, w.ID); err != nil {
			s.logger.Error("window advancement failed",
				zap.String("request_id", w.ID), zap.Error(err))
			continue
		}
		advanced++
	}

	s.logger.Info("window sweep complete",
		zap.Int("overdue", len(overdue)),
		zap.Int("advanced", advanced))
}

// rescreen retries requests stranded in compliance review without a check,
// typically after a risk-scorer outage during the first attempt.
func (s *WindowSweeper) rescreen(ctx context.Context) {
	pending, err := s.withdrawalUC.InState(ctx, domain.StateComplianceReview, sweepBatchSize)
	if err != nil {
		s.logger.Error("compliance review listing failed", zap.Error(err))
		return
	}

	for _, w := range pending {
		if err := s.withdrawalUC.ScreenPending(ctx, w.ID, domain.ActorSweeper); err != nil {
			s.logger.Error("re-screening failed",
				zap.String("request_id", w.ID), zap.Error(err))
		}
	}
}
