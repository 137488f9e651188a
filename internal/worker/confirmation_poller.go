package worker

import (
	"context"
	"time"

	"custody-service/internal/domain"
	"custody-service/internal/usecase"

	"go.uber.org/zap"
)

const pollBatchSize = 200

// ConfirmationPoller drives the broadcast phases. It retries submission for
// requests stuck in broadcasting (a crash between reservation and submit, or
// a transient broadcast-service outage) and tracks confirmation depth for
// requests already on chain.
type ConfirmationPoller struct {
	withdrawalUC *usecase.WithdrawalUsecase
	interval     time.Duration
	logger       *zap.Logger
}

func NewConfirmationPoller(withdrawalUC *usecase.WithdrawalUsecase, interval time.Duration, logger *zap.Logger) *ConfirmationPoller {
	return &ConfirmationPoller{
		withdrawalUC: withdrawalUC,
		interval:     interval,
		logger:       logger,
	}
}

func (p *ConfirmationPoller) Run(ctx context.Context) {
	p.logger.Info("confirmation poller started", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("confirmation poller stopped")
			return
		case <-ticker.C:
			p.resubmit(ctx)
			p.poll(ctx)
		}
	}
}

func (p *ConfirmationPoller) resubmit(ctx context.Context) {
	stuck, err := p.withdrawalUC.InState(ctx, domain.StateBroadcasting, pollBatchSize)
	if err != nil {
		p.logger.Error("broadcasting listing failed", zap.Error(err))
		return
	}

	for _, w := range stuck {
		if err := p.withdrawalUC.RunBroadcast(ctx, w.ID, domain.ActorPoller); err != nil {
			p.logger.Warn("broadcast retry failed",
				zap.String("request_id", w.ID), zap.Error(err))
		}
	}
}

func (p *ConfirmationPoller) poll(ctx context.Context) {
	confirming, err := p.withdrawalUC.InState(ctx, domain.StateConfirming, pollBatchSize)
	if err != nil {
		p.logger.Error("confirming listing failed", zap.Error(err))
		return
	}

	for _, w := range confirming {
		if err := p.withdrawalUC.PollConfirmations(ctx, w.ID); err != nil {
			p.logger.Warn("confirmation poll failed",
				zap.String("request_id", w.ID), zap.Error(err))
		}
	}
}
