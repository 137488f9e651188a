package worker

import (
	"context"
	"time"

	"custody-service/internal/domain"
	publisher "custody-service/internal/pub"
	"custody-service/internal/repository"
	"custody-service/internal/usecase"

	"go.uber.org/zap"
)

// RatioMonitor watches each vault's hot/cold split. Drift beyond the
// tolerance raises an advisory alert, and a hot surplus additionally queues a
// hot-to-cold sweep so excess funds do not linger online. Shortfall-side
// rebalancing stays demand-driven through withdrawal sourcing.
type RatioMonitor struct {
	vaultRepo  repository.VaultRepository
	sourcingUC *usecase.SourcingUsecase
	publisher  *publisher.EventPublisher
	tolerance  int64 // basis points
	interval   time.Duration
	logger     *zap.Logger
}

func NewRatioMonitor(
	vaultRepo repository.VaultRepository,
	sourcingUC *usecase.SourcingUsecase,
	pub *publisher.EventPublisher,
	tolerance int64,
	interval time.Duration,
	logger *zap.Logger,
) *RatioMonitor {
	return &RatioMonitor{
		vaultRepo:  vaultRepo,
		sourcingUC: sourcingUC,
		publisher:  pub,
		tolerance:  tolerance,
		interval:   interval,
		logger:     logger,
	}
}

func (m *RatioMonitor) Run(ctx context.Context) {
	m.logger.Info("ratio monitor started",
		zap.Int64("tolerance_bp", m.tolerance),
		zap.Duration("interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ratio monitor stopped")
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *RatioMonitor) check(ctx context.Context) {
	vaults, err := m.vaultRepo.List(ctx)
	if err != nil {
		m.logger.Error("vault listing failed", zap.Error(err))
		return
	}

	for _, v := range vaults {
		if v.Deviation() <= m.tolerance {
			continue
		}

		snap := v.Snapshot()
		m.publisher.PublishDeviationAlert(ctx, snap)
		m.logger.Warn("vault ratio deviation",
			zap.String("asset", v.Asset),
			zap.String("network", v.Network),
			zap.Int64("hot_ratio_bp", v.HotRatio()),
			zap.Int64("target_bp", v.TargetHotRatio),
			zap.Int64("deviation_bp", v.Deviation()))

		if v.HotRatio() > v.TargetHotRatio {
			m.sweepSurplus(ctx, v)
		}
	}
}

// sweepSurplus queues a hot-to-cold move for the spendable excess above the
// target ratio. Reserved funds never move.
func (m *RatioMonitor) sweepSurplus(ctx context.Context, v *domain.VaultBalance) {
	total := v.HotBalance + v.ColdBalance
	targetHot := total * v.TargetHotRatio / 10000
	surplus := v.HotBalance - targetHot
	if surplus > v.AvailableHot() {
		surplus = v.AvailableHot()
	}
	if surplus <= 0 {
		return
	}

	if m.hasOpenSweep(ctx, v) {
		return
	}

	rec, _, err := m.sourcingUC.RequestRebalancing(ctx, v.Asset, v.Network,
		domain.DirectionHotToCold, surplus, domain.PriorityLow,
		"hot wallet surplus above target ratio", domain.ActorTreasury)
	if err != nil {
		m.logger.Error("surplus sweep queueing failed",
			zap.String("asset", v.Asset), zap.Error(err))
		return
	}

	m.logger.Info("hot-to-cold sweep queued",
		zap.String("rebalancing_id", rec.ID),
		zap.String("asset", v.Asset),
		zap.Int64("amount", surplus))
}

// hasOpenSweep reports whether an unfinished hot-to-cold move for this vault
// already exists, so repeated checks do not stack duplicate sweeps.
func (m *RatioMonitor) hasOpenSweep(ctx context.Context, v *domain.VaultBalance) bool {
	pending := domain.RebalancePending
	records, _, err := m.sourcingUC.ListRebalancings(ctx, &domain.RebalancingFilter{
		Status: &pending,
		Asset:  &v.Asset,
		Limit:  rebalanceBatchSize,
	})
	if err != nil {
		m.logger.Error("open sweep lookup failed", zap.Error(err))
		return true // fail closed, try again next tick
	}
	for _, rec := range records {
		if rec.Network == v.Network && rec.Direction == domain.DirectionHotToCold {
			return true
		}
	}
	return false
}
