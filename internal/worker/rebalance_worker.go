package worker

import (
	"context"
	"errors"
	"time"

	"custody-service/internal/domain"
	publisher "custody-service/internal/pub"
	"custody-service/internal/repository"
	"custody-service/internal/usecase"
	"custody-service/internal/xerrors"
	"custody-service/pkg/utils"

	"go.uber.org/zap"
)

const rebalanceBatchSize = 50

// RebalanceWorker executes queued vault rebalancings: it walks each record
// through approval and processing, applies the balance move atomically with
// its audit entry, and resumes withdrawals held on the completed transfer.
// Every step is guarded by the record's current status, so a crashed or
// racing worker re-running a record is a no-op.
type RebalanceWorker struct {
	vaultRepo    repository.VaultRepository
	ledgerRepo   repository.LedgerRepository
	withdrawalUC *usecase.WithdrawalUsecase
	publisher    *publisher.EventPublisher
	interval     time.Duration
	logger       *zap.Logger
}

func NewRebalanceWorker(
	vaultRepo repository.VaultRepository,
	ledgerRepo repository.LedgerRepository,
	withdrawalUC *usecase.WithdrawalUsecase,
	pub *publisher.EventPublisher,
	interval time.Duration,
	logger *zap.Logger,
) *RebalanceWorker {
	return &RebalanceWorker{
		vaultRepo:    vaultRepo,
		ledgerRepo:   ledgerRepo,
		withdrawalUC: withdrawalUC,
		publisher:    pub,
		interval:     interval,
		logger:       logger,
	}
}

func (rw *RebalanceWorker) Run(ctx context.Context) {
	rw.logger.Info("rebalance worker started", zap.Duration("interval", rw.interval))

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("rebalance worker stopped")
			return
		case <-ticker.C:
			rw.process(ctx)
			rw.resumeStranded(ctx)
		}
	}
}

// resumeStranded re-drives withdrawals sitting in sourcing with no pending
// rebalancing to wait on. A request lands here when a sourcing pass died
// between reserving funds and the broadcast hand-off; RunSourcing resumes
// from the durable reservation flag, and requests still waiting on a treasury
// move are a no-op.
func (rw *RebalanceWorker) resumeStranded(ctx context.Context) {
	stranded, err := rw.withdrawalUC.InState(ctx, domain.StateSourcing, pollBatchSize)
	if err != nil {
		rw.logger.Error("sourcing listing failed", zap.Error(err))
		return
	}

	for _, w := range stranded {
		if err := rw.withdrawalUC.RunSourcing(ctx, w.ID, domain.ActorTreasury); err != nil && !errors.Is(err, xerrors.ErrVersionConflict) {
			rw.logger.Warn("resuming stranded withdrawal failed",
				zap.String("request_id", w.ID), zap.Error(err))
		}
	}
}

func (rw *RebalanceWorker) process(ctx context.Context) {
	pending := domain.RebalancePending
	records, _, err := rw.vaultRepo.ListRebalancings(ctx, &domain.RebalancingFilter{
		Status: &pending,
		Limit:  rebalanceBatchSize,
	})
	if err != nil {
		rw.logger.Error("pending rebalancing listing failed", zap.Error(err))
		return
	}

	for _, rec := range records {
		if err := rw.execute(ctx, rec); err != nil {
			rw.logger.Error("rebalancing execution failed",
				zap.String("rebalancing_id", rec.ID), zap.Error(err))
		}
	}
}

func (rw *RebalanceWorker) execute(ctx context.Context, rec *domain.RebalancingRecord) error {
	if err := rw.vaultRepo.AdvanceRebalancing(ctx, rec.ID, domain.RebalancePending, domain.RebalanceApproved, nil, nil); err != nil {
		return err
	}
	if err := rw.vaultRepo.AdvanceRebalancing(ctx, rec.ID, domain.RebalanceApproved, domain.RebalanceProcessing, nil, nil); err != nil {
		return err
	}

	txRef := utils.GenerateID(utils.PrefixVaultTransfer)
	rec.TxRef = &txRef
	rec.Status = domain.RebalanceCompleted

	entry := &domain.AuditEntry{
		Actor:        domain.ActorTreasury,
		Action:       "rebalancing.completed",
		ResourceType: "rebalancing",
		ResourceID:   rec.ID,
		Result:       string(rec.Direction),
	}
	if err := rw.ledgerRepo.CompleteRebalancing(ctx, rec, entry); err != nil {
		// The guarded balance move failed; park the record with the reason
		// so treasury can intervene.
		msg := err.Error()
		if advErr := rw.vaultRepo.AdvanceRebalancing(ctx, rec.ID, domain.RebalanceProcessing, domain.RebalanceFailed, nil, &msg); advErr != nil {
			rw.logger.Error("marking rebalancing failed",
				zap.String("rebalancing_id", rec.ID), zap.Error(advErr))
		}
		return err
	}

	rw.publisher.PublishRebalancingCompleted(ctx, rec)
	rw.logger.Info("rebalancing completed",
		zap.String("rebalancing_id", rec.ID),
		zap.String("asset", rec.Asset),
		zap.Int64("amount", rec.Amount))

	rw.resumeHeld(ctx, rec)
	return nil
}

// resumeHeld retries sourcing for withdrawals parked on this rebalancing.
func (rw *RebalanceWorker) resumeHeld(ctx context.Context, rec *domain.RebalancingRecord) {
	held, err := rw.withdrawalUC.InState(ctx, domain.StateSourcing, pollBatchSize)
	if err != nil {
		rw.logger.Error("sourcing listing failed", zap.Error(err))
		return
	}

	for _, w := range held {
		if w.RebalancingID == nil || *w.RebalancingID != rec.ID {
			continue
		}
		if err := rw.withdrawalUC.RunSourcing(ctx, w.ID, domain.ActorTreasury); err != nil && !errors.Is(err, xerrors.ErrVersionConflict) {
			rw.logger.Warn("resuming sourced withdrawal failed",
				zap.String("request_id", w.ID), zap.Error(err))
		}
	}
}
