package usecase

import (
	"context"
	"fmt"
	"time"

	"custody-service/internal/domain"
	"custody-service/internal/repository"
	"custody-service/internal/xerrors"
	"custody-service/pkg/utils"

	"go.uber.org/zap"
)

// rebalanceETA maps request priority to the estimated completion time of a
// cold-to-hot transfer; cold-storage retrieval is a manual, high-latency
// process.
var rebalanceETA = map[domain.Priority]time.Duration{
	domain.PriorityCritical: 15 * time.Minute,
	domain.PriorityHigh:     time.Hour,
	domain.PriorityMedium:   4 * time.Hour,
	domain.PriorityLow:      12 * time.Hour,
}

// SourcingUsecase is the Vault Sourcing Engine: hot-balance availability,
// atomic fund reservation and cold-to-hot rebalancing.
type SourcingUsecase struct {
	vaultRepo repository.VaultRepository
	auditRepo repository.AuditRepository
	logger    *zap.Logger
}

func NewSourcingUsecase(vaultRepo repository.VaultRepository, auditRepo repository.AuditRepository, logger *zap.Logger) *SourcingUsecase {
	return &SourcingUsecase{vaultRepo: vaultRepo, auditRepo: auditRepo, logger: logger}
}

// CheckAvailability reports whether the hot wallet can satisfy the amount
// right now, net of existing reservations.
func (uc *SourcingUsecase) CheckAvailability(ctx context.Context, asset, network string, amount int64) (bool, *domain.VaultBalance, error) {
	v, err := uc.vaultRepo.Get(ctx, asset, network)
	if err != nil {
		return false, nil, err
	}
	return v.AvailableHot() >= amount, v, nil
}

// Release undoes (finalize=false) or settles (finalize=true) a reservation.
func (uc *SourcingUsecase) Release(ctx context.Context, asset, network string, amount int64, finalize bool) error {
	return uc.vaultRepo.Release(ctx, asset, network, amount, finalize)
}

// RequestRebalancing queues a transfer to cover a hot-wallet shortfall and
// returns the record plus its estimated completion time.
func (uc *SourcingUsecase) RequestRebalancing(
	ctx context.Context,
	asset, network string,
	direction domain.RebalanceDirection,
	amount int64,
	priority domain.Priority,
	reason, initiator string,
) (*domain.RebalancingRecord, time.Time, error) {
	rec := &domain.RebalancingRecord{
		ID:          utils.GenerateID(utils.PrefixRebalancing),
		Direction:   direction,
		Asset:       asset,
		Network:     network,
		Amount:      amount,
		Reason:      reason,
		Priority:    priority,
		Status:      domain.RebalancePending,
		InitiatedBy: initiator,
	}

	if err := uc.vaultRepo.CreateRebalancing(ctx, rec); err != nil {
		return nil, time.Time{}, err
	}

	entry := &domain.AuditEntry{
		Actor:        initiator,
		Action:       "rebalancing.requested",
		ResourceType: "rebalancing",
		ResourceID:   rec.ID,
		After:        mustJSON(rec),
		Result:       string(rec.Status),
	}
	if err := uc.auditRepo.Create(ctx, entry); err != nil {
		return nil, time.Time{}, err
	}

	eta, ok := rebalanceETA[priority]
	if !ok {
		eta = rebalanceETA[domain.PriorityMedium]
	}

	uc.logger.Info("rebalancing requested",
		zap.String("rebalancing_id", rec.ID),
		zap.String("asset", asset),
		zap.String("direction", string(direction)),
		zap.Int64("amount", amount),
		zap.Duration("eta", eta))

	return rec, time.Now().Add(eta), nil
}

// RebalanceForShortfall creates the cold-to-hot move covering the gap
// between the requested amount and the spendable hot balance. Callers reach
// it after an atomic reserve reported insufficient funds; if the balance
// recovered in between it reports ErrInsufficientHotBalance so the caller
// retries the reserve on its next pass.
func (uc *SourcingUsecase) RebalanceForShortfall(ctx context.Context, w *domain.WithdrawalRequest) (*domain.RebalancingRecord, error) {
	v, err := uc.vaultRepo.Get(ctx, w.Asset, w.Network)
	if err != nil {
		return nil, err
	}

	shortfall := w.Amount - v.AvailableHot()
	if shortfall <= 0 {
		// The balance moved since the failed reserve; let the caller retry.
		return nil, xerrors.ErrInsufficientHotBalance
	}
	if shortfall > v.ColdBalance {
		return nil, fmt.Errorf("withdrawal %s for %s/%s: %w",
			w.ID, w.Asset, w.Network, xerrors.ErrExceedsCustodyBalance)
	}

	rec, _, err := uc.RequestRebalancing(ctx, w.Asset, w.Network, domain.DirectionColdToHot,
		shortfall, w.Priority, fmt.Sprintf("hot wallet shortfall for withdrawal %s", w.ID), domain.ActorSystem)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRebalancing fetches one record.
func (uc *SourcingUsecase) GetRebalancing(ctx context.Context, id string) (*domain.RebalancingRecord, error) {
	return uc.vaultRepo.GetRebalancing(ctx, id)
}

// ListRebalancings pages through rebalancing history.
func (uc *SourcingUsecase) ListRebalancings(ctx context.Context, filter *domain.RebalancingFilter) ([]*domain.RebalancingRecord, int64, error) {
	return uc.vaultRepo.ListRebalancings(ctx, filter)
}

// Snapshots derives the display view of every configured vault.
func (uc *SourcingUsecase) Snapshots(ctx context.Context) ([]*domain.VaultSnapshot, error) {
	balances, err := uc.vaultRepo.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.VaultSnapshot, 0, len(balances))
	for _, v := range balances {
		out = append(out, v.Snapshot())
	}
	return out, nil
}
