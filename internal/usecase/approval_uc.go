package usecase

import (
	"context"
	"fmt"

	"custody-service/internal/domain"
	"custody-service/internal/repository"
	"custody-service/internal/xerrors"

	"go.uber.org/zap"
)

// ApprovalUsecase is the Approval Coordinator: it enforces the ordered,
// multi-party sequential-approval protocol. Sequencing prevents a junior
// approver from racing ahead of a required senior sign-off; a single
// rejection at any position terminates the approval phase.
type ApprovalUsecase struct {
	ledgerRepo   repository.LedgerRepository
	approvalRepo repository.ApprovalRepository
	logger       *zap.Logger
}

func NewApprovalUsecase(ledgerRepo repository.LedgerRepository, approvalRepo repository.ApprovalRepository, logger *zap.Logger) *ApprovalUsecase {
	return &ApprovalUsecase{
		ledgerRepo:   ledgerRepo,
		approvalRepo: approvalRepo,
		logger:       logger,
	}
}

// GetChain returns the ordered approver slots for a request.
func (uc *ApprovalUsecase) GetChain(ctx context.Context, requestID string) ([]*domain.Approval, error) {
	return uc.approvalRepo.GetChain(ctx, requestID)
}

// SubmitApproval records one approver's approval. It fails with OutOfOrder
// while any lower-position slot is still pending and with AlreadyDecided on
// a repeat decision. The returned flag reports whether this approval
// completed the chain.
func (uc *ApprovalUsecase) SubmitApproval(ctx context.Context, requestID, approverID string) (*domain.Approval, bool, error) {
	chain, err := uc.approvalRepo.GetChain(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if len(chain) == 0 {
		return nil, false, xerrors.ErrNotFound
	}

	slot := findSlot(chain, approverID)
	if slot == nil {
		return nil, false, xerrors.ErrNotFound
	}
	if slot.Decision != domain.DecisionPending {
		return nil, false, xerrors.ErrAlreadyDecided
	}

	for _, a := range chain {
		if a.Position < slot.Position && a.Decision != domain.DecisionApproved {
			return nil, false, xerrors.ErrOutOfOrder
		}
	}

	entry := &domain.AuditEntry{
		Actor:        approverID,
		Action:       "approval.approved",
		ResourceType: "withdrawal",
		ResourceID:   requestID,
		After:        mustJSON(map[string]interface{}{"position": slot.Position}),
		Result:       string(domain.DecisionApproved),
	}

	// The pending guard in DecideSlot makes the read above advisory: a
	// racing duplicate loses atomically.
	decided, err := uc.ledgerRepo.DecideSlot(ctx, requestID, approverID, domain.DecisionApproved, nil, entry)
	if err != nil {
		return nil, false, err
	}

	complete := slot.Position == len(chain)-1

	uc.logger.Info("approval recorded",
		zap.String("request_id", requestID),
		zap.String("approver_id", approverID),
		zap.Int("position", slot.Position),
		zap.Bool("chain_complete", complete))

	return decided, complete, nil
}

// SubmitRejection records a veto. Any position may reject at any time while
// the request is awaiting approval.
func (uc *ApprovalUsecase) SubmitRejection(ctx context.Context, requestID, approverID, reason string) (*domain.Approval, error) {
	chain, err := uc.approvalRepo.GetChain(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if findSlot(chain, approverID) == nil {
		return nil, xerrors.ErrNotFound
	}

	entry := &domain.AuditEntry{
		Actor:        approverID,
		Action:       "approval.rejected",
		ResourceType: "withdrawal",
		ResourceID:   requestID,
		After:        mustJSON(map[string]interface{}{"reason": reason}),
		Result:       string(domain.DecisionRejected),
	}

	decided, err := uc.ledgerRepo.DecideSlot(ctx, requestID, approverID, domain.DecisionRejected, &reason, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to record rejection: %w", err)
	}

	uc.logger.Info("rejection recorded",
		zap.String("request_id", requestID),
		zap.String("approver_id", approverID),
		zap.String("reason", reason))

	return decided, nil
}

func findSlot(chain []*domain.Approval, approverID string) *domain.Approval {
	for _, a := range chain {
		if a.ApproverID == approverID {
			return a
		}
	}
	return nil
}
