package repository

import (
	"context"
	"fmt"

	"custody-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepository composes the entity repositories for operations that must
// commit across entities atomically. Every state transition writes exactly
// one audit entry in the same transaction.
type LedgerRepository interface {
	// CreateWithdrawal persists a new request, its approver chain (may be
	// empty for individual withdrawals) and the creation audit entry.
	CreateWithdrawal(ctx context.Context, w *domain.WithdrawalRequest, approverIDs []string, entry *domain.AuditEntry) error

	// Transition applies a version-checked state change plus its audit entry.
	Transition(ctx context.Context, w *domain.WithdrawalRequest, entry *domain.AuditEntry) error

	// DecideSlot records one approver's decision plus its audit entry.
	DecideSlot(ctx context.Context, requestID, approverID string, decision domain.Decision, reason *string, entry *domain.AuditEntry) (*domain.Approval, error)

	// RecordCheck appends a compliance check plus its audit entry. Screening
	// is idempotent in effect but never in recording.
	RecordCheck(ctx context.Context, check *domain.ComplianceCheck, entry *domain.AuditEntry) error

	// ReserveFunds commits hot funds to the request and records the
	// reservation on the request row in one transaction. w must carry
	// FundsReserved=true and the version the caller read; a crash can never
	// leave a reservation the request row does not know about.
	ReserveFunds(ctx context.Context, w *domain.WithdrawalRequest, entry *domain.AuditEntry) error

	// CompleteRebalancing moves the funds, closes the record and writes the
	// audit entry in one transaction. The status guard makes a crashed or
	// racing worker re-run safe: either everything committed or nothing did.
	CompleteRebalancing(ctx context.Context, rec *domain.RebalancingRecord, entry *domain.AuditEntry) error
}

type ledgerRepo struct {
	db             *pgxpool.Pool
	withdrawalRepo WithdrawalRepository
	approvalRepo   ApprovalRepository
	complianceRepo ComplianceRepository
	vaultRepo      VaultRepository
	auditRepo      AuditRepository
}

func NewLedgerRepo(
	db *pgxpool.Pool,
	withdrawalRepo WithdrawalRepository,
	approvalRepo ApprovalRepository,
	complianceRepo ComplianceRepository,
	vaultRepo VaultRepository,
	auditRepo AuditRepository,
) LedgerRepository {
	return &ledgerRepo{
		db:             db,
		withdrawalRepo: withdrawalRepo,
		approvalRepo:   approvalRepo,
		complianceRepo: complianceRepo,
		vaultRepo:      vaultRepo,
		auditRepo:      auditRepo,
	}
}

func (r *ledgerRepo) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ledgerRepo) CreateWithdrawal(ctx context.Context, w *domain.WithdrawalRequest, approverIDs []string, entry *domain.AuditEntry) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.withdrawalRepo.CreateTx(ctx, tx, w); err != nil {
			return err
		}
		if len(approverIDs) > 0 {
			if err := r.approvalRepo.CreateChainTx(ctx, tx, w.ID, approverIDs); err != nil {
				return err
			}
		}
		return r.auditRepo.CreateTx(ctx, tx, entry)
	})
}

func (r *ledgerRepo) Transition(ctx context.Context, w *domain.WithdrawalRequest, entry *domain.AuditEntry) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.withdrawalRepo.TransitionTx(ctx, tx, w); err != nil {
			return err
		}
		return r.auditRepo.CreateTx(ctx, tx, entry)
	})
}

func (r *ledgerRepo) DecideSlot(ctx context.Context, requestID, approverID string, decision domain.Decision, reason *string, entry *domain.AuditEntry) (*domain.Approval, error) {
	var decided *domain.Approval
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		a, err := r.approvalRepo.DecideTx(ctx, tx, requestID, approverID, decision, reason)
		if err != nil {
			return err
		}
		decided = a
		return r.auditRepo.CreateTx(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return decided, nil
}

func (r *ledgerRepo) RecordCheck(ctx context.Context, check *domain.ComplianceCheck, entry *domain.AuditEntry) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.complianceRepo.CreateTx(ctx, tx, check); err != nil {
			return err
		}
		return r.auditRepo.CreateTx(ctx, tx, entry)
	})
}

func (r *ledgerRepo) ReserveFunds(ctx context.Context, w *domain.WithdrawalRequest, entry *domain.AuditEntry) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.vaultRepo.ReserveTx(ctx, tx, w.Asset, w.Network, w.Amount); err != nil {
			return err
		}
		if err := r.withdrawalRepo.TransitionTx(ctx, tx, w); err != nil {
			return err
		}
		return r.auditRepo.CreateTx(ctx, tx, entry)
	})
}

func (r *ledgerRepo) CompleteRebalancing(ctx context.Context, rec *domain.RebalancingRecord, entry *domain.AuditEntry) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.vaultRepo.ApplyRebalanceTx(ctx, tx, rec); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE rebalancings
			SET status = 'completed', tx_ref = $1, completed_at = NOW()
			WHERE id = $2 AND status = 'processing'
		`, rec.TxRef, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to close rebalancing %s: %w", rec.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("rebalancing %s not in processing state", rec.ID)
		}

		return r.auditRepo.CreateTx(ctx, tx, entry)
	})
}
