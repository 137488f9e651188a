package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody-service/internal/domain"
	"custody-service/internal/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ApprovalRepository interface {
	// CreateChainTx registers the ordered approver slots for a request, all
	// pending.
	CreateChainTx(ctx context.Context, tx pgx.Tx, requestID string, approverIDs []string) error
	GetChain(ctx context.Context, requestID string) ([]*domain.Approval, error)

	// DecideTx flips one pending slot to approved/rejected. Returns
	// xerrors.ErrAlreadyDecided if the slot was no longer pending.
	DecideTx(ctx context.Context, tx pgx.Tx, requestID, approverID string, decision domain.Decision, reason *string) (*domain.Approval, error)
}

type approvalRepo struct {
	db *pgxpool.Pool
}

func NewApprovalRepo(db *pgxpool.Pool) ApprovalRepository {
	return &approvalRepo{db: db}
}

func (r *approvalRepo) CreateChainTx(ctx context.Context, tx pgx.Tx, requestID string, approverIDs []string) error {
	query := `
		INSERT INTO approvals (request_id, approver_id, position, decision, created_at)
		VALUES ($1, $2, $3, 'pending', NOW())
	`
	for i, approverID := range approverIDs {
		if _, err := tx.Exec(ctx, query, requestID, approverID, i); err != nil {
			return fmt.Errorf("failed to register approver %s at position %d: %w", approverID, i, err)
		}
	}
	return nil
}

func (r *approvalRepo) GetChain(ctx context.Context, requestID string) ([]*domain.Approval, error) {
	query := `
		SELECT id, request_id, approver_id, position, decision, reason, decided_at, created_at
		FROM approvals
		WHERE request_id = $1
		ORDER BY position ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get approval chain: %w", err)
	}
	defer rows.Close()

	var chain []*domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(
			&a.ID,
			&a.RequestID,
			&a.ApproverID,
			&a.Position,
			&a.Decision,
			&a.Reason,
			&a.DecidedAt,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		chain = append(chain, &a)
	}

	return chain, rows.Err()
}

func (r *approvalRepo) DecideTx(ctx context.Context, tx pgx.Tx, requestID, approverID string, decision domain.Decision, reason *string) (*domain.Approval, error) {
	// The decision = 'pending' guard makes a double-decide lose atomically,
	// regardless of what the caller read beforehand.
	query := `
		UPDATE approvals
		SET decision = $1, reason = $2, decided_at = NOW()
		WHERE request_id = $3 AND approver_id = $4 AND decision = 'pending'
		RETURNING id, request_id, approver_id, position, decision, reason, decided_at, created_at
	`

	var a domain.Approval
	var decidedAt time.Time
	err := tx.QueryRow(ctx, query, decision, reason, requestID, approverID).Scan(
		&a.ID,
		&a.RequestID,
		&a.ApproverID,
		&a.Position,
		&a.Decision,
		&a.Reason,
		&decidedAt,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrAlreadyDecided
		}
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}
	a.DecidedAt = &decidedAt
	return &a, nil
}
