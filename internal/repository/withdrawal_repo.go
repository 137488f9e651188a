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

type WithdrawalRepository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, w *domain.WithdrawalRequest) error
	GetByID(ctx context.Context, id string) (*domain.WithdrawalRequest, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.WithdrawalRequest, error)
	List(ctx context.Context, filter *domain.WithdrawalFilter) ([]*domain.WithdrawalRequest, int64, error)

	// TransitionTx applies a state change with an optimistic version check.
	// w carries the new field values and the version the caller read; on
	// success the stored version is bumped and w.Version is refreshed.
	// Returns xerrors.ErrVersionConflict when the row moved underneath.
	TransitionTx(ctx context.Context, tx pgx.Tx, w *domain.WithdrawalRequest) error

	// ListOverdueWindow returns awaiting_wait_window requests whose deadline
	// has passed, in deadline order.
	ListOverdueWindow(ctx context.Context, now time.Time, limit int) ([]*domain.WithdrawalRequest, error)
	ListByState(ctx context.Context, state domain.State, limit int) ([]*domain.WithdrawalRequest, error)

	BeginTx(ctx context.Context) (pgx.Tx, error)
}

type withdrawalRepo struct {
	db *pgxpool.Pool
}

func NewWithdrawalRepo(db *pgxpool.Pool) WithdrawalRepository {
	return &withdrawalRepo{db: db}
}

func (r *withdrawalRepo) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

const withdrawalColumns = `
	id, idempotency_key, requested_by, source_type, source_ref, destination,
	asset, network, amount, title, description, priority, originator_info,
	state, version, failure_code, failure_reason, window_deadline,
	rebalancing_id, funds_reserved, tx_ref, reapplied_from, reapply_count,
	created_at, state_entered_at, completed_at`

func (r *withdrawalRepo) CreateTx(ctx context.Context, tx pgx.Tx, w *domain.WithdrawalRequest) error {
	query := `
		INSERT INTO withdrawal_requests (
			id, idempotency_key, requested_by, source_type, source_ref,
			destination, asset, network, amount, title, description, priority,
			originator_info, state, version, window_deadline, reapplied_from,
			reapply_count, created_at, state_entered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1,$15,$16,$17,NOW(),NOW())
		RETURNING created_at, state_entered_at
	`

	err := tx.QueryRow(ctx, query,
		w.ID,
		w.IdempotencyKey,
		w.RequestedBy,
		w.SourceType,
		w.SourceRef,
		w.Destination,
		w.Asset,
		w.Network,
		w.Amount,
		w.Title,
		w.Description,
		w.Priority,
		w.OriginatorInfo,
		w.State,
		w.WindowDeadline,
		w.ReappliedFrom,
		w.ReapplyCount,
	).Scan(&w.CreatedAt, &w.StateEnteredAt)
	if err != nil {
		if xerrors.ParsePGErrorCode(err) == "23505" {
			return xerrors.ErrIdempotencyConflict
		}
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	w.Version = 1
	return nil
}

func scanWithdrawal(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	err := row.Scan(
		&w.ID,
		&w.IdempotencyKey,
		&w.RequestedBy,
		&w.SourceType,
		&w.SourceRef,
		&w.Destination,
		&w.Asset,
		&w.Network,
		&w.Amount,
		&w.Title,
		&w.Description,
		&w.Priority,
		&w.OriginatorInfo,
		&w.State,
		&w.Version,
		&w.FailureCode,
		&w.FailureReason,
		&w.WindowDeadline,
		&w.RebalancingID,
		&w.FundsReserved,
		&w.TxRef,
		&w.ReappliedFrom,
		&w.ReapplyCount,
		&w.CreatedAt,
		&w.StateEnteredAt,
		&w.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
	}
	return &w, nil
}

func (r *withdrawalRepo) GetByID(ctx context.Context, id string) (*domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE id = $1`
	return scanWithdrawal(r.db.QueryRow(ctx, query, id))
}

func (r *withdrawalRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE idempotency_key = $1`
	return scanWithdrawal(r.db.QueryRow(ctx, query, key))
}

func (r *withdrawalRepo) List(ctx context.Context, filter *domain.WithdrawalFilter) ([]*domain.WithdrawalRequest, int64, error) {
	baseQuery := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM withdrawal_requests WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if filter.State != nil {
		cond := fmt.Sprintf(" AND state = $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.State)
		argIndex++
	}

	if filter.SourceRef != nil {
		cond := fmt.Sprintf(" AND source_ref = $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.SourceRef)
		argIndex++
	}

	if filter.RequestedBy != nil {
		cond := fmt.Sprintf(" AND requested_by = $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.RequestedBy)
		argIndex++
	}

	if filter.Asset != nil {
		cond := fmt.Sprintf(" AND asset = $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.Asset)
		argIndex++
	}

	if filter.FromDate != nil {
		cond := fmt.Sprintf(" AND created_at >= $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.FromDate)
		argIndex++
	}

	if filter.ToDate != nil {
		cond := fmt.Sprintf(" AND created_at <= $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.ToDate)
		argIndex++
	}

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count withdrawals: %w", err)
	}

	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*domain.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}

	return out, total, rows.Err()
}

func (r *withdrawalRepo) TransitionTx(ctx context.Context, tx pgx.Tx, w *domain.WithdrawalRequest) error {
	query := `
		UPDATE withdrawal_requests
		SET
			state = $1,
			version = version + 1,
			state_entered_at = NOW(),
			failure_code = $2,
			failure_reason = $3,
			window_deadline = $4,
			rebalancing_id = $5,
			funds_reserved = $6,
			tx_ref = $7,
			completed_at = $8
		WHERE id = $9 AND version = $10
		RETURNING version, state_entered_at
	`

	err := tx.QueryRow(ctx, query,
		w.State,
		w.FailureCode,
		w.FailureReason,
		w.WindowDeadline,
		w.RebalancingID,
		w.FundsReserved,
		w.TxRef,
		w.CompletedAt,
		w.ID,
		w.Version,
	).Scan(&w.Version, &w.StateEnteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return xerrors.ErrVersionConflict
		}
		return fmt.Errorf("failed to transition withdrawal %s: %w", w.ID, err)
	}
	return nil
}

func (r *withdrawalRepo) ListOverdueWindow(ctx context.Context, now time.Time, limit int) ([]*domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawal_requests
		WHERE state = $1 AND window_deadline <= $2
		ORDER BY window_deadline ASC
		LIMIT $3`

	return r.queryMany(ctx, query, domain.StateAwaitingWindow, now, limit)
}

func (r *withdrawalRepo) ListByState(ctx context.Context, state domain.State, limit int) ([]*domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + `
		FROM withdrawal_requests
		WHERE state = $1
		ORDER BY state_entered_at ASC
		LIMIT $2`

	return r.queryMany(ctx, query, state, limit)
}

func (r *withdrawalRepo) queryMany(ctx context.Context, query string, args ...interface{}) ([]*domain.WithdrawalRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*domain.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
