package repository

import (
	"context"
	"errors"
	"fmt"

	"custody-service/internal/domain"
	"custody-service/internal/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type VaultRepository interface {
	Get(ctx context.Context, asset, network string) (*domain.VaultBalance, error)
	List(ctx context.Context) ([]*domain.VaultBalance, error)
	Upsert(ctx context.Context, v *domain.VaultBalance) error

	// ReserveTx atomically commits a slice of the hot balance to one
	// withdrawal. It is a single check-and-reserve UPDATE, never a
	// read-then-act sequence, so two withdrawals cannot over-commit the same
	// funds. It runs inside the caller's transaction so the reservation
	// commits together with the request-row flag that records it.
	ReserveTx(ctx context.Context, tx pgx.Tx, asset, network string, amount int64) error
	// Release gives back a reservation. With finalize=true the funds left the
	// hot wallet for good (broadcast succeeded) and the hot balance drops.
	Release(ctx context.Context, asset, network string, amount int64, finalize bool) error

	CreateRebalancing(ctx context.Context, rec *domain.RebalancingRecord) error
	GetRebalancing(ctx context.Context, id string) (*domain.RebalancingRecord, error)
	ListRebalancings(ctx context.Context, filter *domain.RebalancingFilter) ([]*domain.RebalancingRecord, int64, error)

	// AdvanceRebalancing moves a record along its lifecycle, guarded by the
	// expected current status so concurrent workers cannot double-apply.
	AdvanceRebalancing(ctx context.Context, id string, from, to domain.RebalanceStatus, txRef, errorMsg *string) error

	// ApplyRebalanceTx moves the transferred amount between cold and hot.
	ApplyRebalanceTx(ctx context.Context, tx pgx.Tx, rec *domain.RebalancingRecord) error

	BeginTx(ctx context.Context) (pgx.Tx, error)
}

type vaultRepo struct {
	db *pgxpool.Pool
}

func NewVaultRepo(db *pgxpool.Pool) VaultRepository {
	return &vaultRepo{db: db}
}

func (r *vaultRepo) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

const vaultColumns = `asset, network, hot_balance, cold_balance, reserved, target_hot_ratio, version, updated_at`

func scanVault(row pgx.Row) (*domain.VaultBalance, error) {
	var v domain.VaultBalance
	err := row.Scan(
		&v.Asset,
		&v.Network,
		&v.HotBalance,
		&v.ColdBalance,
		&v.Reserved,
		&v.TargetHotRatio,
		&v.Version,
		&v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrVaultNotConfigured
		}
		return nil, fmt.Errorf("failed to scan vault balance: %w", err)
	}
	return &v, nil
}

func (r *vaultRepo) Get(ctx context.Context, asset, network string) (*domain.VaultBalance, error) {
	query := `SELECT ` + vaultColumns + ` FROM vault_balances WHERE asset = $1 AND network = $2`
	return scanVault(r.db.QueryRow(ctx, query, asset, network))
}

func (r *vaultRepo) List(ctx context.Context) ([]*domain.VaultBalance, error) {
	query := `SELECT ` + vaultColumns + ` FROM vault_balances ORDER BY asset, network`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault balances: %w", err)
	}
	defer rows.Close()

	var out []*domain.VaultBalance
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *vaultRepo) Upsert(ctx context.Context, v *domain.VaultBalance) error {
	query := `
		INSERT INTO vault_balances (asset, network, hot_balance, cold_balance, reserved, target_hot_ratio, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, NOW())
		ON CONFLICT (asset, network) DO UPDATE
		SET hot_balance = EXCLUDED.hot_balance,
		    cold_balance = EXCLUDED.cold_balance,
		    target_hot_ratio = EXCLUDED.target_hot_ratio,
		    version = vault_balances.version + 1,
		    updated_at = NOW()
	`

	_, err := r.db.Exec(ctx, query, v.Asset, v.Network, v.HotBalance, v.ColdBalance, v.Reserved, v.TargetHotRatio)
	if err != nil {
		return fmt.Errorf("failed to upsert vault balance: %w", err)
	}
	return nil
}

func (r *vaultRepo) ReserveTx(ctx context.Context, tx pgx.Tx, asset, network string, amount int64) error {
	query := `
		UPDATE vault_balances
		SET reserved = reserved + $1, version = version + 1, updated_at = NOW()
		WHERE asset = $2 AND network = $3 AND hot_balance - reserved >= $1
	`

	tag, err := tx.Exec(ctx, query, amount, asset, network)
	if err != nil {
		return fmt.Errorf("failed to reserve funds: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing vault from an under-funded one.
		if _, err := r.Get(ctx, asset, network); err != nil {
			return err
		}
		return xerrors.ErrInsufficientHotBalance
	}
	return nil
}

func (r *vaultRepo) Release(ctx context.Context, asset, network string, amount int64, finalize bool) error {
	var query string
	if finalize {
		query = `
			UPDATE vault_balances
			SET reserved = reserved - $1, hot_balance = hot_balance - $1,
			    version = version + 1, updated_at = NOW()
			WHERE asset = $2 AND network = $3 AND reserved >= $1
		`
	} else {
		query = `
			UPDATE vault_balances
			SET reserved = reserved - $1, version = version + 1, updated_at = NOW()
			WHERE asset = $2 AND network = $3 AND reserved >= $1
		`
	}

	tag, err := r.db.Exec(ctx, query, amount, asset, network)
	if err != nil {
		return fmt.Errorf("failed to release funds: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release of %d %s/%s exceeds reserved funds", amount, asset, network)
	}
	return nil
}

const rebalancingColumns = `
	id, direction, asset, network, amount, reason, priority, status,
	initiated_by, tx_ref, error_msg, created_at, approved_at, started_at, completed_at`

func (r *vaultRepo) CreateRebalancing(ctx context.Context, rec *domain.RebalancingRecord) error {
	query := `
		INSERT INTO rebalancings (
			id, direction, asset, network, amount, reason, priority, status,
			initiated_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		rec.ID,
		rec.Direction,
		rec.Asset,
		rec.Network,
		rec.Amount,
		rec.Reason,
		rec.Priority,
		rec.Status,
		rec.InitiatedBy,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rebalancing: %w", err)
	}
	return nil
}

func scanRebalancing(row pgx.Row) (*domain.RebalancingRecord, error) {
	var rec domain.RebalancingRecord
	err := row.Scan(
		&rec.ID,
		&rec.Direction,
		&rec.Asset,
		&rec.Network,
		&rec.Amount,
		&rec.Reason,
		&rec.Priority,
		&rec.Status,
		&rec.InitiatedBy,
		&rec.TxRef,
		&rec.ErrorMsg,
		&rec.CreatedAt,
		&rec.ApprovedAt,
		&rec.StartedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan rebalancing: %w", err)
	}
	return &rec, nil
}

func (r *vaultRepo) GetRebalancing(ctx context.Context, id string) (*domain.RebalancingRecord, error) {
	query := `SELECT ` + rebalancingColumns + ` FROM rebalancings WHERE id = $1`
	return scanRebalancing(r.db.QueryRow(ctx, query, id))
}

func (r *vaultRepo) ListRebalancings(ctx context.Context, filter *domain.RebalancingFilter) ([]*domain.RebalancingRecord, int64, error) {
	baseQuery := `SELECT ` + rebalancingColumns + ` FROM rebalancings WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM rebalancings WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if filter.Status != nil {
		cond := fmt.Sprintf(" AND status = $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.Status)
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
		return nil, 0, fmt.Errorf("failed to count rebalancings: %w", err)
	}

	baseQuery += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rebalancings: %w", err)
	}
	defer rows.Close()

	var out []*domain.RebalancingRecord
	for rows.Next() {
		rec, err := scanRebalancing(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}

	return out, total, rows.Err()
}

func (r *vaultRepo) AdvanceRebalancing(ctx context.Context, id string, from, to domain.RebalanceStatus, txRef, errorMsg *string) error {
	query := `
		UPDATE rebalancings
		SET
			status = $1,
			tx_ref = COALESCE($2, tx_ref),
			error_msg = $3,
			approved_at = CASE WHEN $1 = 'approved' THEN NOW() ELSE approved_at END,
			started_at = CASE WHEN $1 = 'processing' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $1 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END
		WHERE id = $4 AND status = $5
	`

	tag, err := r.db.Exec(ctx, query, to, txRef, errorMsg, id, from)
	if err != nil {
		return fmt.Errorf("failed to advance rebalancing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrVersionConflict
	}
	return nil
}

func (r *vaultRepo) ApplyRebalanceTx(ctx context.Context, tx pgx.Tx, rec *domain.RebalancingRecord) error {
	var query string
	switch rec.Direction {
	case domain.DirectionColdToHot:
		query = `
			UPDATE vault_balances
			SET cold_balance = cold_balance - $1, hot_balance = hot_balance + $1,
			    version = version + 1, updated_at = NOW()
			WHERE asset = $2 AND network = $3 AND cold_balance >= $1
		`
	case domain.DirectionHotToCold:
		query = `
			UPDATE vault_balances
			SET hot_balance = hot_balance - $1, cold_balance = cold_balance + $1,
			    version = version + 1, updated_at = NOW()
			WHERE asset = $2 AND network = $3 AND hot_balance - reserved >= $1
		`
	default:
		return fmt.Errorf("unknown rebalance direction: %s", rec.Direction)
	}

	tag, err := tx.Exec(ctx, query, rec.Amount, rec.Asset, rec.Network)
	if err != nil {
		return fmt.Errorf("failed to apply rebalance %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrInsufficientHotBalance
	}
	return nil
}
