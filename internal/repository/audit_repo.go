package repository

import (
	"context"
	"fmt"

	"custody-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRepository is append-only; entries are never updated or deleted.
type AuditRepository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, entry *domain.AuditEntry) error
	Create(ctx context.Context, entry *domain.AuditEntry) error
	List(ctx context.Context, filter *domain.AuditFilter) ([]*domain.AuditEntry, int64, error)
}

type auditRepo struct {
	db *pgxpool.Pool
}

func NewAuditRepo(db *pgxpool.Pool) AuditRepository {
	return &auditRepo{db: db}
}

const auditInsert = `
	INSERT INTO audit_entries (actor, action, resource_type, resource_id, before_state, after_state, result, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	RETURNING id, created_at
`

func (r *auditRepo) CreateTx(ctx context.Context, tx pgx.Tx, entry *domain.AuditEntry) error {
	err := tx.QueryRow(ctx, auditInsert,
		entry.Actor,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.Before,
		entry.After,
		entry.Result,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

func (r *auditRepo) Create(ctx context.Context, entry *domain.AuditEntry) error {
	err := r.db.QueryRow(ctx, auditInsert,
		entry.Actor,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.Before,
		entry.After,
		entry.Result,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

func (r *auditRepo) List(ctx context.Context, filter *domain.AuditFilter) ([]*domain.AuditEntry, int64, error) {
	baseQuery := `
		SELECT id, actor, action, resource_type, resource_id, before_state, after_state, result, created_at
		FROM audit_entries WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM audit_entries WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if filter.ResourceType != nil {
		cond := fmt.Sprintf(" AND resource_type = $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.ResourceType)
		argIndex++
	}

	if filter.ResourceID != nil {
		cond := fmt.Sprintf(" AND resource_id = $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.ResourceID)
		argIndex++
	}

	if filter.Actor != nil {
		cond := fmt.Sprintf(" AND actor = $%d", argIndex)
		baseQuery += cond
		countQuery += cond
		args = append(args, *filter.Actor)
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
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	baseQuery += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(
			&e.ID,
			&e.Actor,
			&e.Action,
			&e.ResourceType,
			&e.ResourceID,
			&e.Before,
			&e.After,
			&e.Result,
			&e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, &e)
	}

	return out, total, rows.Err()
}
