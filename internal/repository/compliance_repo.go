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

type ComplianceRepository interface {
	// CreateTx appends a screening record; records are never updated.
	CreateTx(ctx context.Context, tx pgx.Tx, check *domain.ComplianceCheck) error
	GetLatest(ctx context.Context, requestID string) (*domain.ComplianceCheck, error)
	ListByRequest(ctx context.Context, requestID string) ([]*domain.ComplianceCheck, error)
}

type complianceRepo struct {
	db *pgxpool.Pool
}

func NewComplianceRepo(db *pgxpool.Pool) ComplianceRepository {
	return &complianceRepo{db: db}
}

const complianceColumns = `
	id, request_id, risk_score, risk_level, blacklist_check, sanctions_check,
	velocity_check, pattern_check, travel_rule_check, verdict, requires_return,
	manual_review, notes, created_at`

func (r *complianceRepo) CreateTx(ctx context.Context, tx pgx.Tx, check *domain.ComplianceCheck) error {
	query := `
		INSERT INTO compliance_checks (
			id, request_id, risk_score, risk_level, blacklist_check,
			sanctions_check, velocity_check, pattern_check, travel_rule_check,
			verdict, requires_return, manual_review, notes, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
		RETURNING created_at
	`

	err := tx.QueryRow(ctx, query,
		check.ID,
		check.RequestID,
		check.RiskScore,
		check.RiskLevel,
		check.BlacklistCheck,
		check.SanctionsCheck,
		check.VelocityCheck,
		check.PatternCheck,
		check.TravelRuleCheck,
		check.Verdict,
		check.RequiresReturn,
		check.ManualReview,
		check.Notes,
	).Scan(&check.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create compliance check: %w", err)
	}
	return nil
}

func scanCheck(row pgx.Row) (*domain.ComplianceCheck, error) {
	var c domain.ComplianceCheck
	err := row.Scan(
		&c.ID,
		&c.RequestID,
		&c.RiskScore,
		&c.RiskLevel,
		&c.BlacklistCheck,
		&c.SanctionsCheck,
		&c.VelocityCheck,
		&c.PatternCheck,
		&c.TravelRuleCheck,
		&c.Verdict,
		&c.RequiresReturn,
		&c.ManualReview,
		&c.Notes,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan compliance check: %w", err)
	}
	return &c, nil
}

func (r *complianceRepo) GetLatest(ctx context.Context, requestID string) (*domain.ComplianceCheck, error) {
	query := `SELECT ` + complianceColumns + `
		FROM compliance_checks
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return scanCheck(r.db.QueryRow(ctx, query, requestID))
}

func (r *complianceRepo) ListByRequest(ctx context.Context, requestID string) ([]*domain.ComplianceCheck, error) {
	query := `SELECT ` + complianceColumns + `
		FROM compliance_checks
		WHERE request_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list compliance checks: %w", err)
	}
	defer rows.Close()

	var out []*domain.ComplianceCheck
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
