package usecase

import (
	"context"
	"fmt"

	"custody-service/internal/config"
	"custody-service/internal/domain"
	"custody-service/internal/repository"
	"custody-service/pkg/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ScreeningUsecase is the Compliance Screener. Every Screen call writes a
// fresh ComplianceCheck and audit entry, even when the verdict matches the
// previous pass: re-screening is idempotent in effect, never in recording.
type ScreeningUsecase struct {
	ledgerRepo     repository.LedgerRepository
	complianceRepo repository.ComplianceRepository
	scorer         RiskScorer
	rates          RateProvider
	cfg            config.ScreeningConfig
	logger         *zap.Logger
}

func NewScreeningUsecase(
	ledgerRepo repository.LedgerRepository,
	complianceRepo repository.ComplianceRepository,
	scorer RiskScorer,
	rates RateProvider,
	cfg config.ScreeningConfig,
	logger *zap.Logger,
) *ScreeningUsecase {
	return &ScreeningUsecase{
		ledgerRepo:     ledgerRepo,
		complianceRepo: complianceRepo,
		scorer:         scorer,
		rates:          rates,
		cfg:            cfg,
		logger:         logger,
	}
}

// Screen scores the withdrawal, derives the verdict and records both the
// check and its audit entry atomically.
func (uc *ScreeningUsecase) Screen(ctx context.Context, w *domain.WithdrawalRequest, actor string) (*domain.ComplianceCheck, error) {
	assessment, err := uc.scorer.Score(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("risk scoring failed: %w", err)
	}

	check := &domain.ComplianceCheck{
		ID:        utils.GenerateID(utils.PrefixCompliance),
		RequestID: w.ID,
		RiskScore: assessment.WeightedTotal(uc.cfg),
	}

	check.BlacklistCheck = outcome(!assessment.BlacklistMatch)
	check.SanctionsCheck = outcome(!assessment.SanctionsMatch)
	check.VelocityCheck = outcome(assessment.VelocityScore < uc.cfg.VelocityFailThreshold)
	check.PatternCheck = outcome(assessment.PatternScore < uc.cfg.PatternFailThreshold)

	travelRule, notes, err := uc.travelRuleCheck(ctx, w)
	if err != nil {
		return nil, err
	}
	check.TravelRuleCheck = travelRule
	if notes != "" {
		check.Notes = &notes
	}

	check.DeriveVerdict(uc.cfg.FlagThreshold)

	entry := &domain.AuditEntry{
		Actor:        actor,
		Action:       "compliance.screened",
		ResourceType: "compliance_check",
		ResourceID:   check.ID,
		After:        mustJSON(check),
		Result:       string(check.Verdict),
	}
	if err := uc.ledgerRepo.RecordCheck(ctx, check, entry); err != nil {
		return nil, fmt.Errorf("failed to record compliance check: %w", err)
	}

	uc.logger.Info("withdrawal screened",
		zap.String("request_id", w.ID),
		zap.Int("risk_score", check.RiskScore),
		zap.String("verdict", string(check.Verdict)),
		zap.Bool("requires_return", check.RequiresReturn))

	return check, nil
}

// travelRuleCheck converts the amount to the reporting currency and, at or
// above the threshold, requires originator identification. A violation is
// flagged for a forced return rather than a plain rejection: funds received
// without compliant originator data must be routed back to source.
func (uc *ScreeningUsecase) travelRuleCheck(ctx context.Context, w *domain.WithdrawalRequest) (domain.CheckOutcome, string, error) {
	reporting, err := uc.rates.ToReporting(ctx, w.Asset, w.Amount)
	if err != nil {
		return "", "", fmt.Errorf("travel rule conversion failed: %w", err)
	}

	threshold := decimal.NewFromInt(uc.cfg.TravelRuleThreshold)
	if reporting.LessThan(threshold) {
		return domain.CheckPassed, "", nil
	}

	if w.OriginatorInfo == nil || *w.OriginatorInfo == "" {
		notes := fmt.Sprintf("amount %s %s meets travel rule threshold %s but carries no originator identification",
			reporting.StringFixed(0), uc.cfg.ReportingCurrency, threshold.StringFixed(0))
		return domain.CheckViolation, notes, nil
	}

	return domain.CheckPassed, "", nil
}

// GetLatest returns the most recent check for a request.
func (uc *ScreeningUsecase) GetLatest(ctx context.Context, requestID string) (*domain.ComplianceCheck, error) {
	return uc.complianceRepo.GetLatest(ctx, requestID)
}

// History returns all screening passes for a request, oldest first.
func (uc *ScreeningUsecase) History(ctx context.Context, requestID string) ([]*domain.ComplianceCheck, error) {
	return uc.complianceRepo.ListByRequest(ctx, requestID)
}

func outcome(passed bool) domain.CheckOutcome {
	if passed {
		return domain.CheckPassed
	}
	return domain.CheckFailed
}
