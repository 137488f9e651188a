package usecase

import (
	"context"

	"custody-service/internal/domain"
	"custody-service/internal/repository"
)

// AuditUsecase exposes read access to the append-only audit trail.
type AuditUsecase struct {
	auditRepo repository.AuditRepository
}

func NewAuditUsecase(auditRepo repository.AuditRepository) *AuditUsecase {
	return &AuditUsecase{auditRepo: auditRepo}
}

func (uc *AuditUsecase) List(ctx context.Context, filter *domain.AuditFilter) ([]*domain.AuditEntry, int64, error) {
	return uc.auditRepo.List(ctx, filter)
}

// Trail returns the full entry sequence for one resource, oldest first.
func (uc *AuditUsecase) Trail(ctx context.Context, resourceType, resourceID string) ([]*domain.AuditEntry, error) {
	entries, _, err := uc.auditRepo.List(ctx, &domain.AuditFilter{
		ResourceType: &resourceType,
		ResourceID:   &resourceID,
		Limit:        1000,
	})
	return entries, err
}
