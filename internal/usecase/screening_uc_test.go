package usecase

import (
	"context"
	"testing"

	"custody-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScreeningFactorCutoffsComeFromConfig(t *testing.T) {
	ctx := context.Background()

	w := &domain.WithdrawalRequest{
		ID:      "wd_screen",
		Asset:   "BTC",
		Network: "bitcoin",
		Amount:  50_000_000,
	}

	cases := []struct {
		name     string
		velocity int
		pattern  int
		wantVel  domain.CheckOutcome
		wantPat  domain.CheckOutcome
	}{
		{"both just under", 89, 59, domain.CheckPassed, domain.CheckPassed},
		{"velocity at cutoff", 90, 59, domain.CheckFailed, domain.CheckPassed},
		{"pattern at cutoff", 89, 60, domain.CheckPassed, domain.CheckFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.scorer.assessment = &RiskAssessment{
				AmountScore:   10,
				AddressScore:  10,
				VelocityScore: tc.velocity,
				PatternScore:  tc.pattern,
			}

			check, err := h.screeningUC.Screen(ctx, w, "officer-1")
			require.NoError(t, err)
			assert.Equal(t, tc.wantVel, check.VelocityCheck)
			assert.Equal(t, tc.wantPat, check.PatternCheck)
		})
	}
}

func TestScreeningRaisedCutoffTolerates(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	loose := testConfig().Screening
	loose.VelocityFailThreshold = 100
	loose.PatternFailThreshold = 100
	screeningUC := NewScreeningUsecase(
		&fakeLedgerRepo{store: h.store, vaults: h.vaults},
		&fakeComplianceRepo{store: h.store},
		&mockScorer{assessment: &RiskAssessment{
			AmountScore: 10, AddressScore: 10, VelocityScore: 95, PatternScore: 80,
		}},
		h.rates, loose, zap.NewNop(),
	)

	w := &domain.WithdrawalRequest{
		ID:      "wd_loose",
		Asset:   "BTC",
		Network: "bitcoin",
		Amount:  50_000_000,
	}
	check, err := screeningUC.Screen(ctx, w, "officer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CheckPassed, check.VelocityCheck)
	assert.Equal(t, domain.CheckPassed, check.PatternCheck)
}
