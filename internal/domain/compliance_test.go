package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRiskLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, RiskLow},
		{39, RiskLow},
		{40, RiskMedium},
		{59, RiskMedium},
		{60, RiskHigh},
		{79, RiskHigh},
		{80, RiskCritical},
		{100, RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskLevelForScore(tt.score), "score %d", tt.score)
	}
}

func TestDeriveVerdict(t *testing.T) {
	const threshold = 70

	base := func() ComplianceCheck {
		return ComplianceCheck{
			BlacklistCheck:  CheckPassed,
			SanctionsCheck:  CheckPassed,
			VelocityCheck:   CheckPassed,
			PatternCheck:    CheckPassed,
			TravelRuleCheck: CheckPassed,
		}
	}

	t.Run("clean low score approves", func(t *testing.T) {
		c := base()
		c.RiskScore = 8
		c.DeriveVerdict(threshold)
		assert.Equal(t, VerdictApproved, c.Verdict)
		assert.False(t, c.ManualReview)
		assert.False(t, c.RequiresReturn)
	})

	t.Run("blacklist rejects regardless of score", func(t *testing.T) {
		c := base()
		c.RiskScore = 5
		c.BlacklistCheck = CheckFailed
		c.DeriveVerdict(threshold)
		assert.Equal(t, VerdictRejected, c.Verdict)
		assert.False(t, c.ManualReview)
	})

	t.Run("sanctions rejects", func(t *testing.T) {
		c := base()
		c.SanctionsCheck = CheckFailed
		c.DeriveVerdict(threshold)
		assert.Equal(t, VerdictRejected, c.Verdict)
	})

	t.Run("travel rule violation flags with forced return", func(t *testing.T) {
		c := base()
		c.RiskScore = 8
		c.TravelRuleCheck = CheckViolation
		c.DeriveVerdict(threshold)
		assert.Equal(t, VerdictFlagged, c.Verdict)
		assert.True(t, c.ManualReview)
		assert.True(t, c.RequiresReturn)
	})

	t.Run("blacklist outranks travel rule", func(t *testing.T) {
		c := base()
		c.BlacklistCheck = CheckFailed
		c.TravelRuleCheck = CheckViolation
		c.DeriveVerdict(threshold)
		assert.Equal(t, VerdictRejected, c.Verdict)
		assert.False(t, c.RequiresReturn)
	})

	t.Run("score at threshold flags", func(t *testing.T) {
		c := base()
		c.RiskScore = threshold
		c.DeriveVerdict(threshold)
		assert.Equal(t, VerdictFlagged, c.Verdict)
		assert.True(t, c.ManualReview)
		assert.False(t, c.RequiresReturn)
	})

	t.Run("score just below threshold approves", func(t *testing.T) {
		c := base()
		c.RiskScore = threshold - 1
		c.DeriveVerdict(threshold)
		assert.Equal(t, VerdictApproved, c.Verdict)
	})
}
