package domain

import "time"

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForScore maps a 0-100 risk score onto its band.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictFlagged  Verdict = "flagged_for_review"
	VerdictRejected Verdict = "rejected"
)

type CheckOutcome string

const (
	CheckPassed    CheckOutcome = "passed"
	CheckFailed    CheckOutcome = "failed"
	CheckViolation CheckOutcome = "violation"
)

// ComplianceCheck is one screening pass over a withdrawal. A new row is
// written on every pass; verdicts are recomputed, never mutated in place.
type ComplianceCheck struct {
	ID        string `json:"id" db:"id"`
	RequestID string `json:"request_id" db:"request_id"`

	RiskScore int       `json:"risk_score" db:"risk_score"`
	RiskLevel RiskLevel `json:"risk_level" db:"risk_level"`

	BlacklistCheck  CheckOutcome `json:"blacklist_check" db:"blacklist_check"`
	SanctionsCheck  CheckOutcome `json:"sanctions_check" db:"sanctions_check"`
	VelocityCheck   CheckOutcome `json:"velocity_check" db:"velocity_check"`
	PatternCheck    CheckOutcome `json:"pattern_check" db:"pattern_check"`
	TravelRuleCheck CheckOutcome `json:"travel_rule_check" db:"travel_rule_check"`

	Verdict        Verdict `json:"verdict" db:"verdict"`
	RequiresReturn bool    `json:"requires_return" db:"requires_return"`
	ManualReview   bool    `json:"manual_review" db:"manual_review"`
	Notes          *string `json:"notes,omitempty" db:"notes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DeriveVerdict computes the verdict as a pure function of the individual
// checks and the score. Blacklist or sanctions match rejects unconditionally;
// a Travel-Rule violation flags for forced return rather than plain
// rejection, because received-but-non-compliant funds must be routed back.
func (c *ComplianceCheck) DeriveVerdict(flagThreshold int) {
	c.RiskLevel = RiskLevelForScore(c.RiskScore)

	switch {
	case c.BlacklistCheck == CheckFailed || c.SanctionsCheck == CheckFailed:
		c.Verdict = VerdictRejected
		c.ManualReview = false
		c.RequiresReturn = false
	case c.TravelRuleCheck == CheckViolation:
		c.Verdict = VerdictFlagged
		c.ManualReview = true
		c.RequiresReturn = true
	case c.RiskScore >= flagThreshold:
		c.Verdict = VerdictFlagged
		c.ManualReview = true
		c.RequiresReturn = false
	default:
		c.Verdict = VerdictApproved
		c.ManualReview = false
		c.RequiresReturn = false
	}
}
