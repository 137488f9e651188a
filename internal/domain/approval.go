package domain

import (
	"time"

	"custody-service/internal/xerrors"
)

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Approval is one slot in the ordered approver chain of an
// organization-sourced withdrawal. Position is 0-based; an approver at
// position k may only decide after all positions < k have approved.
type Approval struct {
	ID         int64      `json:"id" db:"id"`
	RequestID  string     `json:"request_id" db:"request_id"`
	ApproverID string     `json:"approver_id" db:"approver_id"`
	Position   int        `json:"position" db:"position"`
	Decision   Decision   `json:"decision" db:"decision"`
	Reason     *string    `json:"reason,omitempty" db:"reason"`
	DecidedAt  *time.Time `json:"decided_at,omitempty" db:"decided_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// ValidateApproverChain enforces the registration invariant: at least one
// approver, no duplicates.
func ValidateApproverChain(approverIDs []string) error {
	if len(approverIDs) == 0 {
		return xerrors.ErrEmptyApproverList
	}
	seen := make(map[string]bool, len(approverIDs))
	for _, id := range approverIDs {
		if id == "" {
			return xerrors.ErrInvalidInput
		}
		if seen[id] {
			return xerrors.ErrDuplicateApprover
		}
		seen[id] = true
	}
	return nil
}
