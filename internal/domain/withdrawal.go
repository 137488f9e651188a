package domain

import (
	"time"

	"custody-service/internal/xerrors"
)

type State string

const (
	StateDraft            State = "draft"
	StateSubmitted        State = "submitted"
	StateAwaitingApproval State = "awaiting_approval"
	StateAwaitingWindow   State = "awaiting_wait_window"
	StateComplianceReview State = "compliance_review"
	StateSourcing         State = "sourcing"
	StateBroadcasting     State = "broadcasting"
	StateConfirming       State = "confirming"
	StateSucceeded        State = "succeeded"
	StateRejected         State = "rejected"
	StateStopped          State = "stopped"
	StateFailed           State = "failed"
	StateReapplied        State = "reapplied"
	StateArchived         State = "archived"
)

// transitions is the authoritative edge set of the withdrawal state machine.
// UI-facing labels are derived from these states, never a parallel vocabulary.
var transitions = map[State][]State{
	StateDraft:            {StateSubmitted},
	StateSubmitted:        {StateAwaitingApproval, StateAwaitingWindow},
	StateAwaitingApproval: {StateComplianceReview, StateRejected, StateStopped},
	StateAwaitingWindow:   {StateComplianceReview, StateStopped},
	StateComplianceReview: {StateSourcing, StateRejected, StateStopped},
	StateSourcing:         {StateBroadcasting, StateFailed, StateStopped},
	StateBroadcasting:     {StateConfirming, StateFailed},
	StateConfirming:       {StateSucceeded, StateFailed},
	StateRejected:         {StateReapplied, StateArchived},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further lifecycle transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateStopped, StateFailed, StateReapplied, StateArchived:
		return true
	}
	return false
}

type SourceType string

const (
	SourceIndividual   SourceType = "individual"
	SourceOrganization SourceType = "organization"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// WithdrawalRequest is the canonical withdrawal record. Amount is in the
// asset's smallest unit (satoshi, wei, ...); Version backs optimistic
// concurrency; every state transition bumps it by one.
type WithdrawalRequest struct {
	ID             string     `json:"id" db:"id"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	RequestedBy    string     `json:"requested_by" db:"requested_by"`
	SourceType     SourceType `json:"source_type" db:"source_type"`
	SourceRef      string     `json:"source_ref" db:"source_ref"`
	Destination    string     `json:"destination" db:"destination"`
	Asset          string     `json:"asset" db:"asset"`
	Network        string     `json:"network" db:"network"`
	Amount         int64      `json:"amount" db:"amount"`
	Title          string     `json:"title" db:"title"`
	Description    *string    `json:"description,omitempty" db:"description"`
	Priority       Priority   `json:"priority" db:"priority"`

	// Travel Rule: originator identification attached by the requesting
	// platform; mandatory above the reporting-currency threshold.
	OriginatorInfo *string `json:"originator_info,omitempty" db:"originator_info"`

	State   State `json:"state" db:"state"`
	Version int64 `json:"version" db:"version"`

	// Failure disposition
	FailureCode   *string `json:"failure_code,omitempty" db:"failure_code"`
	FailureReason *string `json:"failure_reason,omitempty" db:"failure_reason"`

	// Individual path: persisted anti-fraud deadline, never an in-process timer.
	WindowDeadline *time.Time `json:"window_deadline,omitempty" db:"window_deadline"`

	// Sourcing / broadcast references. FundsReserved records the hot-wallet
	// reservation on the request row itself, committed in the same
	// transaction as the vault reservation, so a crash between reserving and
	// the broadcast hand-off is resumable without reserving twice.
	RebalancingID *string `json:"rebalancing_id,omitempty" db:"rebalancing_id"`
	FundsReserved bool    `json:"funds_reserved" db:"funds_reserved"`
	TxRef         *string `json:"tx_ref,omitempty" db:"tx_ref"`

	// Re-application lineage
	ReappliedFrom *string `json:"reapplied_from,omitempty" db:"reapplied_from"`
	ReapplyCount  int     `json:"reapply_count" db:"reapply_count"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StateEnteredAt time.Time  `json:"state_entered_at" db:"state_entered_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

func (w *WithdrawalRequest) Validate() error {
	if w.RequestedBy == "" {
		return xerrors.ErrInvalidInput
	}
	if w.Amount <= 0 {
		return xerrors.ErrInvalidAmount
	}
	if w.Asset == "" {
		return xerrors.ErrInvalidAsset
	}
	if w.Network == "" {
		return xerrors.ErrInvalidNetwork
	}
	if w.Destination == "" {
		return xerrors.ErrInvalidInput
	}
	if w.SourceType != SourceIndividual && w.SourceType != SourceOrganization {
		return xerrors.ErrInvalidInput
	}
	return nil
}

// Reapply builds a fresh draft pre-populated from a rejected original.
// The original is never mutated.
func (w *WithdrawalRequest) Reapply(newID string, now time.Time) *WithdrawalRequest {
	origID := w.ID
	return &WithdrawalRequest{
		ID:             newID,
		RequestedBy:    w.RequestedBy,
		SourceType:     w.SourceType,
		SourceRef:      w.SourceRef,
		Destination:    w.Destination,
		Asset:          w.Asset,
		Network:        w.Network,
		Amount:         w.Amount,
		Title:          w.Title,
		Description:    w.Description,
		Priority:       w.Priority,
		OriginatorInfo: w.OriginatorInfo,
		State:          StateDraft,
		Version:        1,
		ReappliedFrom:  &origID,
		ReapplyCount:   w.ReapplyCount + 1,
		CreatedAt:      now,
		StateEnteredAt: now,
	}
}

type CreateWithdrawalRequest struct {
	IdempotencyKey *string
	RequestedBy    string
	SourceType     SourceType
	SourceRef      string
	Destination    string
	Asset          string
	Network        string
	Amount         int64
	Title          string
	Description    *string
	Priority       Priority
	OriginatorInfo *string
	ApproverIDs    []string // required for organization-sourced requests
}

type WithdrawalFilter struct {
	State       *State
	SourceRef   *string
	RequestedBy *string
	Asset       *string
	FromDate    *time.Time
	ToDate      *time.Time
	Limit       int
	Offset      int
}
