package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VaultBalance is the per-asset hot/cold custody position. All balances are
// in the asset's smallest unit; Reserved is the slice of HotBalance already
// committed to in-flight withdrawals. Ratios are basis points of the total
// (hot + cold = 10000).
type VaultBalance struct {
	Asset          string    `json:"asset" db:"asset"`
	Network        string    `json:"network" db:"network"`
	HotBalance     int64     `json:"hot_balance" db:"hot_balance"`
	ColdBalance    int64     `json:"cold_balance" db:"cold_balance"`
	Reserved       int64     `json:"reserved" db:"reserved"`
	TargetHotRatio int64     `json:"target_hot_ratio" db:"target_hot_ratio"` // basis points
	Version        int64     `json:"version" db:"version"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// TargetColdRatio is derived so the two targets always sum to 100%.
func (v *VaultBalance) TargetColdRatio() int64 {
	return 10000 - v.TargetHotRatio
}

// HotRatio returns the actual hot share in basis points, computed on integer
// minor units. Returns 0 for an empty vault.
func (v *VaultBalance) HotRatio() int64 {
	total := v.HotBalance + v.ColdBalance
	if total == 0 {
		return 0
	}
	return v.HotBalance * 10000 / total
}

// Deviation is |actual hot ratio - target hot ratio| in basis points.
func (v *VaultBalance) Deviation() int64 {
	d := v.HotRatio() - v.TargetHotRatio
	if d < 0 {
		d = -d
	}
	return d
}

// AvailableHot is the spendable slice of the hot balance.
func (v *VaultBalance) AvailableHot() int64 {
	return v.HotBalance - v.Reserved
}

// Snapshot derives the display-facing view; percentages are decimal-rendered
// here only, storage stays integral.
func (v *VaultBalance) Snapshot() *VaultSnapshot {
	return &VaultSnapshot{
		Asset:           v.Asset,
		Network:         v.Network,
		HotBalance:      v.HotBalance,
		ColdBalance:     v.ColdBalance,
		Reserved:        v.Reserved,
		HotRatioPct:     basisPointsToPercent(v.HotRatio()),
		ColdRatioPct:    basisPointsToPercent(10000 - v.HotRatio()),
		TargetHotPct:    basisPointsToPercent(v.TargetHotRatio),
		TargetColdPct:   basisPointsToPercent(v.TargetColdRatio()),
		DeviationPct:    basisPointsToPercent(v.Deviation()),
		AsOf:            v.UpdatedAt,
	}
}

func basisPointsToPercent(bp int64) decimal.Decimal {
	return decimal.New(bp, -2) // 2000 bp -> 20.00
}

// VaultSnapshot is the read-only view handed to monitoring and the UI.
type VaultSnapshot struct {
	Asset         string          `json:"asset"`
	Network       string          `json:"network"`
	HotBalance    int64           `json:"hot_balance"`
	ColdBalance   int64           `json:"cold_balance"`
	Reserved      int64           `json:"reserved"`
	HotRatioPct   decimal.Decimal `json:"hot_ratio_pct"`
	ColdRatioPct  decimal.Decimal `json:"cold_ratio_pct"`
	TargetHotPct  decimal.Decimal `json:"target_hot_pct"`
	TargetColdPct decimal.Decimal `json:"target_cold_pct"`
	DeviationPct  decimal.Decimal `json:"deviation_pct"`
	AsOf          time.Time       `json:"as_of"`
}

type RebalanceDirection string

const (
	DirectionColdToHot RebalanceDirection = "cold_to_hot"
	DirectionHotToCold RebalanceDirection = "hot_to_cold"
)

type RebalanceStatus string

const (
	RebalancePending    RebalanceStatus = "pending"
	RebalanceApproved   RebalanceStatus = "approved"
	RebalanceProcessing RebalanceStatus = "processing"
	RebalanceCompleted  RebalanceStatus = "completed"
	RebalanceFailed     RebalanceStatus = "failed"
	RebalanceCancelled  RebalanceStatus = "cancelled"
)

// RebalancingRecord tracks one hot/cold transfer operation.
type RebalancingRecord struct {
	ID          string             `json:"id" db:"id"`
	Direction   RebalanceDirection `json:"direction" db:"direction"`
	Asset       string             `json:"asset" db:"asset"`
	Network     string             `json:"network" db:"network"`
	Amount      int64              `json:"amount" db:"amount"`
	Reason      string             `json:"reason" db:"reason"`
	Priority    Priority           `json:"priority" db:"priority"`
	Status      RebalanceStatus    `json:"status" db:"status"`
	InitiatedBy string             `json:"initiated_by" db:"initiated_by"`
	TxRef       *string            `json:"tx_ref,omitempty" db:"tx_ref"`
	ErrorMsg    *string            `json:"error_msg,omitempty" db:"error_msg"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty" db:"approved_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type RebalancingFilter struct {
	Status   *RebalanceStatus
	Asset    *string
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
	Offset   int
}
