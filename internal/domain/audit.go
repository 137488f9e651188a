package domain

import (
	"encoding/json"
	"time"
)

// AuditEntry is an immutable record of one state change. Rows are append-only
// and never updated or deleted.
type AuditEntry struct {
	ID           int64           `json:"id" db:"id"`
	Actor        string          `json:"actor" db:"actor"`
	Action       string          `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"`
	ResourceID   string          `json:"resource_id" db:"resource_id"`
	Before       json.RawMessage `json:"before,omitempty" db:"before_state"`
	After        json.RawMessage `json:"after,omitempty" db:"after_state"`
	Result       string          `json:"result" db:"result"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Well-known actors for engine-initiated transitions.
const (
	ActorSystem   = "system"
	ActorSweeper  = "window_sweeper"
	ActorPoller   = "confirmation_poller"
	ActorTreasury = "rebalance_worker"
)

type AuditFilter struct {
	ResourceType *string
	ResourceID   *string
	Actor        *string
	FromDate     *time.Time
	ToDate       *time.Time
	Limit        int
	Offset       int
}
