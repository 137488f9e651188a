package xerrors

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ParsePGErrorCode extracts the SQLSTATE code from a postgres error.
func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code // e.g. 23505 for unique_violation
	}
	return "unknown"
}

// Generic
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalServer = errors.New("internal server error")
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input provided")
)

// Validation errors: rejected synchronously at submission, never enter the state machine.
var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidAsset           = errors.New("invalid asset")
	ErrInvalidNetwork         = errors.New("invalid network")
	ErrAddressNotWhitelisted  = errors.New("destination address is not whitelisted for this account")
	ErrAddressWithdrawBlocked = errors.New("destination address is not permitted to withdraw")
	ErrEmptyApproverList      = errors.New("approver list must contain at least one approver")
	ErrDuplicateApprover      = errors.New("approver list contains duplicate approvers")
	ErrIdempotencyConflict    = errors.New("idempotency key already used with different parameters")
)

// Policy errors: rejected synchronously at the specific operation, request state unchanged.
var (
	ErrOutOfOrder        = errors.New("a lower-sequence approver has not yet approved")
	ErrAlreadyDecided    = errors.New("approver has already approved or rejected this request")
	ErrWindowClosed      = errors.New("the cancellation window has closed")
	ErrNotCancellable    = errors.New("request is not in a cancellable state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRejected       = errors.New("only a rejected request can be re-applied or archived")
	ErrAlreadyDisposed   = errors.New("request has already been re-applied or archived")
	ErrNotFlagged        = errors.New("request is not held for manual review")
)

// Concurrency
var (
	ErrVersionConflict = errors.New("record was modified concurrently, retry against fresh state")
)

// Resource
var (
	ErrInsufficientHotBalance = errors.New("insufficient hot wallet balance")
	ErrExceedsCustodyBalance  = errors.New("amount exceeds total custody balance")
	ErrVaultNotConfigured     = errors.New("no vault configured for asset and network")
)

// Taxonomy codes persisted alongside terminal failures so the machine-readable
// classification survives with the human-readable reason.
const (
	CodeValidation = "validation"
	CodePolicy     = "policy"
	CodeCompliance = "compliance"
	CodeResource   = "resource"
	CodeExternal   = "external"
	CodeTransient  = "transient"
)
