package domain

import (
	"context"
	"errors"
)

// Balance mutation failures.
var (
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrOverRelease         = errors.New("ledger: release exceeds held amount for reference")
	ErrDuplicateOperation  = errors.New("ledger: duplicate operation")
	ErrIdempotencyConflict = errors.New("ledger: idempotency key reused with different parameters")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountNotEmpty     = errors.New("ledger: account has non-zero balance")
	ErrCurrencyMismatch    = errors.New("ledger: currency mismatch")
	ErrMissingKey          = errors.New("ledger: idempotency key required")
	ErrMissingReference    = errors.New("ledger: reference required")
	ErrUnknownEntryKind    = errors.New("ledger: unknown entry kind")
	ErrSameAccount         = errors.New("ledger: source and destination are the same account")
)

// Normalization and settlement failures.
var (
	ErrUnresolvedAccount   = errors.New("ledger: unresolved account")
	ErrUnsupportedCurrency = errors.New("ledger: unsupported currency")
	ErrInvalidFeeConfig    = errors.New("ledger: invalid fee config")
	ErrConfigNotFound      = errors.New("ledger: settlement config not found")
	ErrInvalidEvent        = errors.New("ledger: invalid payment event")
)

// Stream failures.
var (
	ErrStreamNotFound          = errors.New("ledger: stream not found")
	ErrInvalidStreamTransition = errors.New("ledger: invalid stream transition")
	ErrInvalidFlowRate         = errors.New("ledger: invalid flow rate")
)

// Isolation and infrastructure failures.
var (
	ErrCrossTenantAccessDenied = errors.New("ledger: cross-tenant access denied")
	ErrMissingTenant           = errors.New("ledger: missing tenant context")
	ErrTimeout                 = errors.New("ledger: operation timed out")
	ErrRetryable               = errors.New("ledger: transient store failure")
)

// IsRetryable reports whether the operation may be retried with the same idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) || errors.Is(err, ErrTimeout)
}

// IsTimeout reports whether err stems from a canceled or expired context.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
