package usecase

import (
	"context"
	"errors"
	"time"

	"custody-service/internal/xerrors"
)

const (
	retryMaxAttempts  = 4
	retryInitialDelay = 200 * time.Millisecond
)

// retryTransient retries fn with exponential backoff for transient
// infrastructure failures. Domain sentinels (validation, policy, version
// conflicts) surface immediately: those are decisions, not outages.
func retryTransient(ctx context.Context, fn func() error) error {
	delay := retryInitialDelay

	var err error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}

		if attempt == retryMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, xerrors.ErrVersionConflict),
		errors.Is(err, xerrors.ErrNotFound),
		errors.Is(err, xerrors.ErrInvalidTransition),
		errors.Is(err, xerrors.ErrAlreadyDecided),
		errors.Is(err, xerrors.ErrOutOfOrder),
		errors.Is(err, xerrors.ErrWindowClosed),
		errors.Is(err, xerrors.ErrInsufficientHotBalance),
		errors.Is(err, xerrors.ErrExceedsCustodyBalance),
		errors.Is(err, xerrors.ErrVaultNotConfigured),
		errors.Is(err, xerrors.ErrIdempotencyConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
