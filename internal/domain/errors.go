package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnknownKind      = errors.New("unknown job kind")
	ErrInvalidJob       = errors.New("invalid job")
	ErrDuplicateJob     = errors.New("duplicate job")
	ErrNotReserved      = errors.New("job not reserved by an active lease")
	ErrNotHeld          = errors.New("identity not held by caller")
	ErrQuotaExhausted   = errors.New("no address has headroom")
	ErrConfigurationGap = errors.New("channel has no target mapping")
	ErrStoreUnavailable = errors.New("store unavailable")

	// Collaborator outcomes.
	ErrNeedsCode     = errors.New("verification code required")
	ErrRevoked       = errors.New("identity revoked")
	ErrFrozen        = errors.New("identity frozen")
	ErrCodeTimeout   = errors.New("verification code timed out")
	ErrCodeCancelled = errors.New("verification cancelled by operator")
)

func invalidJob(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, fmt.Sprintf(format, args...))
}

// StoreError marks an unexpected storage failure as ErrStoreUnavailable.
// Sentinel errors from this package pass through untouched.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, known := range []error{ErrNotFound, ErrDuplicateJob, ErrNotReserved, ErrNotHeld, ErrInvalidJob, ErrQuotaExhausted, ErrStoreUnavailable} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IdentityTerminal reports whether err means the identity can never be used again.
func IdentityTerminal(err error) bool {
	return errors.Is(err, ErrRevoked) || errors.Is(err, ErrFrozen)
}
