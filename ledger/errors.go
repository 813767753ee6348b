/*
errors.go - Centralized error types for the commission ledger

ERROR CATEGORIES:
  1. Validation - bad split, bad amount, editing a PAID entry. Rejected
     before anything reaches the store.
  2. Precondition - the entry is no longer in the expected state. The
     caller re-reads and retries.
  3. Partial write - the second step of a two-step write did not complete.
     Never retried silently; carries the ids needed to reconcile.
  4. Store - propagated unchanged.

USAGE:
  if errors.Is(err, ledger.ErrNothingToSettle) { ... }

  var pf *ledger.PartialFailureError
  if errors.As(err, &pf) {
      retry(pf.Unreverted)
  }
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState is returned when an operation is not allowed in the
	// entry's current status (e.g. adjusting the rate of a PAID entry).
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrValidation)

	// ErrNothingToSettle is returned when the pending balance is zero or negative.
	ErrNothingToSettle = errors.New("nothing to settle")

	// ErrPreconditionFailed is returned when a guarded write finds the row in
	// a different state than expected.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrPartialWrite is the root of PartialWriteError and PartialFailureError.
	ErrPartialWrite = errors.New("partial write")

	// ErrStoreUnavailable wraps driver-level failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrEntryNotFound        = errors.New("entry not found")
	ErrPayoutNotFound       = errors.New("payout not found")
	ErrProfessionalNotFound = errors.New("professional not found")
	ErrDuplicateID          = errors.New("duplicate id")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PartialWriteError reports a settlement whose entry claims did not all land.
// The payout record may exist while Failed entries are still PENDING.
type PartialWriteError struct {
	Op        string
	PayoutID  PayoutID
	Completed []EntryID
	Failed    []EntryID
	Cause     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%s: partial write on payout %s: %d completed, %d failed [%s]: %v",
		e.Op, e.PayoutID, len(e.Completed), len(e.Failed), joinIDs(e.Failed), e.Cause)
}

func (e *PartialWriteError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPartialWrite}
	}
	return []error{ErrPartialWrite, e.Cause}
}

// PartialFailureError reports a reversal that left some entries PAID.
// Reverted entries stay reverted; running the undo again is safe.
type PartialFailureError struct {
	PayoutID   PayoutID
	Reverted   []EntryID
	Unreverted []EntryID
	Causes     map[EntryID]error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("undo payout %s: %d entries not reverted [%s]",
		e.PayoutID, len(e.Unreverted), joinIDs(e.Unreverted))
}

func (e *PartialFailureError) Unwrap() error { return ErrPartialWrite }

func joinIDs(ids []EntryID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNothingToSettle)
}

// IsRetryable returns true if re-reading state and retrying may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrPayoutNotFound) ||
		errors.Is(err, ErrProfessionalNotFound)
}
