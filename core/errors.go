/*
errors.go - Centralized error types for the commitment engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (possibly wrapped) so callers can branch
  with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors - Bad input, rejected with no state change
  2. State-conflict errors - The precondition no longer holds; refresh, don't retry
  3. Store errors - Uniqueness violations and missing records

USAGE:
  if errors.Is(err, core.ErrAlreadyResolved) {
      // someone (maybe the auto-accept) got there first
  }

SEE ALSO:
  - api/handlers.go: Maps categories to HTTP status codes
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidAction  = errors.New("invalid action")
	ErrReasonRequired = errors.New("a reason is required to dispute a penalty")
	ErrInvalidInput   = errors.New("invalid input")
	ErrDayNotOver     = errors.New("day has not ended yet")

	// State conflicts
	ErrAlreadyResolved        = errors.New("penalty already resolved")
	ErrExpired                = errors.New("penalty response window has expired")
	ErrNotExpired             = errors.New("penalty response window is still open")
	ErrAlreadyUsedThisWeek    = errors.New("recovery day already used this week")
	ErrNotActive              = errors.New("no active recovery day today")
	ErrNotActivatable         = errors.New("recovery day cannot be activated today")
	ErrNoEntitlement          = errors.New("no flexible rest day available")
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// Store
	ErrDuplicate               = errors.New("record already exists")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrNotFound                = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError describes a refused penalty state transition.
type TransitionError struct {
	PenaltyID PenaltyID
	From      PenaltyStatus
	To        PenaltyStatus
	Err       error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("penalty %s: cannot move %s -> %s: %v", e.PenaltyID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// RecoveryWeekError reports the existing recovery day that blocks activation.
type RecoveryWeekError struct {
	MemberID MemberID
	Week     Week
	UsedDate Date
}

func (e *RecoveryWeekError) Error() string {
	if e.UsedDate.IsZero() {
		return fmt.Sprintf("recovery day already used in %s", e.Week)
	}
	return fmt.Sprintf("recovery day already used in %s (on %s)", e.Week, e.UsedDate)
}

func (e *RecoveryWeekError) Unwrap() error { return ErrAlreadyUsedThisWeek }

// ValidationError wraps a field-level input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid client input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAction) ||
		errors.Is(err, ErrReasonRequired) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDayNotOver)
}

// IsConflict returns true if the operation's precondition no longer holds.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrNotExpired) ||
		errors.Is(err, ErrAlreadyUsedThisWeek) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrNotActivatable) ||
		errors.Is(err, ErrNoEntitlement) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
