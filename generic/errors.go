/*
errors.go - Centralized error types for the generation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores and handlers wrap or map onto these.

ERROR CATEGORIES:
  1. ValidationError  - rule is malformed (unknown frequency, bad constraint)
  2. PersistenceError - a store read/write failed; the rule is retried next run
  3. ErrDuplicateInstance - uniqueness backstop fired; treated as "already generated"
  4. CalculationError - occurrence math failed; fatal for that rule only
  5. Fatal - returned from Coordinator.Run when no rule could be loaded

USAGE:
    if errors.Is(err, generic.ErrDuplicateInstance) {
        // another run created it first, not an error
    }

SEE ALSO:
  - coordinator.go: per-rule error capture
  - store/sqlite/sqlite.go: maps UNIQUE violations to ErrDuplicateInstance
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every ValidationError.
	ErrValidation = errors.New("invalid recurrence rule")

	// ErrPersistence is the root of every PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	// ErrCalculation is the root of every CalculationError.
	ErrCalculation = errors.New("occurrence calculation failed")

	// ErrDuplicateInstance is returned by InstanceStore.CreateInstance when an
	// instance for the same (rule, due date) already exists.
	ErrDuplicateInstance = errors.New("instance already generated for this occurrence")

	// ErrConcurrentModification is returned by SaveRule when the stored rule
	// version differs from the one being saved.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrRuleNotFound       = errors.New("rule not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrObligationNotFound = errors.New("obligation not found")

	// ErrReminderNotAllowed is returned when a reminder is requested for an
	// obligation that is no longer outstanding.
	ErrReminderNotAllowed = errors.New("obligation is not outstanding")

	// ErrNoRRule is returned by Rule.RRule for schedules that RFC 5545
	// cannot express with the same dates NextOccurrence produces.
	ErrNoRRule = errors.New("schedule has no RRULE equivalent")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field of a rule is invalid.
type ValidationError struct {
	RuleID  RuleID
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("rule %s: %s: %s", e.RuleID, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// CalculationError is raised when NextOccurrence cannot produce a date.
type CalculationError struct {
	RuleID RuleID
	From   Date
	Reason string
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("rule %s: next occurrence from %s: %s", e.RuleID, e.From, e.Reason)
}

func (e *CalculationError) Unwrap() error { return ErrCalculation }

// RuleError pins an error to the rule it happened on.
type RuleError struct {
	RuleID RuleID
	Err    error
}

func (e RuleError) Error() string { return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err) }

func (e RuleError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrReminderNotAllowed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrObligationNotFound)
}
