/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps them onto HTTP statuses with the helpers at the
  bottom of this file.

ERROR CATEGORIES:
  1. Authorization - role or ownership check failed; aborts the operation
  2. Validation    - hour split mismatch, missing billing fields, bad state
  3. Not found     - referenced project / timesheet / item / task / user missing
  4. Batch failure - per-item messages collected in BatchResult, never an error
  5. Warnings      - over-budget projects; recorded, never blocking

SEE ALSO:
  - approval.go: Produces BatchResult failures
  - reconcile.go: Produces OverBudgetWarning
  - api/handlers.go: writeDomainError
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is the root of every *AuthorizationError.
	ErrUnauthorized = errors.New("not authorized")

	// ErrValidation is the root of every *ValidationError.
	ErrValidation = errors.New("validation failed")

	ErrProjectNotFound   = errors.New("project not found")
	ErrTimesheetNotFound = errors.New("timesheet not found")
	ErrLineItemNotFound  = errors.New("line item not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrCustomerNotFound  = errors.New("customer not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AuthorizationError reports a failed role or ownership check.
type AuthorizationError struct {
	UserID string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("access denied for %s: %s", e.UserID, e.Reason)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrUnauthorized
}

func denied(user User, format string, args ...any) error {
	return &AuthorizationError{UserID: user.ID, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports a rejected save or edit.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// NON-FATAL OUTCOMES
// =============================================================================

// OverBudgetWarning is raised when an hourly project's consumed hours exceed
// its purchased hours. It is reported alongside a successful write.
type OverBudgetWarning struct {
	ProjectID   string          `json:"project_id"`
	ProjectName string          `json:"project_name"`
	Purchased   decimal.Decimal `json:"purchased_hours"`
	Consumed    decimal.Decimal `json:"consumed_hours"`
}

func (w OverBudgetWarning) Message() string {
	return fmt.Sprintf("project %s has consumed %s hours of %s purchased",
		w.ProjectID, w.Consumed.StringFixed(2), w.Purchased.StringFixed(2))
}

// Overrun is the number of hours consumed beyond the purchased amount.
func (w OverBudgetWarning) Overrun() decimal.Decimal {
	return w.Consumed.Sub(w.Purchased)
}

// BatchResult is the outcome of a bulk operation with partial-failure semantics.
// Count is the number of items that succeeded; Failures holds one message per
// item that did not.
type BatchResult struct {
	Count    int
	Failures []string
	Warnings []OverBudgetWarning
}

func (r *BatchResult) fail(id, format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf("Entry %s: %s", id, fmt.Sprintf(format, args...)))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsAuthorization(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrTimesheetNotFound) ||
		errors.Is(err, ErrLineItemNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrCustomerNotFound)
}

// IsClientError returns true if the error is due to the caller rather than the system.
func IsClientError(err error) bool {
	return IsAuthorization(err) || IsValidation(err) || IsNotFound(err)
}
