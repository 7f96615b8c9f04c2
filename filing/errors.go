/*
errors.go - Centralized error types for the filing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Rule-layer errors (validation, pricing, recording, upgrade) are returned
  synchronously and never swallowed. ExternalServiceError wraps failures of
  collaborators (payment, persistence, CRM, pricing source).

ERROR CATEGORIES:
  1. Input errors - ValidationError, InvalidFirmInfoError, EmptyBatchError
  2. Pricing errors - PriceMismatchError, ErrManualQuoteRequired
  3. Upgrade errors - AlreadyUpgradedError, NotEligibleError
  4. Checkout errors - ErrPaymentDeclined, ErrIntentInFlight,
     ErrDuplicateIdempotencyKey
  5. Collaborator errors - ExternalServiceError (timeout aware)

USAGE:
  Every structured error unwraps to a sentinel so callers can pick
  whichever style reads better:

    if errors.Is(err, filing.ErrPriceMismatch) { ... }

    var mm *filing.PriceMismatchError
    if errors.As(err, &mm) {
        log.Printf("expected %s", mm.Expected)
    }

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
  - checkout/service.go: decides which collaborator errors propagate
*/
package filing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all bad-input errors.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyBatch is returned when a submission would contain no selectable entity.
	ErrEmptyBatch = errors.New("batch has no selectable entities")

	// ErrPriceMismatch is returned when a proposed amount differs from the
	// recomputed price by more than one cent.
	ErrPriceMismatch = errors.New("price mismatch")

	// ErrInvalidFirmInfo is returned when required firm fields are missing.
	ErrInvalidFirmInfo = errors.New("invalid firm info")

	// ErrAlreadyUpgraded is returned on any attempt to upgrade a submission twice.
	ErrAlreadyUpgraded = errors.New("submission already upgraded")

	// ErrNotEligible is returned when a submission does not meet upgrade preconditions.
	ErrNotEligible = errors.New("submission not eligible for upgrade")

	// ErrManualQuoteRequired is returned when a batch falls in the custom tier.
	// Such a batch is never charged automatically.
	ErrManualQuoteRequired = errors.New("batch size requires a manual quote")

	// ErrPaymentDeclined is returned when the payment service refuses the charge.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrExternalService is the root of all collaborator failures.
	ErrExternalService = errors.New("external service failure")

	// ErrTimeout marks a collaborator call that exceeded its deadline.
	ErrTimeout = errors.New("external call timed out")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when an intent with the same key exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIntentInFlight is returned when a request with the same idempotency
	// key is still being processed.
	ErrIntentInFlight = errors.New("request with this idempotency key is in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports bad input shape or range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// EmptyBatchError is returned by the recorder when nothing can be submitted.
// Ineligible carries the per-entity reasons so the user can fix the data.
type EmptyBatchError struct {
	Submitted  int
	Ineligible []EntityResult
}

func (e *EmptyBatchError) Error() string {
	return fmt.Sprintf("empty batch: 0 of %d entities selectable", e.Submitted)
}

func (e *EmptyBatchError) Unwrap() error { return ErrEmptyBatch }

// PriceMismatchError carries both sides of a failed price comparison.
type PriceMismatchError struct {
	Expected decimal.Decimal
	Proposed decimal.Decimal
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("price mismatch: expected %s, proposed %s",
		e.Expected.StringFixed(2), e.Proposed.StringFixed(2))
}

func (e *PriceMismatchError) Unwrap() error { return ErrPriceMismatch }

// InvalidFirmInfoError names the missing firm fields.
type InvalidFirmInfoError struct {
	Missing []string
}

func (e *InvalidFirmInfoError) Error() string {
	return "invalid firm info: missing " + strings.Join(e.Missing, ", ")
}

func (e *InvalidFirmInfoError) Unwrap() error { return ErrInvalidFirmInfo }

// AlreadyUpgradedError is terminal: the original already points at an upgrade.
type AlreadyUpgradedError struct {
	SubmissionID string
	UpgradedTo   string
}

func (e *AlreadyUpgradedError) Error() string {
	if e.UpgradedTo == "" {
		return fmt.Sprintf("submission %s already upgraded", e.SubmissionID)
	}
	return fmt.Sprintf("submission %s already upgraded to %s", e.SubmissionID, e.UpgradedTo)
}

func (e *AlreadyUpgradedError) Unwrap() error { return ErrAlreadyUpgraded }

// NotEligibleError explains which upgrade precondition failed.
type NotEligibleError struct {
	SubmissionID string
	Reason       string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("submission %s not eligible for upgrade: %s", e.SubmissionID, e.Reason)
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }

// ExternalServiceError wraps a failure from a collaborator.
type ExternalServiceError struct {
	Service string // "payment", "store", "crm", "pricing"
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ExternalServiceError) Unwrap() []error {
	return []error{ErrExternalService, e.Err}
}

// Timeout reports whether the collaborator call hit its deadline.
func (e *ExternalServiceError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout) || errors.Is(e.Err, context.DeadlineExceeded)
}

// External wraps err as an ExternalServiceError unless it already is one.
func External(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return err
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrInvalidFirmInfo) ||
		errors.Is(err, ErrManualQuoteRequired)
}

// IsConflict returns true for errors caused by the current state of a record.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPriceMismatch) ||
		errors.Is(err, ErrAlreadyUpgraded) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrIntentInFlight) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout returns true if a collaborator call timed out.
func IsTimeout(err error) bool {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}

// IsRetryable returns true if the same request might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalService) || errors.Is(err, ErrIntentInFlight)
}
