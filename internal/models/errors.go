package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSubscriptionExists is returned when (user, service) already has a subscription.
	ErrSubscriptionExists = errors.New("subscription already exists")
	// ErrHashClaimed is returned when a transaction hash was claimed for another subscription.
	ErrHashClaimed = errors.New("transaction already claimed by another subscription")
	// ErrClaimNotReopenable is returned when reopening a claim that did not time out.
	ErrClaimNotReopenable = errors.New("only timed out claims can be reopened")
)

// ValidationError rejects malformed input or an unknown subscription. Never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// OracleErrorKind classifies ledger query failures. All kinds are retryable by the caller.
type OracleErrorKind string

const (
	OracleUnreachable       OracleErrorKind = "unreachable"
	OracleRateLimited       OracleErrorKind = "rate_limited"
	OracleMalformedResponse OracleErrorKind = "malformed_response"
)

// OracleError is a transient failure of a ledger query.
type OracleError struct {
	Kind OracleErrorKind
	Err  error
}

func (e *OracleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("oracle %s", e.Kind)
	}
	return fmt.Sprintf("oracle %s: %s", e.Kind, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// NewOracleError wraps err with the given kind.
func NewOracleError(kind OracleErrorKind, err error) *OracleError {
	return &OracleError{Kind: kind, Err: err}
}

// DeliveryError is a failed attempt to send a notification.
type DeliveryError struct {
	UserID  int64
	Attempt int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %d failed on attempt %d: %s", e.UserID, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
