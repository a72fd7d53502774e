package domain

import (
	"errors"
	"fmt"
	"strings"
)

// AuthorizationDeniedError reports a policy rejection. The transport boundary
// may present it as NotFound; the Reason stays available for internal logs.
type AuthorizationDeniedError struct {
	Table     Table
	Operation Operation
	Reason    string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s on %s: %s", e.Operation, e.Table, e.Reason)
}

// Validation reason codes reported per field.
const (
	ReasonRequired    = "required"
	ReasonEmail       = "email"
	ReasonPhone       = "phone"
	ReasonMaxLength   = "max_length"
	ReasonInvalidEnum = "invalid_enum"
	ReasonInvalidDate = "invalid_date"
	ReasonDateOrder   = "date_order"
	ReasonNonNegative = "non_negative"
	ReasonPayload     = "invalid_payload"
)

// FieldViolation names one offending field and a machine-distinguishable reason.
type FieldViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError aggregates every structural violation found in a record.
// Violations are collected, not first-fail.
type ValidationError struct {
	Entity     EntityType
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+":"+v.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Entity, strings.Join(parts, ", "))
}

// IntegrityKind classifies relational invariant failures.
type IntegrityKind string

// Integrity violation kinds.
const (
	KindDuplicate         IntegrityKind = "duplicate"
	KindDanglingReference IntegrityKind = "dangling-reference"
	KindInvalidEnum       IntegrityKind = "invalid-enum"
)

// IntegrityError reports a violated relational invariant with a precise kind,
// rather than a generic constraint-violation error from the store.
type IntegrityError struct {
	Kind     IntegrityKind
	Entity   EntityType
	EntityID string
	Message  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation (%s): %s", e.Kind, e.Message)
}

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// AuditDegradedError surfaces a failed audit append after a committed
// mutation. Non-fatal: the mutation stands, but callers and metrics must be
// able to distinguish it from full success.
type AuditDegradedError struct {
	Action string
	Err    error
}

func (e *AuditDegradedError) Error() string {
	return fmt.Sprintf("audit recording degraded for %s: %v", e.Action, e.Err)
}

func (e *AuditDegradedError) Unwrap() error { return e.Err }

// StoreUnavailableError wraps a transient backend failure. It is the only
// error class eligible for caller-driven retry.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may be retried by the caller. Policy and
// validation rejections are deterministic and never retryable.
func IsRetryable(err error) bool {
	var unavailable *StoreUnavailableError
	return errors.As(err, &unavailable)
}
