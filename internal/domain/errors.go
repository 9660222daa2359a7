package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an entity does not exist
var ErrNotFound = errors.New("not found")

// PermissionDeniedError names the (status, role, action) triple that was refused
type PermissionDeniedError struct {
	Status Status `json:"status"`
	Role   Role   `json:"role"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s may not %s while %s: %s", roleName(e.Role), e.Action, e.Status, e.Reason)
}

// InvalidTransitionError is a status move the state machine does not know
type InvalidTransitionError struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// ValidationError names the field and the failed precondition
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ExternalServiceError is a failure talking to the processor or blob store.
// Unknown means the call may have taken effect (timeout) and must be reconciled.
type ExternalServiceError struct {
	Service   string `json:"service"`
	Retryable bool   `json:"retryable"`
	Unknown   bool   `json:"unknown_outcome"`
	Err       error  `json:"-"`
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s call failed (retryable=%t, unknown=%t): %v", e.Service, e.Retryable, e.Unknown, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ConcurrentModificationError means another writer moved the transaction first; retry from a fresh read
type ConcurrentModificationError struct {
	TransactionID string `json:"transaction_id"`
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("transaction %s was modified concurrently", e.TransactionID)
}

// AlreadyProcessedError is an idempotent no-op such as a second release
type AlreadyProcessedError struct {
	Action Action `json:"action"`
	Status Status `json:"status"`
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("%s already processed (status %s)", e.Action, e.Status)
}

func roleName(r Role) string {
	if r == RoleNone {
		return "non-participant"
	}
	return string(r)
}
