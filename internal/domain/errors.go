package domain

import (
	"errors"
	"fmt"
)

// ErrTransient marks failures where the mutation never got a definitive answer
// (network down, timeout, 5xx). The mutation stays queued.
var ErrTransient = errors.New("transient network error")

var (
	ErrNotFound  = errors.New("not found")
	ErrMalformed = errors.New("malformed mutation")
	ErrInFlight  = errors.New("mutation already in flight")
)

type ConflictCode string

const (
	ConflictTableUnavailable   ConflictCode = "table_unavailable"
	ConflictTableBusy          ConflictCode = "table_has_order"
	ConflictInvalidTransition  ConflictCode = "invalid_transition"
	ConflictIntentRequired     ConflictCode = "release_intent_required"
	ConflictOccupyViaOrder     ConflictCode = "occupy_via_order"
	ConflictUnknownTable       ConflictCode = "unknown_table"
	ConflictUnknownOrder       ConflictCode = "unknown_order"
	ConflictUnknownMenuItem    ConflictCode = "unknown_menu_item"
	ConflictUnknownCustomer    ConflictCode = "unknown_customer"
	ConflictPriceMismatch      ConflictCode = "price_mismatch"
	ConflictCapacityExceeded   ConflictCode = "capacity_exceeded"
	ConflictInvalidPayload     ConflictCode = "invalid_payload"
	ConflictDependencyRejected ConflictCode = "dependency_rejected"
	// set by terminals when the server refused a mutation over broken state
	ConflictServerInvariant ConflictCode = "invariant_violation"
)

// ConflictError is a permanent rejection: the mutation will never succeed.
type ConflictError struct {
	Code   ConflictCode `json:"code"`
	Reason string       `json:"reason"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict %s: %s", e.Code, e.Reason)
}

func Conflict(code ConflictCode, format string, args ...any) *ConflictError {
	return &ConflictError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// InvariantViolation means the state machine's own bookkeeping is wrong.
// It is always logged and surfaced, never converted to a conflict.
type InvariantViolation struct {
	Entity string
	ID     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %s %s: %s", e.Entity, e.ID, e.Detail)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
