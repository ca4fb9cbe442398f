package engine

import (
	"errors"
	"fmt"

	"escrowline/internal/engine/auth"
	"escrowline/internal/repo"
	"escrowline/internal/settlement"
)

// Reason is the stable, machine-checkable cause of a failed operation.
type Reason string

const (
	ReasonValidation       Reason = "validation_failed"
	ReasonForbidden        Reason = "forbidden"
	ReasonStateConflict    Reason = "state_conflict"
	ReasonNotFound         Reason = "not_found"
	ReasonTokenInvalid     Reason = "token_invalid"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonDeadlinePassed   Reason = "deadline_passed"
	ReasonRejectionLimit   Reason = "rejection_limit_exceeded"
	ReasonIntegrityFailed  Reason = "integrity_failed"
	ReasonPolicyRejected   Reason = "policy_rejected"
	ReasonPaymentSetup     Reason = "payment_setup_failed"
	ReasonSettlementFailed Reason = "settlement_failed"
	ReasonAlreadyRefunded  Reason = "already_refunded"
)

// Error is returned by every lifecycle operation that fails for a reason the
// caller can act on.
type Error struct {
	Reason  Reason
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(reason Reason, err error, message string) *Error {
	return &Error{Reason: reason, Message: message, Err: err}
}

// ReasonOf returns the Reason carried by err, or "" for unexpected errors.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func IsReason(err error, reason Reason) bool {
	return ReasonOf(err) == reason
}

// classify maps lower-layer sentinels onto lifecycle errors. Anything it does
// not recognise is returned unchanged.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var forbidden auth.ForbiddenError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return wrapErr(ReasonNotFound, err, what+" not found")
	case errors.Is(err, repo.ErrStateConflict):
		return wrapErr(ReasonStateConflict, err, what+" changed concurrently; current status does not allow this action")
	case errors.Is(err, settlement.ErrAlreadyRefunded):
		return wrapErr(ReasonAlreadyRefunded, err, "payment already refunded")
	case errors.As(err, &forbidden):
		return wrapErr(ReasonForbidden, err, forbidden.Error())
	}
	return err
}
