// Package apierr classifies transport and backend failures into the fixed
// taxonomy the dashboard shows to users.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the class of a failure.
type Kind string

const (
	KindTransport      Kind = "transport"
	KindDomainConflict Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation"
	KindAuth           Kind = "auth"
	KindUnknown        Kind = "unknown"
)

// Codes refine a Kind. They drive the user-facing message.
const (
	CodeAlreadyProcessing            = "ALREADY_PROCESSING"
	CodeInvalidStateTransition       = "INVALID_STATE_TRANSITION"
	CodeNoActiveRun                  = "NO_ACTIVE_RUN"
	CodeNoCheckpoint                 = "NO_CHECKPOINT"
	CodeInvalidSelection             = "INVALID_SELECTION"
	CodeRerunConfirmationRequired    = "RERUN_CONFIRMATION_REQUIRED"
	CodeUnreadableConfirmationNeeded = "UNREADABLE_CONFIRMATION_REQUIRED"
	CodeReadabilityPending           = "READABILITY_PENDING"
	CodeRestartNotEffective          = "RESTART_NOT_EFFECTIVE"
	CodeRestartNotAllowed            = "RESTART_NOT_ALLOWED"
	CodeNoRun                        = "NO_RUN"
	CodeBusy                         = "BUSY"
	CodeTimeout                      = "TIMEOUT"
	CodeMalformed                    = "MALFORMED_RESPONSE"
	CodeUnauthenticated              = "UNAUTHENTICATED"
	CodeForbidden                    = "FORBIDDEN"
	CodeGiveUp                       = "STREAM_GAVE_UP"
)

// Error is a classified failure. Err carries the raw cause for logs; it is
// never shown to the user.
type Error struct {
	Kind    Kind
	Op      string // operation name, e.g. "start", "pause", "poll"
	Status  int    // HTTP status when known, else 0
	Code    string
	Message string // backend-provided detail, logged only
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same Kind and Code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAlreadyProcessing      = &Error{Kind: KindDomainConflict, Code: CodeAlreadyProcessing}
	ErrInvalidStateTransition = &Error{Kind: KindDomainConflict, Code: CodeInvalidStateTransition}
	ErrNoActiveRun            = &Error{Kind: KindNotFound, Code: CodeNoActiveRun}
	ErrNoCheckpoint           = &Error{Kind: KindNotFound, Code: CodeNoCheckpoint}
	ErrInvalidSelection       = &Error{Kind: KindValidation, Code: CodeInvalidSelection}
	ErrRerunConfirmation      = &Error{Kind: KindDomainConflict, Code: CodeRerunConfirmationRequired}
	ErrUnreadableConfirmation = &Error{Kind: KindValidation, Code: CodeUnreadableConfirmationNeeded}
	ErrReadabilityPending     = &Error{Kind: KindValidation, Code: CodeReadabilityPending}
	ErrRestartNotAllowed      = &Error{Kind: KindValidation, Code: CodeRestartNotAllowed}
	ErrNoRun                  = &Error{Kind: KindValidation, Code: CodeNoRun}
	ErrRestartNotEffective    = &Error{Kind: KindDomainConflict, Code: CodeRestartNotEffective}
	ErrBusy                   = &Error{Kind: KindDomainConflict, Code: CodeBusy}
)

// New builds a classified error.
func New(kind Kind, op, code string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: cause}
}

// Validation builds a client-side precondition failure.
func Validation(op, code, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Code: code, Message: msg}
}

// FromStatus classifies a non-2xx HTTP response. conflictCode and
// notFoundCode give the operation-specific meaning of 409 and 404.
func FromStatus(op string, status int, msg, conflictCode, notFoundCode string) *Error {
	e := &Error{Op: op, Status: status, Message: msg}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind, e.Code = KindAuth, CodeUnauthenticated
	case status == http.StatusForbidden:
		e.Kind, e.Code = KindAuth, CodeForbidden
	case status == http.StatusNotFound:
		e.Kind, e.Code = KindNotFound, notFoundCode
	case status == http.StatusConflict:
		e.Kind, e.Code = KindDomainConflict, conflictCode
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind, e.Code = KindValidation, ""
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		e.Kind, e.Code = KindTransport, ""
	case status >= 500:
		e.Kind = KindTransport
	default:
		e.Kind = KindUnknown
	}
	return e
}

// Classify maps an arbitrary error into the taxonomy. Already-classified
// errors are returned with Op filled in when missing.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Op == "" {
			cp := *ae
			cp.Op = op
			return &cp
		}
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Op: op, Code: CodeTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		code := ""
		if netErr.Timeout() {
			code = CodeTimeout
		}
		return &Error{Kind: KindTransport, Op: op, Code: code, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}

// KindOf returns the Kind of err after classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify("", err).Kind
}

// Retryable reports whether the user should be invited to retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport:
		return true
	case KindDomainConflict:
		var ae *Error
		return errors.As(err, &ae) && (ae.Code == CodeRestartNotEffective || ae.Code == CodeBusy)
	}
	return false
}
