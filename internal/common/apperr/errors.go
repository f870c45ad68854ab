// Package apperr provides the supervisor's structured error type.
//
// Every caller-facing operation returns either nil or an *AppError so that
// callers can discriminate on Kind without string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind discriminants, per the error kinds named in the spec.
const (
	KindSpawnFailure      = "spawn_failure"
	KindInitializeFailure = "initialize_failure"
	KindTransportError    = "transport_error"
	KindProtocolError     = "protocol_error"
	KindCancelled         = "cancelled"
	KindDiskError         = "disk_error"
	KindApprovalNotPending = "approval_not_pending"
	KindNotFound          = "not_found"
	KindConflict          = "conflict"
	KindInvalidArgument   = "invalid_argument"
	KindInternal          = "internal"
)

// AppError is the supervisor's structured error type.
type AppError struct {
	Kind    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func new_(kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func SpawnFailure(message string, err error) *AppError {
	return new_(KindSpawnFailure, message, err)
}

func InitializeFailure(message string, err error) *AppError {
	return new_(KindInitializeFailure, message, err)
}

func TransportError(message string, err error) *AppError {
	return new_(KindTransportError, message, err)
}

func ProtocolError(message string) *AppError {
	return new_(KindProtocolError, message, nil)
}

func Cancelled(message string) *AppError {
	return new_(KindCancelled, message, nil)
}

func DiskError(message string, err error) *AppError {
	return new_(KindDiskError, message, err)
}

func ApprovalNotPending(approvalID string) *AppError {
	return new_(KindApprovalNotPending, fmt.Sprintf("approval %q is not pending", approvalID), nil)
}

func NotFound(resource, id string) *AppError {
	return new_(KindNotFound, fmt.Sprintf("%s %q not found", resource, id), nil)
}

func Conflict(message string) *AppError {
	return new_(KindConflict, message, nil)
}

func InvalidArgument(message string) *AppError {
	return new_(KindInvalidArgument, message, nil)
}

func Internal(message string, err error) *AppError {
	return new_(KindInternal, message, err)
}

// Wrap preserves an existing AppError's kind, or wraps as internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{Kind: appErr.Kind, Message: fmt.Sprintf("%s: %s", message, appErr.Message), Err: err}
	}
	return new_(KindInternal, message, err)
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
