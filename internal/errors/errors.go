// Package errors provides centralized error definitions and error handling
// utilities for the Parley engine. It defines the turn-level error taxonomy
// (coded errors with a retryable/non-retryable distinction), sentinel errors
// for lookups, and classification helpers used by the scheduler's retry loop.
//
// # Error Codes
//
// Every anticipated failure in the engine carries a Code. Codes follow the
// `[CODE] message` convention when rendered, so a blocked turn's error field
// and the checkpoint note stay grep-able:
//
//	TRANSIENT_RUNTIME      retryable provider/runtime hiccup
//	TURN_TIMEOUT           turn exceeded its time budget
//	CANDIDATE_NOT_FOUND    turn could not be matched to a compiled candidate
//	CHANNEL_POLICY_MISSING turn's channel has no policy record
//	GOVERNANCE_BLOCKED     a governance policy rejected the turn
//	DEADLOCK_TERMINATED    the deadlock mediator terminated the run
//	VALIDATION_FAILED      tool call failed schema validation
//	POLICY_BLOCKED         tool call rejected by ACL/role policy
//	TOOL_SCOPE_BLOCKED     tool call attempted to escape its turn scope
//	RESOURCE_NOT_FOUND     referenced resource does not exist
//	RUNTIME_ERROR          unclassified runtime failure
//
// # Usage
//
//	err := errors.NewTurnError(errors.CodeTransientRuntime, "provider returned 503").
//		WithRetryable(true)
//	if errors.IsRetryable(err) { ... }
//	turn.Error = errors.Format(err) // "[TRANSIENT_RUNTIME] provider returned 503"
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Code identifies an anticipated failure mode in the engine.
type Code string

const (
	// CodeTransientRuntime is a retryable provider or runtime failure.
	CodeTransientRuntime Code = "TRANSIENT_RUNTIME"
	// CodeTurnTimeout indicates a turn exceeded its time budget.
	CodeTurnTimeout Code = "TURN_TIMEOUT"
	// CodeCandidateNotFound indicates a turn had no matching compiled candidate.
	CodeCandidateNotFound Code = "CANDIDATE_NOT_FOUND"
	// CodeChannelPolicyMissing indicates the turn's channel has no policy record.
	CodeChannelPolicyMissing Code = "CHANNEL_POLICY_MISSING"
	// CodeGovernanceBlocked indicates a governance policy rejected the turn.
	CodeGovernanceBlocked Code = "GOVERNANCE_BLOCKED"
	// CodeDeadlockTerminated indicates the deadlock mediator terminated the run.
	CodeDeadlockTerminated Code = "DEADLOCK_TERMINATED"
	// CodeValidationFailed indicates a tool call failed schema validation.
	CodeValidationFailed Code = "VALIDATION_FAILED"
	// CodePolicyBlocked indicates a tool call was rejected by ACL or role policy.
	CodePolicyBlocked Code = "POLICY_BLOCKED"
	// CodeToolScopeBlocked indicates a tool call attempted to escape its turn scope.
	CodeToolScopeBlocked Code = "TOOL_SCOPE_BLOCKED"
	// CodeResourceNotFound indicates a referenced resource does not exist.
	CodeResourceNotFound Code = "RESOURCE_NOT_FOUND"
	// CodeRuntimeError is an unclassified runtime failure.
	CodeRuntimeError Code = "RUNTIME_ERROR"
)

// String returns the string representation of the code.
func (c Code) String() string {
	return string(c)
}

// Sentinel errors returned by store and scheduler lookups.
var (
	// ErrRunNotFound indicates that a run could not be found.
	ErrRunNotFound = New("run not found")
	// ErrTurnNotFound indicates that a turn could not be found.
	ErrTurnNotFound = New("turn not found")
	// ErrVoteNotFound indicates that a vote could not be found.
	ErrVoteNotFound = New("vote not found")
	// ErrChannelNotFound indicates that a channel policy could not be found.
	ErrChannelNotFound = New("channel not found")
	// ErrRunNotRunnable indicates a run is in a terminal status.
	ErrRunNotRunnable = New("run is not runnable")
	// ErrNoCheckpoint indicates a run has no checkpoint to fork from.
	ErrNoCheckpoint = New("run has no checkpoint")
	// ErrIterationGuard indicates the scheduler's loop guard tripped.
	ErrIterationGuard = New("iteration guard exceeded")
)

// TurnError is a coded engine error. The code determines how the scheduler
// reacts: retryable codes requeue the turn, structural codes block the turn
// and terminate the run.
type TurnError struct {
	code      Code
	message   string
	cause     error
	retryable bool
}

// NewTurnError creates a TurnError with the given code and message.
// Transient and timeout codes default to retryable; all others do not.
func NewTurnError(code Code, message string) *TurnError {
	return &TurnError{
		code:      code,
		message:   message,
		retryable: code == CodeTransientRuntime || code == CodeTurnTimeout,
	}
}

// NewTurnErrorf creates a TurnError with a formatted message.
func NewTurnErrorf(code Code, format string, args ...any) *TurnError {
	return NewTurnError(code, fmt.Sprintf(format, args...))
}

// WithCause attaches an underlying error.
func (e *TurnError) WithCause(cause error) *TurnError {
	e.cause = cause
	return e
}

// WithRetryable overrides whether the error is retryable.
func (e *TurnError) WithRetryable(r bool) *TurnError {
	e.retryable = r
	return e
}

// Code returns the error code.
func (e *TurnError) Code() Code {
	return e.code
}

// IsRetryable returns whether the error is retryable.
func (e *TurnError) IsRetryable() bool {
	return e.retryable
}

// Error returns the formatted error message in `[CODE] message` form.
func (e *TurnError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.cause
}

// Is reports whether this error matches the target. Two TurnErrors match
// when their codes are equal, so code-only sentinels can be compared with
// errors.Is.
func (e *TurnError) Is(target error) bool {
	var te *TurnError
	if errors.As(target, &te) {
		return e.code == te.code
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TurnError
	if As(err, &te) {
		return te.IsRetryable()
	}
	return false
}

// CodeOf returns the code carried by the error, or CodeRuntimeError for
// errors outside the engine taxonomy. Returns an empty code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *TurnError
	if As(err, &te) {
		return te.Code()
	}
	return CodeRuntimeError
}

// Format renders an error using the `[CODE] message` convention. Errors
// outside the taxonomy are wrapped as RUNTIME_ERROR.
func Format(err error) string {
	if err == nil {
		return ""
	}
	var te *TurnError
	if As(err, &te) {
		return te.Error()
	}
	return fmt.Sprintf("[%s] %v", CodeRuntimeError, err)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
