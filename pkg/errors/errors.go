// Unified error handling for the biochip host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Validation errors
	ErrValidationBounds      ErrorCode = "VALIDATION_BOUNDS"
	ErrValidationDirection   ErrorCode = "VALIDATION_DIRECTION"
	ErrValidationInstruction ErrorCode = "VALIDATION_INSTRUCTION"
	ErrValidationArity       ErrorCode = "VALIDATION_ARITY"
	ErrValidationArgument    ErrorCode = "VALIDATION_ARGUMENT"

	// Droplet identifier lifecycle errors
	ErrLifecycle ErrorCode = "LIFECYCLE"

	// Device protocol errors
	ErrProtocolUnexpectedReply ErrorCode = "PROTOCOL_UNEXPECTED_REPLY"
	ErrProtocolStale           ErrorCode = "PROTOCOL_STALE"

	// I/O errors (instruction sources, serial link)
	ErrIO ErrorCode = "IO"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// File is the source file (if available)
	File string

	// Line is the line number in the source file (if available)
	Line int

	// Droplet is the droplet identifier involved (if applicable)
	Droplet string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetFile sets the source file
func (e *HostError) SetFile(file string) *HostError {
	e.File = file
	return e
}

// SetLine sets the line number
func (e *HostError) SetLine(line int) *HostError {
	e.Line = line
	return e
}

// SetDroplet sets the droplet identifier
func (e *HostError) SetDroplet(id string) *HostError {
	e.Droplet = id
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Validation errors

// OutOfBoundsError creates an error for a plate coordinate outside the grid
func OutOfBoundsError(x, y, maxX, maxY int) *HostError {
	return New(ErrValidationBounds, fmt.Sprintf("coordinate (%d, %d) out of bounds [0, %d) x [0, %d)", x, y, maxX, maxY)).
		SetContext("x", x).
		SetContext("y", y)
}

// DiagonalDirectionError creates an error for a direction that is not a unit axis step
func DiagonalDirectionError(dx, dy int) *HostError {
	return New(ErrValidationDirection, fmt.Sprintf("direction {%d, %d} is not an axis-aligned unit step", dx, dy))
}

// InvalidInstructionError creates an error for an unknown instruction keyword
func InvalidInstructionError() *HostError {
	return New(ErrValidationInstruction, "Invalid instruction")
}

// ArityError creates an error for a wrong argument count
func ArityError(got, want int) *HostError {
	if got < want {
		return New(ErrValidationArity, "Too few arguments for this instruction").
			SetContext("got", got).SetContext("want", want)
	}
	return New(ErrValidationArity, "Too many arguments for this instruction").
		SetContext("got", got).SetContext("want", want)
}

// InvalidArgumentError creates an error for an argument of the wrong type
func InvalidArgumentError(name, value, expected string) *HostError {
	return New(ErrValidationArgument, fmt.Sprintf("argument %s '%s' must be %s", name, value, expected))
}

// Lifecycle errors

// LifecycleError creates a droplet identifier lifecycle error
func LifecycleError(id string, message string) *HostError {
	return New(ErrLifecycle, message).SetDroplet(id)
}

// Protocol errors

// UnexpectedReplyError creates an error for a device reply that matches no pending command
func UnexpectedReplyError(frame string) *HostError {
	return New(ErrProtocolUnexpectedReply, fmt.Sprintf("unexpected reply from device: %q", frame))
}

// StaleCommandError creates an error for a pending command that was never acknowledged
func StaleCommandError(command string, age string) *HostError {
	return New(ErrProtocolStale, fmt.Sprintf("command %q unacknowledged after %s", command, age))
}

// IO errors

// IOError wraps a file or link failure
func IOError(err error, message string) *HostError {
	return Wrap(err, ErrIO, message)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// FromPanic converts a recovered panic value to an error. Call it from the
// deferred function itself:
//
//	defer func() {
//		if r := recover(); r != nil {
//			err = errors.FromPanic(r)
//		}
//	}()
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return Wrap(x, ErrRuntime, "panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in the tree carries the given code. Joined errors
// and errors with Unwrap() []error are searched branch by branch.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	if hostErr, ok := err.(*HostError); ok && hostErr.Code == code {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		return Is(x.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if Is(e, code) {
				return true
			}
		}
	}
	return false
}

// IsValidation checks if error is a validation error
func IsValidation(err error) bool {
	return Is(err, ErrValidationBounds) ||
		Is(err, ErrValidationDirection) ||
		Is(err, ErrValidationInstruction) ||
		Is(err, ErrValidationArity) ||
		Is(err, ErrValidationArgument)
}

// IsLifecycle checks if error is a lifecycle error
func IsLifecycle(err error) bool {
	return Is(err, ErrLifecycle)
}

// IsProtocol checks if error is a protocol error
func IsProtocol(err error) bool {
	return Is(err, ErrProtocolUnexpectedReply) || Is(err, ErrProtocolStale)
}

// IsIO checks if error is an I/O error
func IsIO(err error) bool {
	return Is(err, ErrIO)
}
