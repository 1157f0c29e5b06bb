// Package errors provides structured error handling for Tabulify
package errors

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
)

// ErrorType classifies a failure. It is the first segment of the rendered
// message, so it stays short and lower case.
type ErrorType string

// Categories used across the connectors, the transfer engine and the CLI
const (
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	// ErrorTypeConflict covers duplicates and dependency cycles
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeData       ErrorType = "data"
	// ErrorTypeCast is a value that cannot be converted to its target type
	ErrorTypeCast ErrorType = "cast"
	// ErrorTypeCapability is an operation the backend does not support
	ErrorTypeCapability ErrorType = "capability"
	ErrorTypeFile       ErrorType = "file"
	ErrorTypeQuery      ErrorType = "query"
	// ErrorTypeState is a call made in the wrong lifecycle state
	ErrorTypeState ErrorType = "state"
)

// Error is a categorized failure with an optional cause. Details are free
// form key/values shown by the verbose format.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]any
	Stack   []StackFrame
}

// StackFrame is one resolved caller
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error renders "type: message" followed by ": cause" when there is one
func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Type) + ": " + e.Message
	}
	return string(e.Type) + ": " + e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail records a key/value and returns the receiver for chaining
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// New returns an error of the given category with the caller's stack
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message, Stack: captureStack(2)}
}

// Newf is New with a formatted message
func Newf(errType ErrorType, format string, args ...any) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap adds a category and message on top of err. It returns nil when err
// is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	return wrap(err, errType, message)
}

// Wrapf is Wrap with a formatted message
func Wrapf(err error, errType ErrorType, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, errType, fmt.Sprintf(format, args...))
}

// wrap keeps the stack of the innermost structured error so that the
// frames point at the failure, not at the layers reporting it
func wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Type: errType, Message: message, Cause: err}
	if inner := innermost(err); inner != nil {
		wrapped.Stack = inner.Stack
	} else {
		wrapped.Stack = captureStack(3)
	}
	return wrapped
}

// innermost returns the deepest structured error of the chain
func innermost(err error) *Error {
	var found *Error
	for e := first(err); e != nil; e = first(e.Cause) {
		found = e
	}
	return found
}

// IsRetryable reports whether a timeout or connection failure appears in
// the chain
func IsRetryable(err error) bool {
	return IsType(err, ErrorTypeTimeout) || IsType(err, ErrorTypeConnection)
}

// IsType reports whether err or a structured error it wraps has the category
func IsType(err error, errType ErrorType) bool {
	for e := first(err); e != nil; e = first(e.Cause) {
		if e.Type == errType {
			return true
		}
	}
	return false
}

// first returns the outermost structured error of the chain
func first(err error) *Error {
	var e *Error
	if err == nil || !errors.As(err, &e) {
		return nil
	}
	return e
}

// Is is errors.Is from the standard library
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As from the standard library
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Format prints the message chain with %v and %s. %+v adds the details,
// sorted by key, and the stack of the innermost error.
func (e *Error) Format(f fmt.State, verb rune) {
	switch {
	case verb == 'v' && f.Flag('+'):
		_, _ = io.WriteString(f, e.Error())
		for se := e; se != nil; se = first(se.Cause) {
			keys := make([]string, 0, len(se.Details))
			for k := range se.Details {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(f, "\n  %s=%v", k, se.Details[k])
			}
		}
		for _, frame := range e.Stack {
			fmt.Fprintf(f, "\n    %s\n        %s:%d", frame.Function, frame.File, frame.Line)
		}
	case verb == 'v' || verb == 's':
		_, _ = io.WriteString(f, e.Error())
	case verb == 'q':
		fmt.Fprintf(f, "%q", e.Error())
	}
}

// captureStack records the callers above skip frames
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	pcs := make([]uintptr, maxFrames)
	// runtime.Callers counts itself and captureStack
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])

	stack := make([]StackFrame, 0, n)
	for {
		frame, more := frames.Next()
		stack = append(stack, StackFrame{Function: frame.Function, File: frame.File, Line: frame.Line})
		if !more {
			break
		}
	}
	return stack
}
