// Package errors provides the coded error type used across storybook.
// Errors carry a Code for categorization, the failing Op, structured Fields
// and the stack captured where they were created.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code categorizes an error.
type Code string

// Generic codes.
const (
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeTimeout      Code = "TIMEOUT"
	CodeUnavailable  Code = "UNAVAILABLE"
)

// Error is a coded error with operation context.
type Error struct {
	Code    Code
	Message string
	// Op is the operation that failed (e.g. "workflow.render").
	Op     string
	Err    error
	Fields map[string]any
	Stack  []Frame
}

// Frame is a single captured stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField adds a field to the error.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields merges fields into the error.
func (e *Error) WithFields(fields map[string]any) *Error {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// HTTPStatus maps the code to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeNotFound, CodeTemplateNotFound:
		return 404
	case CodeConflict, CodeStoreConflict, CodeRunSuperseded:
		return 409
	case CodeInvalidSelection:
		return 422
	case CodeRenderBackend, CodeArtifactCollection:
		return 502
	case CodeUnavailable:
		return 503
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}

// StackTrace formats the captured stack, one frame per line.
func (e *Error) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(2)}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap adds op context to err. A coded cause keeps its code and fields;
// anything else becomes INTERNAL_ERROR.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	code := CodeInternal
	var fields map[string]any
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
		if len(e.Fields) > 0 {
			fields = make(map[string]any, len(e.Fields))
			for k, v := range e.Fields {
				fields[k] = v
			}
		}
	}
	return &Error{Code: code, Message: message, Op: op, Err: err, Fields: fields, Stack: captureStack(2)}
}

// WrapWithCode wraps err and forces code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err, Stack: captureStack(2)}
}

// NotFound reports a missing resource.
func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

// Validation reports bad caller input.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// ValidationField reports bad caller input for one field.
func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(operation string) *Error {
	return New(CodeTimeout, fmt.Sprintf("operation timed out: %s", operation)).
		WithField("operation", operation)
}

// Unavailable reports a dependency that cannot be reached.
func Unavailable(service string) *Error {
	return New(CodeUnavailable, fmt.Sprintf("service unavailable: %s", service)).
		WithField("service", service)
}

// GetCode returns the code of the first *Error in the chain.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetHTTPStatus returns the response status for err.
func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

// GetFields returns the fields of the first *Error in the chain.
func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound reports a NOT_FOUND error.
func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

// IsValidation reports a VALIDATION_ERROR.
func IsValidation(err error) bool { return IsCode(err, CodeValidation) }

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	it := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := it.Next()
		if !strings.Contains(frame.File, "runtime/") {
			frames = append(frames, Frame{File: frame.File, Line: frame.Line, Function: frame.Function})
		}
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// As is errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// Is is errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }
