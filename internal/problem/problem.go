// Package problem models the daemon's stable error-kind codes as a
// small structured type shaped for the JSON wire envelope.
package problem

import (
	"errors"
	"fmt"
)

// Code is a stable error kind string (never a Go type name) returned
// on the wire as the "error" field.
type Code string

const (
	CodeParseError      Code = "parse_error"
	CodeFrameTooLarge   Code = "frame_too_large"
	CodeMissingEvent    Code = "missing_event"
	CodeNotFound        Code = "not_found"
	CodeFilterRejected  Code = "filter_rejected"
	CodeHandlerError    Code = "handler_error"
	CodeTransformError  Code = "transform_error"
	CodeCyclicTransform Code = "cyclic_transform"
	CodeTimeout         Code = "timeout"
	CodeShuttingDown    Code = "shutting_down"
	CodeTaskConflict    Code = "task_conflict"
	CodeInternalError   Code = "internal_error"
)

// Problem is a structured error carrying one of the stable Code
// values plus optional human detail and structured data, matching the
// {error, detail, data} shape that goes on the wire.
type Problem struct {
	Code   Code
	Detail string
	Data   map[string]any
}

func (p *Problem) Error() string {
	if p.Detail != "" {
		return string(p.Code) + ": " + p.Detail
	}

	return string(p.Code)
}

// New creates a Problem for the given code and detail message.
func New(code Code, detail string) *Problem {
	return &Problem{Code: code, Detail: detail}
}

// WithData attaches structured data (e.g. a stack trace) and returns
// the same Problem for chaining.
func (p *Problem) WithData(data map[string]any) *Problem {
	p.Data = data

	return p
}

// Result renders the Problem as its wire-level result map.
func (p *Problem) Result() map[string]any {
	out := map[string]any{"error": string(p.Code)}

	if p.Detail != "" {
		out["detail"] = p.Detail
	}

	if p.Data != nil {
		out["data"] = p.Data
	}

	return out
}

// FromRecover converts a recovered panic value into a Problem: errors
// pass through as detail, strings and fmt.Stringers are unwrapped,
// anything else is joined with ErrRecoverUnexpected and a formatted
// rendering of the value, so a panic carrying a struct or slice keeps
// its contents in the detail instead of collapsing to a fixed message.
func FromRecover(value any) *Problem {
	switch v := value.(type) {
	case error:
		return New(CodeHandlerError, v.Error())
	case string:
		return New(CodeHandlerError, v)
	case interface{ String() string }:
		return New(CodeHandlerError, v.String())
	default:
		return New(CodeInternalError, errors.Join(ErrRecoverUnexpected, fmt.Errorf("%+v", v)).Error())
	}
}

// ErrRecoverUnexpected is the sentinel joined into the detail when a
// panic value cannot be converted to a meaningful error on its own.
var ErrRecoverUnexpected = errors.New("an unexpected error occurred during handler execution")
