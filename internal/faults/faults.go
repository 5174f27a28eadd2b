package faults

import (
	"errors"
	"fmt"
)

// Code identifies a failure class shared across the board-sync services.
type Code string

const (
	// CodeNotAuthenticated covers missing, invalid, or unrefreshable tokens.
	CodeNotAuthenticated Code = "not_authenticated"
	// CodeNotInAllowedWorkspace covers a failed tenant membership check.
	CodeNotInAllowedWorkspace Code = "not_in_allowed_workspace"
	// CodeUpstreamUnavailable covers remote 5xx and network failures.
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	// CodeSchemaMismatch means the record store rejected every write shape.
	CodeSchemaMismatch Code = "schema_mismatch"
	// CodeNotFound means no board mapping could be resolved.
	CodeNotFound Code = "not_found"
	// CodeUnsupportedCategory rejects journal categories outside the closed set.
	CodeUnsupportedCategory Code = "unsupported_category"
	// CodeMissingRequiredField rejects requests lacking mandatory input.
	CodeMissingRequiredField Code = "missing_required_field"
)

// Error attaches a failure code and the provisioning step that produced it.
type Error struct {
	Code Code
	Step string
	Err  error
}

func New(code Code, step string, cause error) *Error {
	return &Error{Code: code, Step: step, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Step != "" && e.Err != nil:
		return fmt.Sprintf("%s at %s: %v", e.Code, e.Step, e.Err)
	case e.Step != "":
		return fmt.Sprintf("%s at %s", e.Code, e.Step)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the failure code from an error chain.
func CodeOf(err error) (Code, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return "", false
}

// StepOf extracts the step name from an error chain, empty when absent.
func StepOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Step
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	actual, ok := CodeOf(err)
	return ok && actual == code
}
