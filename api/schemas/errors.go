// File: api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// ErrorCode is a string type used for structured error reporting across the
// engine. Using a custom type ensures only predefined constants can appear
// where an ErrorCode is expected.
type ErrorCode string

const (
	// -- Validation (rejected before run start, never mid-run) --
	ErrCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrCodeEmptyScript    ErrorCode = "EMPTY_SCRIPT"
	ErrCodeInvalidLoop    ErrorCode = "INVALID_LOOP_COUNT"
	ErrCodeDanglingBranch ErrorCode = "DANGLING_BRANCH_REFERENCE"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"

	// -- Platform boundary --
	ErrCodeHalTimeout     ErrorCode = "HAL_TIMEOUT"
	ErrCodeHalUnsupported ErrorCode = "HAL_UNSUPPORTED"

	// -- Expected, non-fatal per-tick outcomes --
	ErrCodeRecognitionFailed  ErrorCode = "RECOGNITION_FAILED"
	ErrCodeRecognitionTimeout ErrorCode = "RECOGNITION_TIMEOUT"
	ErrCodeTemplateNotFound   ErrorCode = "TEMPLATE_NOT_FOUND"

	// -- State machine misuse --
	ErrCodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"

	// -- Execution --
	ErrCodeExecutionFailed ErrorCode = "EXECUTION_FAILED"
)

// CodedError carries an ErrorCode alongside a human message so callers can
// branch on the code without string matching.
type CodedError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewCodedError builds a CodedError.
func NewCodedError(code ErrorCode, msg string) *CodedError {
	return &CodedError{Code: code, Msg: msg}
}

// WrapCoded attaches a code to an underlying error.
func WrapCoded(code ErrorCode, msg string, err error) *CodedError {
	return &CodedError{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
